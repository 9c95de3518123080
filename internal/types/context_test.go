package types

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunID_RoundTrip(t *testing.T) {
	ctx := WithRunID(context.Background(), "run-abc")
	assert.Equal(t, "run-abc", GetRunID(ctx))
}

func TestGetRunID_Absent(t *testing.T) {
	assert.Empty(t, GetRunID(context.Background()))
}
