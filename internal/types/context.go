package types

import "context"

// ctxKey is a private type for context keys to avoid collisions.
type ctxKey int

const runIDKey ctxKey = iota

// WithRunID returns a context carrying the batch run identifier. The driver
// assigns one UUID per invocation; collaborator clients propagate it on
// outbound requests so provider-side logs can be correlated with a run.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// GetRunID returns the run identifier from the context, or "" if absent.
func GetRunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey).(string); ok {
		return v
	}
	return ""
}
