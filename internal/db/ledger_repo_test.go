package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"triggermail/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// --- Mock Rows for Query ---

// mockRows implements pgx.Rows for testing Query results.
type mockRows struct {
	data    [][]any
	idx     int
	closed  bool
	scanErr error
	errVal  error
}

func newMockRows(data [][]any) *mockRows {
	return &mockRows{data: data, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	row := r.data[r.idx]
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = row[i].(string)
		case *int64:
			*v = row[i].(int64)
		case *time.Time:
			*v = row[i].(time.Time)
		}
	}
	return nil
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

// --- LedgerRepository Tests ---

func TestLedgerRepository_WasSent_NotSent(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepository(db, nil)

	row := &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*bool) = false
			return nil
		},
	}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"),
		[]any{"alice@example.com", "order-confirmation", "100234"}).
		Return(row)

	sent, err := repo.WasSent(context.Background(), "alice@example.com", types.MailingOrderConfirmation, "100234")
	require.NoError(t, err)
	assert.False(t, sent)
	db.AssertExpectations(t)
}

func TestLedgerRepository_WasSent_AlreadySent(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepository(db, nil)

	row := &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*bool) = true
			return nil
		},
	}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"),
		[]any{"alice@example.com", "order-confirmation", "100234"}).
		Return(row)

	sent, err := repo.WasSent(context.Background(), "alice@example.com", types.MailingOrderConfirmation, "100234")
	require.NoError(t, err)
	assert.True(t, sent)
}

// An empty external ID must query on (email, mailing) only: the lookup for
// a keyless mailing ignores the external_id column entirely.
func TestLedgerRepository_WasSent_EmptyExternalID_TwoArgQuery(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepository(db, nil)

	row := &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*bool) = true
			return nil
		},
	}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"),
		[]any{"bob@example.com", "cart-abandon-short"}).
		Return(row)

	sent, err := repo.WasSent(context.Background(), "bob@example.com", types.MailingCartAbandonShort, "")
	require.NoError(t, err)
	assert.True(t, sent)
	db.AssertExpectations(t)
}

func TestLedgerRepository_WasSent_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepository(db, nil)

	row := &mockRow{scanErr: errors.New("connection refused")}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(row)

	_, err := repo.WasSent(context.Background(), "alice@example.com", types.MailingOrderConfirmation, "100234")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestLedgerRepository_Record_NewRow(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepository(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"),
		[]any{"alice@example.com", "order-confirmation", "100234"}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	created, err := repo.Record(context.Background(), "alice@example.com", types.MailingOrderConfirmation, "100234")
	require.NoError(t, err)
	assert.True(t, created)
	db.AssertExpectations(t)
}

// The second insert of the same triple hits the uniqueness constraint's
// DO NOTHING branch. That is not an error: Record reports it as created=false
// and the ledger keeps exactly one row.
func TestLedgerRepository_Record_DuplicateIsNoOp(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepository(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"),
		[]any{"alice@example.com", "order-confirmation", "100234"}).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

	created, err := repo.Record(context.Background(), "alice@example.com", types.MailingOrderConfirmation, "100234")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestLedgerRepository_Record_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepository(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("timeout"))

	_, err := repo.Record(context.Background(), "alice@example.com", types.MailingOrderConfirmation, "100234")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestLedgerRepository_History_AllMailings(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepository(db, nil)

	sentAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rows := newMockRows([][]any{
		{int64(1), "alice@example.com", "order-confirmation", "100234", sentAt},
		{int64(2), "alice@example.com", "ship-confirmation", "100234", sentAt.Add(time.Hour)},
	})

	db.On("Query", mock.Anything, mock.AnythingOfType("string"),
		[]any{"alice@example.com"}).
		Return(rows, nil)

	records, err := repo.History(context.Background(), "alice@example.com", "")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, int64(1), records[0].ID)
	assert.Equal(t, types.MailingOrderConfirmation, records[0].Mailing)
	assert.Equal(t, "100234", records[0].ExternalID)
	assert.Equal(t, sentAt, records[0].SentAt)
	assert.Equal(t, types.MailingShipConfirmation, records[1].Mailing)
	db.AssertExpectations(t)
}

func TestLedgerRepository_History_FilteredByMailing(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepository(db, nil)

	sentAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rows := newMockRows([][]any{
		{int64(7), "alice@example.com", "ship-confirmation", "100235", sentAt},
	})

	db.On("Query", mock.Anything, mock.AnythingOfType("string"),
		[]any{"alice@example.com", "ship-confirmation"}).
		Return(rows, nil)

	records, err := repo.History(context.Background(), "alice@example.com", types.MailingShipConfirmation)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.MailingShipConfirmation, records[0].Mailing)
	db.AssertExpectations(t)
}

func TestLedgerRepository_History_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepository(db, nil)

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, errors.New("connection refused"))

	_, err := repo.History(context.Background(), "alice@example.com", "")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestLedgerRepository_EnsureSchema(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepository(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("CREATE TABLE"), nil)

	require.NoError(t, repo.EnsureSchema(context.Background()))
	db.AssertExpectations(t)
}
