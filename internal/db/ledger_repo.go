package db

import (
	"context"
	"log/slog"
	"time"

	"triggermail/internal/types"
)

// ledgerSchema creates the sent_mail table. external_id is NOT NULL with an
// empty-string default so the uniqueness constraint treats "no external
// reference" as its own comparable value. The constraint, not a read-check,
// is the authoritative duplicate guard across concurrent invocations.
const ledgerSchema = `
CREATE TABLE IF NOT EXISTS sent_mail (
	id          BIGSERIAL PRIMARY KEY,
	email       TEXT NOT NULL,
	mailing     TEXT NOT NULL,
	external_id TEXT NOT NULL DEFAULT '',
	sent_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (email, mailing, external_id)
)`

// LedgerRepository provides data access for the sent_mail table, the
// append-only record of every dispatched (recipient, mailing, external
// reference) triple. There are no update or delete operations: the ledger
// is an audit log as well as the duplicate-send suppressor.
type LedgerRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewLedgerRepository creates a new LedgerRepository backed by the given
// database connection (pool or transaction).
func NewLedgerRepository(db DBTX, logger *slog.Logger) *LedgerRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerRepository{db: db, logger: logger}
}

// EnsureSchema idempotently creates the ledger table if absent.
func (r *LedgerRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, ledgerSchema); err != nil {
		r.logger.Error("failed to ensure ledger schema", "error", err)
		return types.NewAppError(types.ErrCodeInternalDB, "failed to ensure ledger schema", err)
	}
	return nil
}

// WasSent reports whether a matching ledger record exists.
//
// Matching rule: an empty externalID matches on (email, mailing) ignoring
// external_id entirely; a non-empty externalID matches the full triple.
// The asymmetry is intentional: mailings with no natural correlation key
// (a generic cart nudge) are suppressed per-address-per-mailing forever,
// while order-keyed mailings are suppressed per order, so order #100 being
// sent never blocks order #101.
func (r *LedgerRepository) WasSent(ctx context.Context, email string, mailing types.MailingType, externalID string) (bool, error) {
	var (
		exists bool
		err    error
	)
	if externalID == "" {
		err = r.db.QueryRow(ctx,
			`SELECT EXISTS (
				SELECT 1 FROM sent_mail WHERE email = $1 AND mailing = $2
			 )`,
			email, string(mailing),
		).Scan(&exists)
	} else {
		err = r.db.QueryRow(ctx,
			`SELECT EXISTS (
				SELECT 1 FROM sent_mail
				WHERE email = $1 AND mailing = $2 AND external_id = $3
			 )`,
			email, string(mailing), externalID,
		).Scan(&exists)
	}
	if err != nil {
		r.logger.Error("ledger lookup failed",
			"email", email,
			"mailing", string(mailing),
			"error", err,
		)
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to query send ledger", err)
	}
	return exists, nil
}

// Record inserts a ledger row for the given triple with a store-assigned
// timestamp. The insert is atomic insert-if-absent: if the uniqueness
// constraint already holds a matching row, nothing is written and Record
// returns false. Returns true when this call created the record.
//
// A failed Record leaves the ledger exactly as it was; a later run will
// treat the mailing as not-yet-sent and may re-attempt it. Send and record
// are not atomic across the provider and the store, so a successful send
// followed by a failed Record is a known duplicate-send risk.
func (r *LedgerRepository) Record(ctx context.Context, email string, mailing types.MailingType, externalID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO sent_mail (email, mailing, external_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (email, mailing, external_id) DO NOTHING`,
		email, string(mailing), externalID,
	)
	if err != nil {
		r.logger.Error("ledger insert failed",
			"email", email,
			"mailing", string(mailing),
			"external_id", externalID,
			"error", err,
		)
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record sent mail", err)
	}
	return tag.RowsAffected() > 0, nil
}

// History returns ledger rows for a recipient ordered by insertion,
// for audit inspection. Mailing filters the result when non-empty.
func (r *LedgerRepository) History(ctx context.Context, email string, mailing types.MailingType) ([]*types.SentMailRecord, error) {
	query := `SELECT id, email, mailing, external_id, sent_at
	          FROM sent_mail WHERE email = $1 ORDER BY id`
	args := []any{email}
	if mailing != "" {
		query = `SELECT id, email, mailing, external_id, sent_at
		         FROM sent_mail WHERE email = $1 AND mailing = $2 ORDER BY id`
		args = append(args, string(mailing))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query send history", err)
	}
	defer rows.Close()

	var records []*types.SentMailRecord
	for rows.Next() {
		var (
			rec     types.SentMailRecord
			mailing string
			sentAt  time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.Email, &mailing, &rec.ExternalID, &sentAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan ledger row", err)
		}
		rec.Mailing = types.MailingType(mailing)
		rec.SentAt = sentAt
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating ledger rows", err)
	}
	return records, nil
}
