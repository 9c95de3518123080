package db

import (
	"context"
	"log/slog"

	"triggermail/internal/types"
)

// subscriberSchema creates the local subscriber cache. The unique index on
// email is what makes Add idempotent; the cache is the dispatcher's memory
// of the last reconciled remote snapshot.
const subscriberSchema = `
CREATE TABLE IF NOT EXISTS subscribers (
	id           BIGSERIAL PRIMARY KEY,
	email        TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// SubscriberRepository provides data access for the subscribers table, the
// local cache of blog subscribers the reconciler diffs against the remote
// subscriber source.
type SubscriberRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriberRepository creates a new SubscriberRepository backed by the
// given database connection (pool or transaction).
func NewSubscriberRepository(db DBTX, logger *slog.Logger) *SubscriberRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriberRepository{db: db, logger: logger}
}

// EnsureSchema idempotently creates the subscriber cache table if absent.
func (r *SubscriberRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, subscriberSchema); err != nil {
		r.logger.Error("failed to ensure subscriber schema", "error", err)
		return types.NewAppError(types.ErrCodeInternalDB, "failed to ensure subscriber schema", err)
	}
	return nil
}

// List reads the full local cache ordered by insertion.
func (r *SubscriberRepository) List(ctx context.Context) ([]types.Subscriber, error) {
	rows, err := r.db.Query(ctx,
		`SELECT email, display_name, created_at FROM subscribers ORDER BY id`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list cached subscribers", err)
	}
	defer rows.Close()

	var subs []types.Subscriber
	for rows.Next() {
		var s types.Subscriber
		if err := rows.Scan(&s.Email, &s.DisplayName, &s.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscriber row", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating subscriber rows", err)
	}
	return subs, nil
}

// Count returns the number of cached subscribers. The reconciler uses this
// to decide whether the one-time bootstrap seed should run.
func (r *SubscriberRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM subscribers`).Scan(&n); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count cached subscribers", err)
	}
	return n, nil
}

// Add inserts a subscriber if absent. Already-cached addresses are a no-op;
// the stored display name is not overwritten. Returns true when this call
// created the row.
func (r *SubscriberRepository) Add(ctx context.Context, email, displayName string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO subscribers (email, display_name)
		 VALUES ($1, $2)
		 ON CONFLICT (email) DO NOTHING`,
		email, displayName,
	)
	if err != nil {
		r.logger.Error("subscriber insert failed", "email", email, "error", err)
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to cache subscriber", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Remove deletes a subscriber if present. Unknown addresses are a no-op.
// Returns true when a row was deleted.
func (r *SubscriberRepository) Remove(ctx context.Context, email string) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM subscribers WHERE email = $1`, email)
	if err != nil {
		r.logger.Error("subscriber delete failed", "email", email, "error", err)
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to remove cached subscriber", err)
	}
	return tag.RowsAffected() > 0, nil
}
