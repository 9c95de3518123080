// Package reconcile infers blog subscribe and unsubscribe transitions by
// diffing two independently-maintained membership snapshots: the remote
// subscriber source (current ground truth) and the local cache (the last
// run's snapshot). The remote platform exposes no unsubscribe feed, so
// unsubscription can only be inferred by polling and set difference.
//
// A subscribe-then-unsubscribe cycle that completes between two runs is an
// accepted missed detection, not a bug: the cadence of reconciliation bounds
// the detection window.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"triggermail/internal/types"
)

// SubscriberSource abstracts the remote subscriber-list collaborator.
// Each call produces a full membership snapshot; no pagination state is
// retained between calls.
type SubscriberSource interface {
	FetchSubscribers(ctx context.Context) ([]types.Subscriber, error)
}

// SubscriberCache abstracts the local cache operations the reconciler needs
// from the SubscriberRepository.
type SubscriberCache interface {
	List(ctx context.Context) ([]types.Subscriber, error)
	Count(ctx context.Context) (int, error)
	Add(ctx context.Context, email, displayName string) (bool, error)
	Remove(ctx context.Context, email string) (bool, error)
}

// Delta is the one-shot result of a reconciliation pass. Downstream dispatch
// consumes it directly; no delta history is persisted.
type Delta struct {
	Subscribed   []types.Subscriber // present remotely, absent locally
	Unsubscribed []types.Subscriber // present locally, absent remotely
}

// Reconciler computes membership deltas and advances the local cache toward
// the latest remote snapshot once the corresponding mailings have been
// dispatched.
type Reconciler struct {
	source SubscriberSource
	cache  SubscriberCache
	logger *slog.Logger
}

// New creates a Reconciler over the given source and cache.
func New(source SubscriberSource, cache SubscriberCache, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{source: source, cache: cache, logger: logger}
}

// FetchRemote pulls the full remote snapshot and validates its shape.
// A snapshot entry with an empty email address is a malformed snapshot and
// surfaces as a typed error; it is never silently treated as "no changes".
func (r *Reconciler) FetchRemote(ctx context.Context) ([]types.Subscriber, error) {
	snapshot, err := r.source.FetchSubscribers(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateSnapshot(snapshot); err != nil {
		r.logger.Error("remote subscriber snapshot malformed", "error", err)
		return nil, err
	}
	return snapshot, nil
}

// SeedLocal bootstraps the cache from the remote snapshot, but only when the
// cache is empty. Without the seed, the first reconciliation run would treat
// every existing subscriber as newly subscribed. Safe to call every run.
// Returns the number of subscribers imported (zero when the cache was
// already populated).
func (r *Reconciler) SeedLocal(ctx context.Context) (int, error) {
	n, err := r.cache.Count(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}

	snapshot, err := r.FetchRemote(ctx)
	if err != nil {
		return 0, err
	}

	imported := 0
	for _, s := range snapshot {
		created, err := r.cache.Add(ctx, s.Email, s.DisplayName)
		if err != nil {
			return imported, err
		}
		if created {
			imported++
		}
	}
	r.logger.Info("seeded local subscriber cache", "imported", imported)
	return imported, nil
}

// Reconcile fetches the remote snapshot, reads the local cache, and returns
// the membership delta. It does not advance the cache; the driver calls
// AdvanceLocal after the subscribe/unsubscribe mailings have been dispatched,
// so a failed dispatch run re-detects the same delta next time.
func (r *Reconciler) Reconcile(ctx context.Context) (*Delta, error) {
	remote, err := r.FetchRemote(ctx)
	if err != nil {
		return nil, err
	}
	local, err := r.cache.List(ctx)
	if err != nil {
		return nil, err
	}

	delta := Diff(local, remote)
	r.logger.Info("reconciliation pass complete",
		"remote", len(remote),
		"local", len(local),
		"subscribed", len(delta.Subscribed),
		"unsubscribed", len(delta.Unsubscribed),
	)
	return delta, nil
}

// AdvanceLocal applies a delta to the cache: newly subscribed addresses are
// inserted, unsubscribed addresses deleted. Both operations are idempotent,
// so replaying a delta after a partial failure converges.
func (r *Reconciler) AdvanceLocal(ctx context.Context, delta *Delta) error {
	for _, s := range delta.Subscribed {
		if _, err := r.cache.Add(ctx, s.Email, s.DisplayName); err != nil {
			return err
		}
	}
	for _, s := range delta.Unsubscribed {
		if _, err := r.cache.Remove(ctx, s.Email); err != nil {
			return err
		}
	}
	return nil
}

// Diff computes the symmetric membership delta between the local cache and
// the remote snapshot, keyed by email. Addresses are compared as opaque
// strings; no case normalization is applied.
//
//	Unsubscribed = local minus remote
//	Subscribed   = remote minus local
func Diff(local, remote []types.Subscriber) *Delta {
	remoteSet := make(map[string]struct{}, len(remote))
	for _, s := range remote {
		remoteSet[s.Email] = struct{}{}
	}
	localSet := make(map[string]struct{}, len(local))
	for _, s := range local {
		localSet[s.Email] = struct{}{}
	}

	delta := &Delta{}
	for _, s := range local {
		if _, ok := remoteSet[s.Email]; !ok {
			delta.Unsubscribed = append(delta.Unsubscribed, s)
		}
	}
	for _, s := range remote {
		if _, ok := localSet[s.Email]; !ok {
			delta.Subscribed = append(delta.Subscribed, s)
		}
	}
	return delta
}

// validateSnapshot rejects snapshots whose tuple shape is unusable for
// set difference. An empty email would silently collapse distinct members
// into one key, masking real reconciliation failures.
func validateSnapshot(snapshot []types.Subscriber) error {
	for i, s := range snapshot {
		if s.Email == "" {
			return types.NewAppError(
				types.ErrCodeReconcileSnapshot,
				fmt.Sprintf("remote snapshot entry %d has an empty email", i),
				nil,
			)
		}
	}
	return nil
}
