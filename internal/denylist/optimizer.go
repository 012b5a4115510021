// Package denylist decides whether a revocation-list command is worth
// dispatching to a physically remote, battery-powered lock before the
// key engine puts it on the wire.
package denylist

import (
	"context"
	"log/slog"
	"time"

	"github.com/keynest/keynest/internal/domain"
)

// PassChecker is the single issuance-log predicate the optimizer
// depends on.
type PassChecker interface {
	IsUserPassExpired(ctx context.Context, userID string) (bool, error)
}

// Optimizer gates denylist add/remove dispatch.
type Optimizer struct {
	passes PassChecker
	log    *slog.Logger
	now    func() time.Time
}

// New creates an Optimizer over the given issuance-log predicate.
func New(passes PassChecker, logger *slog.Logger) *Optimizer {
	return &Optimizer{passes: passes, log: logger, now: time.Now}
}

// SetClock overrides the time source; tests use this.
func (o *Optimizer) SetClock(now func() time.Time) {
	o.now = now
}

// ShouldSkipRemove reports whether removing the entry from the lock's
// denylist can be skipped. Entries with no expiration are permanent and
// must always be actively lifted. Entries whose expiration has passed
// are already inert at the lock (its clock enforcement, backed by
// secure time sync, treats them as expired), so only the bookkeeping
// row needs deleting.
func (o *Optimizer) ShouldSkipRemove(entry domain.DenylistEntry) bool {
	if entry.ExpiresAt == nil {
		return false
	}
	return !entry.ExpiresAt.After(o.now())
}

// ShouldSkipAdd reports whether a denylist add for the user is
// redundant: a user with no route pass, or an expired one, cannot
// authenticate to any lock regardless of denylist state. Errors while
// evaluating resolve fail-safe to false — skipping on uncertainty risks
// leaving access open — and are logged, never returned.
func (o *Optimizer) ShouldSkipAdd(ctx context.Context, userID string) bool {
	skip, err := o.shouldSkipAdd(ctx, userID)
	if err != nil {
		o.log.Error("denylist add optimization check failed; dispatching anyway", "user_id", userID, "err", err)
		return false
	}
	return skip
}

func (o *Optimizer) shouldSkipAdd(ctx context.Context, userID string) (bool, error) {
	expired, err := o.passes.IsUserPassExpired(ctx, userID)
	if err != nil {
		return false, err
	}
	return expired, nil
}

// EntryStore is the bookkeeping slice of the storage layer Cleanup
// needs.
type EntryStore interface {
	ListExpiredDenylistEntries(ctx context.Context, cutoff time.Time, limit int) ([]domain.DenylistEntry, error)
	DeleteDenylistEntry(ctx context.Context, id string) error
}

// Cleanup deletes bookkeeping rows for entries that are already inert
// at the lock. No commands are dispatched; this is the janitor's
// counterpart to the per-operation skip checks.
func (o *Optimizer) Cleanup(ctx context.Context, store EntryStore, limit int) (int, error) {
	entries, err := store.ListExpiredDenylistEntries(ctx, o.now(), limit)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, entry := range entries {
		if !o.ShouldSkipRemove(entry) {
			continue
		}
		if err := store.DeleteDenylistEntry(ctx, entry.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
