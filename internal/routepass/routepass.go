// Package routepass maintains the append-only issuance log of temporary
// access credentials. The latest entry by issued_at is a user's current
// pass; history is never mutated.
package routepass

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/keynest/keynest/internal/domain"
	"github.com/keynest/keynest/internal/store/sqlite"
)

// Log is the issuance log service over the sqlite store.
type Log struct {
	store *sqlite.Store
	now   func() time.Time
}

// New creates an issuance log backed by store.
func New(store *sqlite.Store) *Log {
	return &Log{store: store, now: time.Now}
}

// SetClock overrides the time source; tests use this.
func (l *Log) SetClock(now func() time.Time) {
	l.now = now
}

// Create appends an issuance record. An empty jti gets a generated one.
func (l *Log) Create(ctx context.Context, userID, deviceID string, audiences []string, jti string, issuedAt, expiresAt time.Time) (domain.RoutePass, error) {
	if jti == "" {
		jti = uuid.NewString()
	}
	return l.store.CreateRoutePass(ctx, userID, deviceID, audiences, jti, issuedAt, expiresAt)
}

// GetLastIssuanceForUser returns the user's most recent pass by
// issued_at, or ok=false when the user has never been issued one.
func (l *Log) GetLastIssuanceForUser(ctx context.Context, userID string) (domain.RoutePass, bool, error) {
	p, err := l.store.LastRoutePassForUser(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RoutePass{}, false, nil
	}
	if err != nil {
		return domain.RoutePass{}, false, err
	}
	return p, true, nil
}

// IsUserPassExpired reports whether the user currently holds no usable
// pass: no issuance at all, or the latest one expired at or before now.
// This is the single predicate the denylist optimizer depends on.
func (l *Log) IsUserPassExpired(ctx context.Context, userID string) (bool, error) {
	p, ok, err := l.GetLastIssuanceForUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return !p.ExpiresAt.After(l.now()), nil
}

// GetUserHistory returns the user's issuances, reverse-chronological,
// paginated, with optional inclusive issued_at bounds.
func (l *Log) GetUserHistory(ctx context.Context, userID string, f sqlite.HistoryFilter) ([]domain.RoutePass, error) {
	return l.store.RoutePassHistory(ctx, userID, f)
}

// GetUserHistoryCount returns the total matching rows for the filter,
// ignoring pagination.
func (l *Log) GetUserHistoryCount(ctx context.Context, userID string, f sqlite.HistoryFilter) (int, error) {
	return l.store.RoutePassHistoryCount(ctx, userID, f)
}
