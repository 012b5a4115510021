package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/keynest/keynest/internal/domain"
)

// CreateDenylistEntry records a revoked user/device pairing. A nil
// expiresAt means the block is permanent.
func (s *Store) CreateDenylistEntry(ctx context.Context, deviceID, userID, source, createdBy string, expiresAt *time.Time) (domain.DenylistEntry, error) {
	id, err := newID("dl")
	if err != nil {
		return domain.DenylistEntry{}, err
	}
	e := domain.DenylistEntry{
		ID:        id,
		DeviceID:  deviceID,
		UserID:    userID,
		Source:    source,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO denylist_entries(id, device_id, user_id, source, created_by, created_at, expires_at)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DeviceID, e.UserID, e.Source, e.CreatedBy, e.CreatedAt, nullableTime(e.ExpiresAt))
	return e, err
}

// GetDenylistEntry returns one entry by ID.
func (s *Store) GetDenylistEntry(ctx context.Context, id string) (domain.DenylistEntry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, device_id, user_id, source, created_by, created_at, expires_at
FROM denylist_entries WHERE id = ?`, id)
	return scanDenylistEntry(row)
}

// ListDenylistEntriesForDevice returns all entries blocking access on a
// device, newest first.
func (s *Store) ListDenylistEntriesForDevice(ctx context.Context, deviceID string) ([]domain.DenylistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, device_id, user_id, source, created_by, created_at, expires_at
FROM denylist_entries WHERE device_id = ? ORDER BY created_at DESC`, deviceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.DenylistEntry
	for rows.Next() {
		e, err := scanDenylistEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListExpiredDenylistEntries returns entries with a non-null expiration
// at or before cutoff, limited to limit rows. These are inert at the
// lock and are candidates for bookkeeping deletion.
func (s *Store) ListExpiredDenylistEntries(ctx context.Context, cutoff time.Time, limit int) ([]domain.DenylistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, device_id, user_id, source, created_by, created_at, expires_at
FROM denylist_entries
WHERE expires_at IS NOT NULL AND expires_at <= ?
ORDER BY expires_at ASC
LIMIT ?`, cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.DenylistEntry
	for rows.Next() {
		e, err := scanDenylistEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteDenylistEntry removes the bookkeeping row.
func (s *Store) DeleteDenylistEntry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM denylist_entries WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanDenylistEntry(row rowScanner) (domain.DenylistEntry, error) {
	var e domain.DenylistEntry
	var expires sql.NullTime
	err := row.Scan(&e.ID, &e.DeviceID, &e.UserID, &e.Source, &e.CreatedBy, &e.CreatedAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DenylistEntry{}, err
	}
	if err != nil {
		return domain.DenylistEntry{}, err
	}
	if expires.Valid {
		t := expires.Time
		e.ExpiresAt = &t
	}
	return e, nil
}
