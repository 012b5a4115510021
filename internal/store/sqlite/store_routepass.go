package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/keynest/keynest/internal/domain"
)

// HistoryFilter narrows route pass history queries. Zero-value time
// bounds are ignored; bounds are inclusive on issued_at.
type HistoryFilter struct {
	Limit     int
	Offset    int
	StartDate time.Time
	EndDate   time.Time
}

// CreateRoutePass appends an immutable issuance record. There is no
// corresponding update or delete: the log is the audit history.
func (s *Store) CreateRoutePass(ctx context.Context, userID, deviceID string, audiences []string, jti string, issuedAt, expiresAt time.Time) (domain.RoutePass, error) {
	id, err := newID("rp")
	if err != nil {
		return domain.RoutePass{}, err
	}
	now := time.Now().UTC()
	p := domain.RoutePass{
		ID:        id,
		UserID:    userID,
		DeviceID:  deviceID,
		Audiences: audiences,
		JTI:       jti,
		IssuedAt:  issuedAt.UTC(),
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	encoded, err := encodeAudiences(audiences)
	if err != nil {
		return domain.RoutePass{}, err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO route_passes(id, user_id, device_id, audiences, jti, issued_at, expires_at, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.DeviceID, encoded, p.JTI, p.IssuedAt, p.ExpiresAt, p.CreatedAt, p.UpdatedAt)
	return p, err
}

// LastRoutePassForUser returns the most recent issuance for a user by
// issued_at descending, or sql.ErrNoRows if none exists. Insertion
// races on identical issued_at are broken by created_at then id.
func (s *Store) LastRoutePassForUser(ctx context.Context, userID string) (domain.RoutePass, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, device_id, audiences, jti, issued_at, expires_at, created_at, updated_at
FROM route_passes
WHERE user_id = ?
ORDER BY issued_at DESC, created_at DESC, id DESC
LIMIT 1`, userID)
	return scanRoutePass(row)
}

// RoutePassHistory returns a user's issuances, reverse-chronological,
// with pagination and optional inclusive issued_at date bounds.
func (s *Store) RoutePassHistory(ctx context.Context, userID string, f HistoryFilter) ([]domain.RoutePass, error) {
	query, args := historyQuery(`
SELECT id, user_id, device_id, audiences, jti, issued_at, expires_at, created_at, updated_at
FROM route_passes`, userID, f)
	query += " ORDER BY issued_at DESC, created_at DESC, id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.RoutePass
	for rows.Next() {
		p, err := scanRoutePass(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RoutePassHistoryCount returns the number of rows RoutePassHistory
// would match ignoring pagination. The count column is scanned loosely
// and coerced to an integer; an absent result counts as zero.
func (s *Store) RoutePassHistoryCount(ctx context.Context, userID string, f HistoryFilter) (int, error) {
	query, args := historyQuery(`SELECT COUNT(1) AS count FROM route_passes`, userID, f)
	var raw any
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return CoerceCount(raw), nil
}

// CoerceCount converts a loosely typed count value into an integer.
// SQLite drivers have returned counts as int64, float, string, and raw
// bytes depending on version; anything unrecognized counts as zero.
func CoerceCount(raw any) int {
	switch v := raw.(type) {
	case nil:
		return 0
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0
		}
		return n
	case []byte:
		n, err := strconv.Atoi(strings.TrimSpace(string(v)))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func historyQuery(base, userID string, f HistoryFilter) (string, []any) {
	query := base + " WHERE user_id = ?"
	args := []any{userID}
	if !f.StartDate.IsZero() {
		query += " AND issued_at >= ?"
		args = append(args, f.StartDate.UTC())
	}
	if !f.EndDate.IsZero() {
		query += " AND issued_at <= ?"
		args = append(args, f.EndDate.UTC())
	}
	return query, args
}

func scanRoutePass(row rowScanner) (domain.RoutePass, error) {
	var p domain.RoutePass
	var encoded string
	if err := row.Scan(&p.ID, &p.UserID, &p.DeviceID, &encoded, &p.JTI, &p.IssuedAt, &p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.RoutePass{}, err
	}
	audiences, err := decodeAudiences(encoded)
	if err != nil {
		return domain.RoutePass{}, err
	}
	p.Audiences = audiences
	return p, nil
}

func encodeAudiences(audiences []string) (string, error) {
	if audiences == nil {
		audiences = []string{}
	}
	b, err := json.Marshal(audiences)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeAudiences(encoded string) ([]string, error) {
	if strings.TrimSpace(encoded) == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(encoded), &out); err != nil {
		return nil, err
	}
	return out, nil
}
