// Package sqlite implements the keynest data store backed by a SQLite
// database. It manages gateway records, devices, denylist entries, the
// route pass issuance log, and device verification keys.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/keynest/keynest/internal/domain"
)

// Store wraps a SQLite database connection for all keynest persistence
// operations.
type Store struct {
	db *sql.DB
}

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations,
// and enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with
// tunable connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}
	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS gateways (
	id TEXT PRIMARY KEY,
	facility_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	api_url TEXT NOT NULL,
	api_key TEXT NOT NULL,
	status TEXT NOT NULL,
	last_seen_at DATETIME NULL,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS devices (
	id TEXT PRIMARY KEY,
	gateway_id TEXT NOT NULL,
	facility_id TEXT NOT NULL,
	name TEXT NOT NULL,
	key_version INTEGER NOT NULL,
	status TEXT NOT NULL,
	last_state TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS denylist_entries (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	source TEXT NOT NULL,
	created_by TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS route_passes (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	audiences TEXT NOT NULL,
	jti TEXT NOT NULL,
	issued_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS device_keys (
	device_id TEXT PRIMARY KEY,
	public_key TEXT NOT NULL,
	algo TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gateways_facility ON gateways(facility_id);
CREATE INDEX IF NOT EXISTS idx_devices_gateway ON devices(gateway_id);
CREATE INDEX IF NOT EXISTS idx_denylist_user ON denylist_entries(user_id);
CREATE INDEX IF NOT EXISTS idx_denylist_device ON denylist_entries(device_id);
CREATE INDEX IF NOT EXISTS idx_denylist_expires ON denylist_entries(expires_at);
CREATE INDEX IF NOT EXISTS idx_route_passes_user_issued ON route_passes(user_id, issued_at DESC, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_route_passes_jti ON route_passes(jti);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// CreateGateway registers a gateway for a facility. apiKey is the
// outbound credential for HTTP-polled gateways; websocket gateways
// authenticate inbound and leave it empty.
func (s *Store) CreateGateway(ctx context.Context, facilityID, kind, apiURL, apiKey string) (domain.Gateway, error) {
	id, err := newID("gw")
	if err != nil {
		return domain.Gateway{}, err
	}
	g := domain.Gateway{
		ID:         id,
		FacilityID: facilityID,
		Kind:       kind,
		APIURL:     strings.TrimRight(strings.TrimSpace(apiURL), "/"),
		APIKey:     apiKey,
		Status:     domain.GatewayStatusUnknown,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO gateways(id, facility_id, kind, api_url, api_key, status, last_seen_at, created_at)
VALUES(?, ?, ?, ?, ?, ?, NULL, ?)`,
		g.ID, g.FacilityID, g.Kind, g.APIURL, g.APIKey, g.Status, g.CreatedAt)
	return g, err
}

// GetGateway returns one gateway record by ID.
func (s *Store) GetGateway(ctx context.Context, id string) (domain.Gateway, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, facility_id, kind, api_url, api_key, status, last_seen_at, created_at
FROM gateways WHERE id = ?`, id)
	g, err := scanGateway(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Gateway{}, domain.ErrGatewayNotFound
	}
	return g, err
}

// ListGateways returns all registered gateways, newest first.
func (s *Store) ListGateways(ctx context.Context) ([]domain.Gateway, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, facility_id, kind, api_url, api_key, status, last_seen_at, created_at
FROM gateways ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Gateway
	for rows.Next() {
		g, err := scanGateway(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// SetGatewayStatus persists online/offline status. Only manual syncs
// call this; automatic polling deliberately does not, to avoid status
// flapping on an unstable network.
func (s *Store) SetGatewayStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE gateways SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrGatewayNotFound
	}
	return nil
}

// TouchGateway updates a gateway's last-seen timestamp.
func (s *Store) TouchGateway(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE gateways SET last_seen_at = ? WHERE id = ?`, at.UTC(), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGateway(row rowScanner) (domain.Gateway, error) {
	var g domain.Gateway
	var lastSeen sql.NullTime
	if err := row.Scan(&g.ID, &g.FacilityID, &g.Kind, &g.APIURL, &g.APIKey, &g.Status, &lastSeen, &g.CreatedAt); err != nil {
		return domain.Gateway{}, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		g.LastSeenAt = &t
	}
	return g, nil
}

func ensureParentDir(path string) error {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, ":memory:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
