package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/keynest/keynest/internal/domain"
)

// UpsertDevice reconciles one device discovered during a gateway sync.
func (s *Store) UpsertDevice(ctx context.Context, d domain.Device) error {
	d.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO devices(id, gateway_id, facility_id, name, key_version, status, last_state, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	gateway_id = excluded.gateway_id,
	facility_id = excluded.facility_id,
	name = excluded.name,
	key_version = excluded.key_version,
	status = excluded.status,
	last_state = excluded.last_state,
	updated_at = excluded.updated_at`,
		d.ID, d.GatewayID, d.FacilityID, d.Name, d.KeyVersion, d.Status, d.LastState, d.UpdatedAt)
	return err
}

// GetDevice returns one device by ID.
func (s *Store) GetDevice(ctx context.Context, id string) (domain.Device, error) {
	var d domain.Device
	err := s.db.QueryRowContext(ctx, `
SELECT id, gateway_id, facility_id, name, key_version, status, last_state, updated_at
FROM devices WHERE id = ?`, id).
		Scan(&d.ID, &d.GatewayID, &d.FacilityID, &d.Name, &d.KeyVersion, &d.Status, &d.LastState, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Device{}, domain.ErrDeviceNotFound
	}
	return d, err
}

// ListDevicesByGateway returns devices known to one gateway.
func (s *Store) ListDevicesByGateway(ctx context.Context, gatewayID string) ([]domain.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, gateway_id, facility_id, name, key_version, status, last_state, updated_at
FROM devices WHERE gateway_id = ? ORDER BY name ASC`, gatewayID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Device
	for rows.Next() {
		var d domain.Device
		if err := rows.Scan(&d.ID, &d.GatewayID, &d.FacilityID, &d.Name, &d.KeyVersion, &d.Status, &d.LastState, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PutDeviceKey registers (or replaces) the verification key a device
// uses to sign fallback tokens.
func (s *Store) PutDeviceKey(ctx context.Context, deviceID, publicKey, algo string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO device_keys(device_id, public_key, algo, created_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
	public_key = excluded.public_key,
	algo = excluded.algo,
	created_at = excluded.created_at`,
		deviceID, publicKey, algo, time.Now().UTC())
	return err
}

// GetDeviceKey returns the registered verification key for a device.
func (s *Store) GetDeviceKey(ctx context.Context, deviceID string) (domain.DeviceKey, error) {
	var k domain.DeviceKey
	err := s.db.QueryRowContext(ctx, `
SELECT device_id, public_key, algo, created_at
FROM device_keys WHERE device_id = ?`, deviceID).
		Scan(&k.DeviceID, &k.PublicKey, &k.Algo, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DeviceKey{}, domain.ErrUnknownDeviceKey
	}
	return k, err
}
