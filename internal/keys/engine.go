package keys

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/keynest/keynest/internal/denylist"
	"github.com/keynest/keynest/internal/domain"
	"github.com/keynest/keynest/internal/gateway"
	"github.com/keynest/keynest/internal/store/sqlite"
)

// Engine performs add-key, revoke-key, and denylist operations against
// a target lock through a gateway transport. It holds no transport
// references; callers pass a handle per call.
type Engine struct {
	store     *sqlite.Store
	optimizer *denylist.Optimizer
	log       *slog.Logger
}

// AddKeyResult is the outcome of one add-key dispatch. KeyCode is only
// populated on the v1 path.
type AddKeyResult struct {
	Result  domain.CommandResult
	KeyCode uint32
	HasCode bool
}

// New creates a key engine.
func New(store *sqlite.Store, optimizer *denylist.Optimizer, logger *slog.Logger) *Engine {
	return &Engine{store: store, optimizer: optimizer, log: logger}
}

// AddKey encodes material for its wire version and forwards it through
// the transport. On the v1 path the returned keyCode is extracted from
// whichever of the known response shapes the gateway used.
func (e *Engine) AddKey(ctx context.Context, t gateway.Transport, deviceID string, material KeyMaterial) (AddKeyResult, error) {
	payload, err := Encode(material)
	if err != nil {
		return AddKeyResult{}, err
	}
	res := t.AddKey(ctx, deviceID, payload)
	out := AddKeyResult{Result: res}
	if !res.Success {
		return out, nil
	}
	if material.Version == domain.KeyVersionLegacy {
		code, ok := ExtractKeyCode(res.Data)
		if !ok {
			// Success without a recognizable keyCode is a protocol quirk
			// worth surfacing; the key is on the lock either way.
			e.log.Warn("add-key response carried no recognizable keyCode",
				"gateway_id", t.GatewayID(), "device_id", deviceID)
		}
		out.KeyCode = code
		out.HasCode = ok
	}
	return out, nil
}

// RevokeKey removes a key from a device: by numeric code under v1, by
// public key under v2.
func (e *Engine) RevokeKey(ctx context.Context, t gateway.Transport, deviceID string, keyCode uint32, publicKey string) domain.CommandResult {
	return t.RevokeKey(ctx, deviceID, int(keyCode), publicKey)
}

// DispatchDenylistAdd blocks a user on a device. The optimizer is
// consulted first: a user whose latest route pass is missing or expired
// cannot authenticate anyway, so the command is redundant and skipped.
// The bookkeeping entry is created either way.
func (e *Engine) DispatchDenylistAdd(ctx context.Context, t gateway.Transport, deviceID, userID, source, createdBy string, expiresAt *time.Time) (domain.DenylistEntry, bool, error) {
	entry, err := e.store.CreateDenylistEntry(ctx, deviceID, userID, source, createdBy, expiresAt)
	if err != nil {
		return domain.DenylistEntry{}, false, fmt.Errorf("create denylist entry: %w", err)
	}

	if e.optimizer.ShouldSkipAdd(ctx, userID) {
		e.log.Info("denylist add skipped: user holds no usable route pass",
			"user_id", userID, "device_id", deviceID, "entry_id", entry.ID)
		return entry, false, nil
	}

	res := t.ExecuteDeviceCommand(ctx, deviceID, domain.CommandDenylistAdd, map[string]any{
		"userId":  userID,
		"entryId": entry.ID,
		"expires": expiresAtUnix(expiresAt),
	})
	if !res.Success {
		return entry, false, &domain.GatewayError{GatewayID: t.GatewayID(), Op: "denylist add", Err: fmt.Errorf("%s", res.Err)}
	}
	return entry, true, nil
}

// DispatchDenylistRemove lifts a block. Entries whose expiration has
// already passed are inert at the lock, so only the bookkeeping row is
// deleted; active blocks are lifted on the wire first.
func (e *Engine) DispatchDenylistRemove(ctx context.Context, t gateway.Transport, entry domain.DenylistEntry) (bool, error) {
	if e.optimizer.ShouldSkipRemove(entry) {
		e.log.Info("denylist remove skipped: entry already expired at the lock",
			"entry_id", entry.ID, "device_id", entry.DeviceID, "user_id", entry.UserID)
		if err := e.store.DeleteDenylistEntry(ctx, entry.ID); err != nil {
			return false, fmt.Errorf("delete denylist entry: %w", err)
		}
		return false, nil
	}

	res := t.ExecuteDeviceCommand(ctx, entry.DeviceID, domain.CommandDenylistRemove, map[string]any{
		"userId":  entry.UserID,
		"entryId": entry.ID,
	})
	if !res.Success {
		return false, &domain.GatewayError{GatewayID: t.GatewayID(), Op: "denylist remove", Err: fmt.Errorf("%s", res.Err)}
	}
	if err := e.store.DeleteDenylistEntry(ctx, entry.ID); err != nil {
		return true, fmt.Errorf("delete denylist entry: %w", err)
	}
	return true, nil
}

func expiresAtUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}
