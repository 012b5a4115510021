// Package gateway defines the transport contract implemented by both
// the HTTP polling client and the inbound websocket channel. Callers
// receive a transport handle per call and never retain it.
package gateway

import (
	"context"
	"fmt"

	"github.com/keynest/keynest/internal/domain"
)

// Transport is a capability-described connection to one facility's
// gateway. Both concrete transports implement it identically.
type Transport interface {
	GatewayID() string
	FacilityID() string
	Capabilities() domain.Capabilities
	State() string

	// Connect establishes the channel. silent suppresses user-visible
	// status transitions (internal reconnection attempts).
	Connect(ctx context.Context, silent bool) error
	Disconnect(ctx context.Context, silent bool) error

	// Sync pulls the full device inventory and reconciles stored state.
	// updateStatus controls whether gateway online/offline status is
	// persisted as a side effect: manual syncs update it, periodic
	// polling syncs do not.
	Sync(ctx context.Context, updateStatus bool) (domain.SyncResult, error)

	// DeviceStatus never returns an error; unreachable devices come back
	// as a State ERROR object embedding the causal message.
	DeviceStatus(ctx context.Context, deviceID string) domain.DeviceStatus

	ExecuteDeviceCommand(ctx context.Context, deviceID, command string, params map[string]any) domain.CommandResult
	AddKey(ctx context.Context, deviceID string, payload map[string]any) domain.CommandResult
	RevokeKey(ctx context.Context, deviceID string, keyCode int, publicKey string) domain.CommandResult
}

// NormalizeCommand maps the accepted command verbs onto their wire
// form. Unknown commands fail before any network call.
func NormalizeCommand(command string) (string, error) {
	switch command {
	case domain.CommandLock, domain.CommandClose:
		return "lock", nil
	case domain.CommandUnlock, domain.CommandOpen:
		return "unlock", nil
	case domain.CommandDenylistAdd:
		return "denylist-add", nil
	case domain.CommandDenylistRemove:
		return "denylist-remove", nil
	default:
		return "", fmt.Errorf("%w: %q", domain.ErrUnsupportedCommand, command)
	}
}
