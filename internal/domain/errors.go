package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrUnauthorized indicates missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrGatewayNotFound means the requested gateway ID does not exist.
	ErrGatewayNotFound = errors.New("gateway not found")

	// ErrDeviceNotFound means the requested device ID does not exist.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrUnsupportedCommand is returned before any network call when a
	// device command is not one of the recognized verbs.
	ErrUnsupportedCommand = errors.New("unsupported device command")

	// ErrNotConnected means the transport has no established channel.
	ErrNotConnected = errors.New("gateway not connected")

	// ErrEndpointNotFound indicates a wrong gateway API endpoint
	// (configuration, not transient).
	ErrEndpointNotFound = errors.New("gateway endpoint not found")

	// ErrAuthFailed indicates rejected gateway API credentials.
	ErrAuthFailed = errors.New("gateway authentication failed")

	// ErrGatewayServer indicates the gateway answered with a server error.
	ErrGatewayServer = errors.New("gateway server error")

	// ErrHostUnreachable means the configured gateway host could not be
	// resolved or refused the connection.
	ErrHostUnreachable = errors.New("gateway host unreachable")

	// ErrBadToken covers signature, expiry, and claim failures on signed
	// tokens. Security failures always fail closed.
	ErrBadToken = errors.New("invalid or expired token")

	// ErrUnknownDeviceKey means no verification key is registered for the
	// device that signed a fallback token.
	ErrUnknownDeviceKey = errors.New("unknown device signing key")
)

// GatewayError wraps an underlying error with gateway context.
type GatewayError struct {
	GatewayID string
	Op        string
	Err       error
}

func (e *GatewayError) Error() string {
	if e.GatewayID != "" {
		return fmt.Sprintf("gateway %s: %s: %v", e.GatewayID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsCriticalGatewayError reports whether an error is a configuration
// failure (wrong endpoint, bad credentials, unreachable host) rather
// than a transient one. Only critical errors during a manual sync flip
// persisted gateway status.
func IsCriticalGatewayError(err error) bool {
	return errors.Is(err, ErrEndpointNotFound) ||
		errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, ErrGatewayServer) ||
		errors.Is(err, ErrHostUnreachable)
}
