// Package domain defines the core data types shared across the keynest
// server, store, gateway transports, and key engine.
package domain

import "time"

// Gateway transport kinds.
const (
	GatewayKindHTTPPoll  = "http-poll"
	GatewayKindWebSocket = "websocket"
)

// Gateway connection states.
const (
	GatewayStateDisconnected = "disconnected"
	GatewayStateConnecting   = "connecting"
	GatewayStateConnected    = "connected"
	GatewayStateError        = "error"
)

// Persisted gateway online status.
const (
	GatewayStatusOnline  = "online"
	GatewayStatusOffline = "offline"
	GatewayStatusUnknown = "unknown"
)

// Denylist entry sources.
const (
	DenylistSourceUserDeactivation     = "user_deactivation"
	DenylistSourceUnitUnassignment     = "unit_unassignment"
	DenylistSourceKeySharingRevocation = "key_sharing_revocation"
	DenylistSourceFMSSync              = "fms_sync"
)

// Device commands accepted by ExecuteDeviceCommand. LOCK/CLOSE and
// UNLOCK/OPEN are aliases; transports normalize them to wire verbs.
const (
	CommandLock           = "LOCK"
	CommandClose          = "CLOSE"
	CommandUnlock         = "UNLOCK"
	CommandOpen           = "OPEN"
	CommandDenylistAdd    = "DENYLIST_ADD"
	CommandDenylistRemove = "DENYLIST_REMOVE"
)

// CommandSecureTimeSync tags signed secure-time broadcast packets.
const CommandSecureTimeSync = "SECURE_TIME_SYNC"

// Key management wire encodings.
const (
	KeyVersionLegacy = 1 // hex-coded fields, revocation by numeric key code
	KeyVersionModern = 2 // public key + user id, revocation by public key
)

// Roles permitted to open a gateway channel or call admin routes.
const (
	RoleAdmin           = "admin"
	RoleFacilityManager = "facility_manager"
	RoleMaintenance     = "maintenance"
)

// Gateway is a persisted record of a facility-local bridge to physical
// locks. Kind distinguishes cloud-polled gateways from on-premises ones
// that dial in over the websocket channel.
type Gateway struct {
	ID         string
	FacilityID string
	Kind       string
	APIURL     string
	APIKey     string
	Status     string
	LastSeenAt *time.Time
	CreatedAt  time.Time
}

// Device is a lock known to a gateway.
type Device struct {
	ID         string
	GatewayID  string
	FacilityID string
	Name       string
	KeyVersion int
	Status     string
	LastState  string
	UpdatedAt  time.Time
}

// DenylistEntry blocks a user/device pairing. A non-nil ExpiresAt in the
// past means the lock's own clock enforcement already treats the entry
// as inert.
type DenylistEntry struct {
	ID        string
	DeviceID  string
	UserID    string
	Source    string
	CreatedBy string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// RoutePass is an immutable issuance-log record of one temporary access
// credential. Rows are append-only; the entry with the latest IssuedAt
// is the user's current pass.
type RoutePass struct {
	ID        string
	UserID    string
	DeviceID  string
	Audiences []string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeviceKey is a registered device verification key used to validate
// fallback tokens.
type DeviceKey struct {
	DeviceID  string
	PublicKey string // base64 raw ed25519 public key
	Algo      string
	CreatedAt time.Time
}

// Identity is the decoded access token consumed from the auth layer.
type Identity struct {
	UserID      string
	Role        string
	FacilityIDs []string
}

// IsFacilityManagement reports whether the role may manage gateways.
func (id Identity) IsFacilityManagement() bool {
	switch id.Role {
	case RoleAdmin, RoleFacilityManager, RoleMaintenance:
		return true
	}
	return false
}

// Capabilities describes what a connected gateway supports.
type Capabilities struct {
	ProtocolVersions []string
	DeviceTypes      []string
	KeyVersion       int
}

// DeviceStatusError is the State value for an unreachable device.
const DeviceStatusError = "ERROR"

// DeviceStatus is a point-in-time device query result. Transports never
// return an error from status queries; unreachable devices come back
// with State ERROR and the causal message embedded.
type DeviceStatus struct {
	DeviceID  string
	State     string
	Battery   int
	Message   string
	CheckedAt time.Time
}

// CommandResult is the outcome of one device command dispatch.
type CommandResult struct {
	Success    bool
	Data       map[string]any
	Err        string
	ExecutedAt time.Time
	Duration   time.Duration
}

// SyncResult summarizes one full device inventory reconciliation.
type SyncResult struct {
	DevicesFound  int
	DevicesSynced int
	KeysRetrieved int
	Errors        []string
}

// ConnectionStatus answers the facility dashboard query.
type ConnectionStatus struct {
	Connected  bool       `json:"connected"`
	LastPongAt *time.Time `json:"last_pong_at,omitempty"`
}
