package wschannel

// Message kinds exchanged with on-premises gateways. Commands may also
// arrive at the gateway as a bare compact signed token string; this
// envelope covers the JSON form.
const (
	KindRequest  = "request"
	KindResponse = "response"
	KindPing     = "ping"
	KindPong     = "pong"
	KindStatus   = "status"
)

// Message is the JSON envelope on the gateway channel.
type Message struct {
	Kind     string           `json:"kind"`
	Request  *CommandRequest  `json:"request,omitempty"`
	Response *CommandResponse `json:"response,omitempty"`
	Status   *StatusReport    `json:"status,omitempty"`
}

// CommandRequest asks the gateway to run one operation against a lock.
type CommandRequest struct {
	ID       string         `json:"id"`
	Op       string         `json:"op"`
	DeviceID string         `json:"device_id,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// CommandResponse carries the gateway's answer, correlated by ID.
type CommandResponse struct {
	ID      string         `json:"id"`
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// StatusReport is pushed by gateways on their own initiative.
type StatusReport struct {
	GatewayID string `json:"gateway_id,omitempty"`
	State     string `json:"state,omitempty"`
}

// Operation names used in CommandRequest.Op.
const (
	OpSync         = "sync"
	OpDeviceStatus = "device-status"
	OpCommand      = "command"
	OpAddKey       = "add-key"
	OpRevokeKey    = "revoke-key"
)
