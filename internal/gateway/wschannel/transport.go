package wschannel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/keynest/keynest/internal/domain"
	"github.com/keynest/keynest/internal/gateway"
	"github.com/keynest/keynest/internal/store/sqlite"
)

const defaultRequestTimeout = 30 * time.Second

// Transport adapts an inbound gateway channel to the common transport
// contract. The channel itself is established by the gateway dialing
// in; Connect only verifies a live connection exists for the facility.
type Transport struct {
	gw             domain.Gateway
	hub            *Hub
	store          *sqlite.Store
	log            *slog.Logger
	requestTimeout time.Duration
}

// NewTransport creates a transport handle for one websocket-connected
// gateway. Handles are cheap; callers build one per call chain and drop it.
func NewTransport(gw domain.Gateway, hub *Hub, store *sqlite.Store, logger *slog.Logger) *Transport {
	return &Transport{
		gw:             gw,
		hub:            hub,
		store:          store,
		log:            logger,
		requestTimeout: defaultRequestTimeout,
	}
}

func (t *Transport) GatewayID() string  { return t.gw.ID }
func (t *Transport) FacilityID() string { return t.gw.FacilityID }

func (t *Transport) Capabilities() domain.Capabilities {
	return domain.Capabilities{
		ProtocolVersions: []string{"2.0"},
		DeviceTypes:      []string{"lock", "mesh-repeater"},
		KeyVersion:       domain.KeyVersionModern,
	}
}

// State reflects whether the facility currently has an open channel.
func (t *Transport) State() string {
	if _, ok := t.hub.facilityClient(t.gw.FacilityID); ok {
		return domain.GatewayStateConnected
	}
	return domain.GatewayStateDisconnected
}

// Connect is inbound-only: the authenticated upgrade already
// established the channel. It fails if no channel is open.
func (t *Transport) Connect(_ context.Context, silent bool) error {
	if _, ok := t.hub.facilityClient(t.gw.FacilityID); !ok {
		if !silent {
			t.log.Warn("no gateway channel open for facility", "facility_id", t.gw.FacilityID)
		}
		return &domain.GatewayError{GatewayID: t.gw.ID, Op: "connect", Err: domain.ErrNotConnected}
	}
	return nil
}

// Disconnect closes the facility's open channel, if any.
func (t *Transport) Disconnect(_ context.Context, silent bool) error {
	c, ok := t.hub.facilityClient(t.gw.FacilityID)
	if !ok {
		return nil
	}
	t.hub.closeClient(c)
	if !silent {
		t.log.Info("gateway channel closed", "gateway_id", t.gw.ID)
	}
	return nil
}

// Sync asks the gateway for its device inventory over the channel and
// reconciles stored state. Status side effects follow the same
// manual-vs-automatic asymmetry as the polling transport.
func (t *Transport) Sync(ctx context.Context, updateStatus bool) (domain.SyncResult, error) {
	var result domain.SyncResult
	resp, err := t.request(ctx, CommandRequest{Op: OpSync})
	if err != nil {
		if updateStatus && domain.IsCriticalGatewayError(err) {
			t.persistStatus(ctx, domain.GatewayStatusOffline)
		}
		return result, &domain.GatewayError{GatewayID: t.gw.ID, Op: "sync", Err: err}
	}
	if !resp.Success {
		return result, &domain.GatewayError{GatewayID: t.gw.ID, Op: "sync", Err: fmt.Errorf("%s", resp.Error)}
	}

	devices, _ := resp.Data["devices"].([]any)
	result.DevicesFound = len(devices)
	for _, raw := range devices {
		entry, ok := raw.(map[string]any)
		if !ok {
			result.Errors = append(result.Errors, "malformed device entry in sync response")
			continue
		}
		id, _ := entry["id"].(string)
		if id == "" {
			result.Errors = append(result.Errors, "device entry missing id")
			continue
		}
		name, _ := entry["name"].(string)
		state, _ := entry["state"].(string)
		dev := domain.Device{
			ID:         id,
			GatewayID:  t.gw.ID,
			FacilityID: t.gw.FacilityID,
			Name:       name,
			KeyVersion: domain.KeyVersionModern,
			Status:     state,
			LastState:  state,
		}
		if err := t.store.UpsertDevice(ctx, dev); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("device %s: %v", id, err))
			continue
		}
		result.DevicesSynced++
		if _, ok := entry["keys"]; ok {
			result.KeysRetrieved++
		} else {
			result.Errors = append(result.Errors, fmt.Sprintf("device %s keys: missing from sync response", id))
		}
	}

	if updateStatus && len(result.Errors) == 0 {
		t.persistStatus(ctx, domain.GatewayStatusOnline)
		if err := t.store.TouchGateway(ctx, t.gw.ID, time.Now()); err != nil {
			t.log.Error("failed to update gateway last-seen", "gateway_id", t.gw.ID, "err", err)
		}
	}
	return result, nil
}

// DeviceStatus queries one device over the channel; unreachable devices
// come back as ERROR-state objects, never as errors.
func (t *Transport) DeviceStatus(ctx context.Context, deviceID string) domain.DeviceStatus {
	now := time.Now().UTC()
	resp, err := t.request(ctx, CommandRequest{Op: OpDeviceStatus, DeviceID: deviceID})
	if err != nil {
		return domain.DeviceStatus{DeviceID: deviceID, State: domain.DeviceStatusError, Message: err.Error(), CheckedAt: now}
	}
	if !resp.Success {
		return domain.DeviceStatus{DeviceID: deviceID, State: domain.DeviceStatusError, Message: resp.Error, CheckedAt: now}
	}
	state, _ := resp.Data["state"].(string)
	battery, _ := resp.Data["battery"].(float64)
	return domain.DeviceStatus{DeviceID: deviceID, State: state, Battery: int(battery), CheckedAt: now}
}

// ExecuteDeviceCommand normalizes the verb and relays it.
func (t *Transport) ExecuteDeviceCommand(ctx context.Context, deviceID, command string, params map[string]any) domain.CommandResult {
	started := time.Now()
	verb, err := gateway.NormalizeCommand(command)
	if err != nil {
		return failedResult(started, err)
	}
	p := map[string]any{"command": verb}
	for k, v := range params {
		p[k] = v
	}
	return t.roundTrip(ctx, started, CommandRequest{Op: OpCommand, DeviceID: deviceID, Params: p})
}

// AddKey relays an encoded key payload.
func (t *Transport) AddKey(ctx context.Context, deviceID string, payload map[string]any) domain.CommandResult {
	return t.roundTrip(ctx, time.Now(), CommandRequest{Op: OpAddKey, DeviceID: deviceID, Params: payload})
}

// RevokeKey relays a revocation, addressed by public key under v2 or by
// numeric code under v1.
func (t *Transport) RevokeKey(ctx context.Context, deviceID string, keyCode int, publicKey string) domain.CommandResult {
	params := map[string]any{}
	if publicKey != "" {
		params["publicKey"] = publicKey
	} else {
		params["keyCode"] = keyCode
	}
	return t.roundTrip(ctx, time.Now(), CommandRequest{Op: OpRevokeKey, DeviceID: deviceID, Params: params})
}

func (t *Transport) roundTrip(ctx context.Context, started time.Time, req CommandRequest) domain.CommandResult {
	resp, err := t.request(ctx, req)
	if err != nil {
		return failedResult(started, err)
	}
	return domain.CommandResult{
		Success:    resp.Success,
		Data:       resp.Data,
		Err:        resp.Error,
		ExecutedAt: started.UTC(),
		Duration:   time.Since(started),
	}
}

// request sends one correlated request over the facility's channel and
// waits for the matching response.
func (t *Transport) request(ctx context.Context, req CommandRequest) (CommandResponse, error) {
	c, ok := t.hub.facilityClient(t.gw.FacilityID)
	if !ok {
		return CommandResponse{}, domain.ErrNotConnected
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	respCh := make(chan CommandResponse, 1)
	c.pendingStore(req.ID, respCh)
	if err := c.writeJSON(Message{Kind: KindRequest, Request: &req}); err != nil {
		c.pendingDelete(req.ID)
		t.hub.closeClient(c)
		return CommandResponse{}, fmt.Errorf("channel write: %w", err)
	}

	timer := time.NewTimer(t.requestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-respCh:
		if !ok {
			return CommandResponse{}, fmt.Errorf("channel closed before response")
		}
		return resp, nil
	case <-timer.C:
		c.pendingDelete(req.ID)
		return CommandResponse{}, fmt.Errorf("gateway response timeout")
	case <-ctx.Done():
		c.pendingDelete(req.ID)
		return CommandResponse{}, ctx.Err()
	}
}

func (t *Transport) persistStatus(ctx context.Context, status string) {
	if err := t.store.SetGatewayStatus(ctx, t.gw.ID, status); err != nil {
		t.log.Error("failed to persist gateway status", "gateway_id", t.gw.ID, "status", status, "err", err)
		return
	}
	t.log.Info("gateway status changed", "gateway_id", t.gw.ID, "status", status)
}

func failedResult(started time.Time, err error) domain.CommandResult {
	return domain.CommandResult{
		Success:    false,
		Err:        err.Error(),
		ExecutedAt: started.UTC(),
		Duration:   time.Since(started),
	}
}
