package httppoll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keynest/keynest/internal/domain"
	"github.com/keynest/keynest/internal/gateway"
	"github.com/keynest/keynest/internal/store/sqlite"
)

// Config tunes one polling transport.
type Config struct {
	PollInterval       time.Duration
	PollTimeout        time.Duration
	FailureThreshold   int
	InsecureSkipVerify bool
}

// StatusListener is notified when a manual sync flips persisted gateway
// status. Automatic polling never fires it.
type StatusListener func(gatewayID, facilityID, status string)

// Transport is the outbound HTTP polling client for one cloud-managed
// gateway. Only one logical polling client exists per configured
// gateway; the server owns its lifecycle exclusively.
type Transport struct {
	gw    domain.Gateway
	cfg   Config
	store *sqlite.Store
	log   *slog.Logger

	onStatus StatusListener

	mu       sync.Mutex
	api      *apiClient
	state    string
	failures int
	cancel   context.CancelFunc

	// inFlight guards against re-entrant timer fires: a slow cycle is
	// skipped over, never queued behind.
	inFlight atomic.Bool
}

// New creates a polling transport for gw. Connect starts the timer.
func New(gw domain.Gateway, cfg Config, store *sqlite.Store, logger *slog.Logger) *Transport {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 15 * time.Second
	}
	return &Transport{
		gw:    gw,
		cfg:   cfg,
		store: store,
		log:   logger,
		state: domain.GatewayStateDisconnected,
	}
}

// SetStatusListener registers the status-change broadcast hook.
func (t *Transport) SetStatusListener(fn StatusListener) {
	t.onStatus = fn
}

func (t *Transport) GatewayID() string  { return t.gw.ID }
func (t *Transport) FacilityID() string { return t.gw.FacilityID }

func (t *Transport) Capabilities() domain.Capabilities {
	return domain.Capabilities{
		ProtocolVersions: []string{"1.0", "1.1"},
		DeviceTypes:      []string{"lock"},
		KeyVersion:       domain.KeyVersionLegacy,
	}
}

// State returns the current connection state.
func (t *Transport) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect probes the gateway, then starts the polling timer. silent
// suppresses user-visible status transitions (internal reconnects).
func (t *Transport) Connect(ctx context.Context, silent bool) error {
	t.mu.Lock()
	if t.state == domain.GatewayStateConnected {
		t.mu.Unlock()
		return nil
	}
	t.state = domain.GatewayStateConnecting
	t.mu.Unlock()

	api := newAPIClient(t.gw.APIURL, t.gw.APIKey, t.cfg.PollTimeout, t.cfg.InsecureSkipVerify)
	if _, err := api.gatewayIP(ctx); err != nil {
		t.mu.Lock()
		t.state = domain.GatewayStateError
		t.mu.Unlock()
		if !silent {
			t.log.Warn("gateway connect failed", "gateway_id", t.gw.ID, "err", err)
		}
		return &domain.GatewayError{GatewayID: t.gw.ID, Op: "connect", Err: err}
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.api = api
	t.cancel = cancel
	t.state = domain.GatewayStateConnected
	t.failures = 0
	t.mu.Unlock()

	go t.pollLoop(pollCtx)
	if !silent {
		t.log.Info("gateway connected", "gateway_id", t.gw.ID, "facility_id", t.gw.FacilityID)
	}
	return nil
}

// Disconnect cancels the polling timer and releases the client.
func (t *Transport) Disconnect(_ context.Context, silent bool) error {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.api = nil
	t.state = domain.GatewayStateDisconnected
	t.mu.Unlock()
	if !silent {
		t.log.Info("gateway disconnected", "gateway_id", t.gw.ID)
	}
	return nil
}

func (t *Transport) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.inFlight.CompareAndSwap(false, true) {
				// Previous cycle still running; skip this fire.
				continue
			}
			t.runPollCycle(ctx)
			t.inFlight.Store(false)
		}
	}
}

// runPollCycle executes one automatic poll. After the failure threshold
// is reached a reconnect is attempted before polling again; if the
// reconnect fails the cycle is skipped with no error surfaced further.
func (t *Transport) runPollCycle(ctx context.Context) {
	t.mu.Lock()
	failures := t.failures
	t.mu.Unlock()

	if failures >= t.cfg.FailureThreshold {
		t.log.Warn("consecutive poll failures reached threshold; attempting reconnect",
			"gateway_id", t.gw.ID, "failures", failures)
		if err := t.reconnect(ctx); err != nil {
			// Reconnect failed: skip the cycle until the next interval.
			return
		}
	}

	if _, err := t.Sync(ctx, false); err != nil {
		t.mu.Lock()
		t.failures++
		failures = t.failures
		t.mu.Unlock()
		t.log.Warn("poll cycle failed", "gateway_id", t.gw.ID, "failures", failures, "err", err)
		return
	}
	t.mu.Lock()
	t.failures = 0
	t.mu.Unlock()
}

// reconnect probes the gateway and swaps in a fresh client. Unlike
// Connect it never touches the poll loop: the caller is the running
// cycle itself and the loop's context must stay live.
func (t *Transport) reconnect(ctx context.Context) error {
	t.mu.Lock()
	t.state = domain.GatewayStateConnecting
	t.mu.Unlock()

	api := newAPIClient(t.gw.APIURL, t.gw.APIKey, t.cfg.PollTimeout, t.cfg.InsecureSkipVerify)
	if _, err := api.gatewayIP(ctx); err != nil {
		t.mu.Lock()
		t.state = domain.GatewayStateError
		t.mu.Unlock()
		return &domain.GatewayError{GatewayID: t.gw.ID, Op: "reconnect", Err: err}
	}

	t.mu.Lock()
	t.api = api
	t.state = domain.GatewayStateConnected
	t.failures = 0
	t.mu.Unlock()
	t.log.Info("gateway reconnected", "gateway_id", t.gw.ID)
	return nil
}

// Sync pulls the device inventory, retrieves each device's key set, and
// reconciles stored state.
//
// updateStatus controls persisted status side effects: manual syncs
// (updateStatus=true) flip gateway status offline on a critical error
// and online on a clean run, while automatic polling logs criticals
// without touching status. The asymmetry is deliberate — it prevents a
// flaky network from flapping the dashboard — at the cost of a stale
// "online" persisting during a real outage when only automatic polling
// runs. Flagged for product review; do not change silently.
func (t *Transport) Sync(ctx context.Context, updateStatus bool) (domain.SyncResult, error) {
	api := t.client()
	if api == nil {
		return domain.SyncResult{}, &domain.GatewayError{GatewayID: t.gw.ID, Op: "sync", Err: domain.ErrNotConnected}
	}

	var result domain.SyncResult
	locks, err := api.locksAll(ctx)
	if err != nil {
		if domain.IsCriticalGatewayError(err) {
			if updateStatus {
				t.persistStatus(ctx, domain.GatewayStatusOffline)
			} else {
				t.log.Warn("critical gateway error during automatic poll; status left unchanged",
					"gateway_id", t.gw.ID, "err", err)
			}
		}
		return result, &domain.GatewayError{GatewayID: t.gw.ID, Op: "sync", Err: err}
	}
	result.DevicesFound = len(locks)

	for _, lock := range locks {
		dev := domain.Device{
			ID:         lock.ID,
			GatewayID:  t.gw.ID,
			FacilityID: t.gw.FacilityID,
			Name:       lock.Name,
			KeyVersion: keyVersionOrDefault(lock.KeyVersion),
			Status:     lock.State,
			LastState:  lock.State,
		}
		if err := t.store.UpsertDevice(ctx, dev); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("device %s: %v", lock.ID, err))
			continue
		}
		result.DevicesSynced++

		// Key retrieval failure leaves the device synced; partial
		// success is preserved.
		if _, err := api.lockKeys(ctx, lock.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("device %s keys: %v", lock.ID, err))
			continue
		}
		result.KeysRetrieved++
	}

	if updateStatus && len(result.Errors) == 0 {
		t.persistStatus(ctx, domain.GatewayStatusOnline)
		if err := t.store.TouchGateway(ctx, t.gw.ID, time.Now()); err != nil {
			t.log.Error("failed to update gateway last-seen", "gateway_id", t.gw.ID, "err", err)
		}
	}
	return result, nil
}

// DeviceStatus is a point query. It never returns an error: an
// unreachable device comes back as a State ERROR object embedding the
// causal message.
func (t *Transport) DeviceStatus(ctx context.Context, deviceID string) domain.DeviceStatus {
	now := time.Now().UTC()
	api := t.client()
	if api == nil {
		return domain.DeviceStatus{DeviceID: deviceID, State: domain.DeviceStatusError, Message: domain.ErrNotConnected.Error(), CheckedAt: now}
	}
	state, err := api.lockState(ctx, deviceID)
	if err != nil {
		return domain.DeviceStatus{DeviceID: deviceID, State: domain.DeviceStatusError, Message: err.Error(), CheckedAt: now}
	}
	return domain.DeviceStatus{
		DeviceID:  deviceID,
		State:     state.State,
		Battery:   state.Battery,
		CheckedAt: now,
	}
}

// ExecuteDeviceCommand normalizes the verb and runs it synchronously.
func (t *Transport) ExecuteDeviceCommand(ctx context.Context, deviceID, command string, params map[string]any) domain.CommandResult {
	started := time.Now()
	verb, err := gateway.NormalizeCommand(command)
	if err != nil {
		return failedResult(started, err)
	}
	api := t.client()
	if api == nil {
		return failedResult(started, domain.ErrNotConnected)
	}
	resp, err := api.sendLockCommand(ctx, lockCommandRequest{
		LockID:  deviceID,
		Command: verb,
		Params:  params,
	})
	if err != nil {
		return failedResult(started, err)
	}
	res := domain.CommandResult{
		Success:    resp.Success,
		Data:       resp.Data,
		Err:        resp.Error,
		ExecutedAt: started.UTC(),
		Duration:   time.Since(started),
	}
	return res
}

// AddKey forwards an encoded key payload to the device.
func (t *Transport) AddKey(ctx context.Context, deviceID string, payload map[string]any) domain.CommandResult {
	started := time.Now()
	api := t.client()
	if api == nil {
		return failedResult(started, domain.ErrNotConnected)
	}
	resp, err := api.addKey(ctx, deviceID, payload)
	if err != nil {
		return failedResult(started, err)
	}
	return domain.CommandResult{
		Success:    true,
		Data:       resp,
		ExecutedAt: started.UTC(),
		Duration:   time.Since(started),
	}
}

// RevokeKey removes a key by numeric code (v1) or public key (v2).
func (t *Transport) RevokeKey(ctx context.Context, deviceID string, keyCode int, publicKey string) domain.CommandResult {
	started := time.Now()
	api := t.client()
	if api == nil {
		return failedResult(started, domain.ErrNotConnected)
	}
	body := map[string]any{"lockId": deviceID}
	if publicKey != "" {
		body["publicKey"] = publicKey
	} else {
		body["keyCode"] = keyCode
	}
	resp, err := api.revokeKey(ctx, body)
	if err != nil {
		return failedResult(started, err)
	}
	return domain.CommandResult{
		Success:    true,
		Data:       resp,
		ExecutedAt: started.UTC(),
		Duration:   time.Since(started),
	}
}

func (t *Transport) client() *apiClient {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.api
}

func (t *Transport) persistStatus(ctx context.Context, status string) {
	if err := t.store.SetGatewayStatus(ctx, t.gw.ID, status); err != nil {
		t.log.Error("failed to persist gateway status", "gateway_id", t.gw.ID, "status", status, "err", err)
		return
	}
	t.log.Info("gateway status changed", "gateway_id", t.gw.ID, "status", status)
	if t.onStatus != nil {
		t.onStatus(t.gw.ID, t.gw.FacilityID, status)
	}
}

// failureCount returns the consecutive-failure counter; tests use this.
func (t *Transport) failureCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}

func failedResult(started time.Time, err error) domain.CommandResult {
	return domain.CommandResult{
		Success:    false,
		Err:        err.Error(),
		ExecutedAt: started.UTC(),
		Duration:   time.Since(started),
	}
}

func keyVersionOrDefault(v int) int {
	if v == domain.KeyVersionModern {
		return domain.KeyVersionModern
	}
	return domain.KeyVersionLegacy
}
