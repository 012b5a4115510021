package keys

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/keynest/keynest/internal/denylist"
	"github.com/keynest/keynest/internal/domain"
	"github.com/keynest/keynest/internal/routepass"
	"github.com/keynest/keynest/internal/store/sqlite"
)

// fakeTransport records every dispatched command and answers from a
// canned script.
type fakeTransport struct {
	commands  []string
	addKeys   int
	resp      domain.CommandResult
	addKeyOut domain.CommandResult
}

func (f *fakeTransport) GatewayID() string                      { return "gw_fake" }
func (f *fakeTransport) FacilityID() string                     { return "fac-1" }
func (f *fakeTransport) State() string                          { return domain.GatewayStateConnected }
func (f *fakeTransport) Capabilities() domain.Capabilities      { return domain.Capabilities{} }
func (f *fakeTransport) Connect(context.Context, bool) error    { return nil }
func (f *fakeTransport) Disconnect(context.Context, bool) error { return nil }

func (f *fakeTransport) Sync(context.Context, bool) (domain.SyncResult, error) {
	return domain.SyncResult{}, nil
}

func (f *fakeTransport) DeviceStatus(_ context.Context, deviceID string) domain.DeviceStatus {
	return domain.DeviceStatus{DeviceID: deviceID}
}

func (f *fakeTransport) ExecuteDeviceCommand(_ context.Context, _ string, command string, _ map[string]any) domain.CommandResult {
	f.commands = append(f.commands, command)
	return f.resp
}

func (f *fakeTransport) AddKey(context.Context, string, map[string]any) domain.CommandResult {
	f.addKeys++
	return f.addKeyOut
}

func (f *fakeTransport) RevokeKey(context.Context, string, int, string) domain.CommandResult {
	return f.resp
}

type engineFixture struct {
	engine *Engine
	store  *sqlite.Store
	passes *routepass.Log
}

func newEngineFixture(t *testing.T) engineFixture {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "keynest.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	passes := routepass.New(store)
	optimizer := denylist.New(passes, logger)
	return engineFixture{
		engine: New(store, optimizer, logger),
		store:  store,
		passes: passes,
	}
}

func TestAddKeyLegacyExtractsKeyCode(t *testing.T) {
	fx := newEngineFixture(t)
	transport := &fakeTransport{addKeyOut: domain.CommandResult{
		Success: true,
		Data:    map[string]any{"data": map[string]any{"key_code": float64(1234)}},
	}}

	out, err := fx.engine.AddKey(context.Background(), transport, "lock-1", KeyMaterial{
		Version: domain.KeyVersionLegacy,
		Legacy:  &LegacyKey{Revision: 1, KeyCode: 5, Counter: 1, Secret: "aa", Token: "bb"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.HasCode || out.KeyCode != 1234 {
		t.Fatalf("expected key code 1234 extracted, got (%d, %v)", out.KeyCode, out.HasCode)
	}
	if transport.addKeys != 1 {
		t.Fatalf("expected one add-key dispatch, got %d", transport.addKeys)
	}
}

func TestAddKeyModernCarriesNoCode(t *testing.T) {
	fx := newEngineFixture(t)
	transport := &fakeTransport{addKeyOut: domain.CommandResult{Success: true}}

	out, err := fx.engine.AddKey(context.Background(), transport, "lock-1", KeyMaterial{
		Version: domain.KeyVersionModern,
		Modern:  &ModernKey{PublicKey: "pk", UserID: "user-1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.HasCode {
		t.Fatal("expected no key code on the v2 path")
	}
	if !out.Result.Success {
		t.Fatal("expected success relayed")
	}
}

func TestAddKeyEncodingFailureSkipsDispatch(t *testing.T) {
	fx := newEngineFixture(t)
	transport := &fakeTransport{}

	if _, err := fx.engine.AddKey(context.Background(), transport, "lock-1", KeyMaterial{Version: 9}); err == nil {
		t.Fatal("expected encode error")
	}
	if transport.addKeys != 0 {
		t.Fatal("expected no dispatch on encode failure")
	}
}

func TestDispatchDenylistAddSkipsWithoutUsablePass(t *testing.T) {
	fx := newEngineFixture(t)
	transport := &fakeTransport{resp: domain.CommandResult{Success: true}}

	// user-1 has never been issued a pass: the command is redundant.
	entry, dispatched, err := fx.engine.DispatchDenylistAdd(context.Background(), transport, "lock-1", "user-1", domain.DenylistSourceUserDeactivation, "admin", nil)
	if err != nil {
		t.Fatal(err)
	}
	if dispatched {
		t.Fatal("expected skip for a user with no pass")
	}
	if len(transport.commands) != 0 {
		t.Fatalf("expected nothing on the wire, got %v", transport.commands)
	}

	// The bookkeeping entry exists regardless.
	if _, err := fx.store.GetDenylistEntry(context.Background(), entry.ID); err != nil {
		t.Fatalf("expected bookkeeping entry persisted: %v", err)
	}
}

func TestDispatchDenylistAddGoesOnWireForLivePass(t *testing.T) {
	fx := newEngineFixture(t)
	transport := &fakeTransport{resp: domain.CommandResult{Success: true}}
	ctx := context.Background()

	now := time.Now().UTC()
	if _, err := fx.passes.Create(ctx, "user-1", "lock-1", nil, "", now, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	_, dispatched, err := fx.engine.DispatchDenylistAdd(ctx, transport, "lock-1", "user-1", domain.DenylistSourceKeySharingRevocation, "admin", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !dispatched {
		t.Fatal("expected dispatch for a user with a live pass")
	}
	if len(transport.commands) != 1 || transport.commands[0] != domain.CommandDenylistAdd {
		t.Fatalf("expected one DENYLIST_ADD, got %v", transport.commands)
	}
}

func TestDispatchDenylistAddSurfacesGatewayFailure(t *testing.T) {
	fx := newEngineFixture(t)
	transport := &fakeTransport{resp: domain.CommandResult{Success: false, Err: "lock offline"}}
	ctx := context.Background()

	now := time.Now().UTC()
	if _, err := fx.passes.Create(ctx, "user-1", "lock-1", nil, "", now, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	entry, _, err := fx.engine.DispatchDenylistAdd(ctx, transport, "lock-1", "user-1", domain.DenylistSourceFMSSync, "admin", nil)
	if err == nil {
		t.Fatal("expected gateway failure to surface")
	}
	var gwErr *domain.GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected GatewayError, got %T", err)
	}
	// The entry stays on record; enforcement is retried out of band.
	if _, err := fx.store.GetDenylistEntry(ctx, entry.ID); err != nil {
		t.Fatalf("expected entry to survive dispatch failure: %v", err)
	}
}

func TestDispatchDenylistRemoveSkipsInertEntry(t *testing.T) {
	fx := newEngineFixture(t)
	transport := &fakeTransport{resp: domain.CommandResult{Success: true}}
	ctx := context.Background()

	past := time.Now().Add(-time.Hour).UTC()
	entry, err := fx.store.CreateDenylistEntry(ctx, "lock-1", "user-1", domain.DenylistSourceUnitUnassignment, "admin", &past)
	if err != nil {
		t.Fatal(err)
	}

	dispatched, err := fx.engine.DispatchDenylistRemove(ctx, transport, entry)
	if err != nil {
		t.Fatal(err)
	}
	if dispatched {
		t.Fatal("expected no wire command for an inert entry")
	}
	if len(transport.commands) != 0 {
		t.Fatalf("expected nothing on the wire, got %v", transport.commands)
	}
	if _, err := fx.store.GetDenylistEntry(ctx, entry.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected bookkeeping row deleted, got %v", err)
	}
}

func TestDispatchDenylistRemoveLiftsActiveEntry(t *testing.T) {
	fx := newEngineFixture(t)
	transport := &fakeTransport{resp: domain.CommandResult{Success: true}}
	ctx := context.Background()

	entry, err := fx.store.CreateDenylistEntry(ctx, "lock-1", "user-1", domain.DenylistSourceUserDeactivation, "admin", nil)
	if err != nil {
		t.Fatal(err)
	}

	dispatched, err := fx.engine.DispatchDenylistRemove(ctx, transport, entry)
	if err != nil {
		t.Fatal(err)
	}
	if !dispatched {
		t.Fatal("expected permanent entry to be lifted on the wire")
	}
	if len(transport.commands) != 1 || transport.commands[0] != domain.CommandDenylistRemove {
		t.Fatalf("expected one DENYLIST_REMOVE, got %v", transport.commands)
	}
	if _, err := fx.store.GetDenylistEntry(ctx, entry.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected bookkeeping row deleted after lift, got %v", err)
	}
}
