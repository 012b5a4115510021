package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keynest/keynest/internal/auth"
	"github.com/keynest/keynest/internal/config"
	"github.com/keynest/keynest/internal/domain"
	"github.com/keynest/keynest/internal/store/sqlite"
)

const testAccessSecret = "test-access-secret"
const testAdminKey = "test-admin-key"

type serverFixture struct {
	srv   *Server
	store *sqlite.Store
	api   *httptest.Server
}

func newServerFixture(t *testing.T) serverFixture {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "keynest.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	adminHash, err := auth.HashAdminKey(testAdminKey)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.ServerConfig{
		AccessTokenSecret: testAccessSecret,
		AdminKeyHash:      adminHash,
		SigningKeyFile:    filepath.Join(dir, "signing.key"),
		RoutePassTTL:      time.Hour,
	}
	srv, err := New(cfg, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return serverFixture{srv: srv, store: store, api: ts}
}

func mintAccessToken(t *testing.T, role string, facilities []string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":        "user-mgr",
		"role":       role,
		"facilities": facilities,
		"exp":        time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testAccessSecret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func (fx serverFixture) request(t *testing.T, method, path string, body any, decorate func(*http.Request)) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, fx.api.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if decorate != nil {
		decorate(req)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func withBearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func withAdminKey(key string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("X-Admin-Key", key) }
}

func decodeResponse(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestHealthz(t *testing.T) {
	fx := newServerFixture(t)

	resp := fx.request(t, http.MethodGet, "/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestRoutesRejectMissingCredentials(t *testing.T) {
	fx := newServerFixture(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/v1/facilities/f1/connection"},
		{http.MethodPost, "/v1/timesync/broadcast"},
		{http.MethodPost, "/v1/gateways/gw_1/sync"},
		{http.MethodGet, "/v1/devices/lock-1/status"},
		{http.MethodGet, "/v1/users/user-1/passes"},
	}
	for _, p := range paths {
		resp := fx.request(t, p.method, p.path, nil, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", p.method, p.path, resp.StatusCode)
		}
	}
}

func TestAuthenticateAdminKey(t *testing.T) {
	fx := newServerFixture(t)

	resp := fx.request(t, http.MethodGet, "/v1/facilities/f1/connection", nil, withAdminKey(testAdminKey))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with admin key, got %d", resp.StatusCode)
	}

	resp = fx.request(t, http.MethodGet, "/v1/facilities/f1/connection", nil, withAdminKey("wrong-key"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong admin key, got %d", resp.StatusCode)
	}
}

func TestAuthenticateBearerRoles(t *testing.T) {
	fx := newServerFixture(t)

	ok := mintAccessToken(t, domain.RoleFacilityManager, []string{"f1"})
	resp := fx.request(t, http.MethodGet, "/v1/facilities/f1/connection", nil, withBearer(ok))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for facility manager, got %d", resp.StatusCode)
	}

	// Valid signature, wrong role.
	tenant := mintAccessToken(t, "tenant", []string{"f1"})
	resp = fx.request(t, http.MethodGet, "/v1/facilities/f1/connection", nil, withBearer(tenant))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for tenant role, got %d", resp.StatusCode)
	}
}

func TestFacilityConnectionStatusEmpty(t *testing.T) {
	fx := newServerFixture(t)

	resp := fx.request(t, http.MethodGet, "/v1/facilities/f1/connection", nil, withAdminKey(testAdminKey))
	var status domain.ConnectionStatus
	decodeResponse(t, resp, &status)
	if status.Connected {
		t.Fatal("expected disconnected status with no channels open")
	}
}

func TestTimesyncBroadcast(t *testing.T) {
	fx := newServerFixture(t)

	resp := fx.request(t, http.MethodPost, "/v1/timesync/broadcast", map[string]any{}, withAdminKey(testAdminKey))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out map[string]string
	decodeResponse(t, resp, &out)
	if out["packet"] == "" {
		t.Fatal("expected signed packet in response")
	}

	// Monotonicity holds across broadcasts.
	resp = fx.request(t, http.MethodPost, "/v1/timesync/broadcast", map[string]any{"facility_ids": []string{"f1"}}, withAdminKey(testAdminKey))
	var second map[string]string
	decodeResponse(t, resp, &second)
	if second["packet"] == out["packet"] {
		t.Fatal("expected distinct packets per broadcast")
	}
}

func registerFallbackDevice(t *testing.T, fx serverFixture, deviceID string) ed25519.PrivateKey {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	encoded := base64.StdEncoding.EncodeToString(pub)
	if err := fx.store.PutDeviceKey(context.Background(), deviceID, encoded, "ed25519"); err != nil {
		t.Fatal(err)
	}
	return priv
}

func TestFallbackExchange(t *testing.T) {
	fx := newServerFixture(t)
	priv := registerFallbackDevice(t, fx, "lock-1")

	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"device": "lock-1",
		"sub":    "user-1",
		"aud":    []string{"door-a"},
		"jti":    "jti-offline-1",
		"exp":    time.Now().Add(5 * time.Minute).Unix(),
	}).SignedString(priv)
	if err != nil {
		t.Fatal(err)
	}

	resp := fx.request(t, http.MethodPost, "/v1/fallback/exchange", map[string]string{"token": token}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out fallbackExchangeResponse
	decodeResponse(t, resp, &out)
	if out.UserID != "user-1" || out.DeviceID != "lock-1" || out.JTI != "jti-offline-1" {
		t.Fatalf("unexpected exchange response: %+v", out)
	}
	if out.Pass == "" {
		t.Fatal("expected signed pass credential")
	}
	if !out.ExpiresAt.After(out.IssuedAt) {
		t.Fatalf("expected expiry after issuance, got %v / %v", out.IssuedAt, out.ExpiresAt)
	}

	// The issuance appears in the user's history.
	histResp := fx.request(t, http.MethodGet, "/v1/users/user-1/passes", nil, withAdminKey(testAdminKey))
	var hist struct {
		Passes []domain.RoutePass `json:"passes"`
		Total  int                `json:"total"`
	}
	decodeResponse(t, histResp, &hist)
	if hist.Total != 1 || len(hist.Passes) != 1 || hist.Passes[0].JTI != "jti-offline-1" {
		t.Fatalf("expected one logged issuance, got %+v", hist)
	}
}

func TestFallbackExchangeRejectsTamperedToken(t *testing.T) {
	fx := newServerFixture(t)
	priv := registerFallbackDevice(t, fx, "lock-1")

	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"device": "lock-1",
		"sub":    "user-1",
		"exp":    time.Now().Add(5 * time.Minute).Unix(),
	}).SignedString(priv)
	if err != nil {
		t.Fatal(err)
	}
	tampered := token[:len(token)-4] + "AAAA"

	resp := fx.request(t, http.MethodPost, "/v1/fallback/exchange", map[string]string{"token": tampered}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	histResp := fx.request(t, http.MethodGet, "/v1/users/user-1/passes", nil, withAdminKey(testAdminKey))
	var hist struct {
		Total int `json:"total"`
	}
	decodeResponse(t, histResp, &hist)
	if hist.Total != 0 {
		t.Fatalf("expected no issuance after rejected exchange, got %d", hist.Total)
	}
}

func TestFallbackExchangeRequiresToken(t *testing.T) {
	fx := newServerFixture(t)

	resp := fx.request(t, http.MethodPost, "/v1/fallback/exchange", map[string]string{}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestGatewaySyncUnknownGateway(t *testing.T) {
	fx := newServerFixture(t)

	resp := fx.request(t, http.MethodPost, "/v1/gateways/gw_missing/sync", nil, withAdminKey(testAdminKey))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGatewaySyncWebsocketKindWithoutChannel(t *testing.T) {
	fx := newServerFixture(t)
	ctx := context.Background()

	gw, err := fx.store.CreateGateway(ctx, "f1", domain.GatewayKindWebSocket, "", "")
	if err != nil {
		t.Fatal(err)
	}

	resp := fx.request(t, http.MethodPost, fmt.Sprintf("/v1/gateways/%s/sync", gw.ID), nil, withAdminKey(testAdminKey))
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 with no channel open, got %d", resp.StatusCode)
	}
}

func TestDeviceRoutesUnknownDevice(t *testing.T) {
	fx := newServerFixture(t)

	resp := fx.request(t, http.MethodGet, "/v1/devices/lock-missing/status", nil, withAdminKey(testAdminKey))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	resp = fx.request(t, http.MethodPost, "/v1/devices/lock-missing/command",
		map[string]string{"command": domain.CommandLock}, withAdminKey(testAdminKey))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestDeviceCommandRequiresBody(t *testing.T) {
	fx := newServerFixture(t)

	resp := fx.request(t, http.MethodPost, "/v1/devices/lock-1/command", map[string]string{}, withAdminKey(testAdminKey))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing command, got %d", resp.StatusCode)
	}
}

func TestDenylistRemoveUnknownEntry(t *testing.T) {
	fx := newServerFixture(t)

	resp := fx.request(t, http.MethodDelete, "/v1/denylist/dl_missing", nil, withAdminKey(testAdminKey))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestPassHistoryFilters(t *testing.T) {
	fx := newServerFixture(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		issued := base.Add(time.Duration(i) * 24 * time.Hour)
		if _, err := fx.srv.passes.Create(ctx, "user-1", "lock-1", nil, "", issued, issued.Add(time.Hour)); err != nil {
			t.Fatal(err)
		}
	}

	resp := fx.request(t, http.MethodGet, "/v1/users/user-1/passes?limit=2", nil, withAdminKey(testAdminKey))
	var page struct {
		Passes []domain.RoutePass `json:"passes"`
		Total  int                `json:"total"`
	}
	decodeResponse(t, resp, &page)
	if len(page.Passes) != 2 || page.Total != 3 {
		t.Fatalf("expected page of 2 with total 3, got %d/%d", len(page.Passes), page.Total)
	}

	start := base.Add(24 * time.Hour).Format(time.RFC3339)
	resp = fx.request(t, http.MethodGet, "/v1/users/user-1/passes?start="+start, nil, withAdminKey(testAdminKey))
	decodeResponse(t, resp, &page)
	if page.Total != 2 {
		t.Fatalf("expected 2 issuances in bounds, got %d", page.Total)
	}

	resp = fx.request(t, http.MethodGet, "/v1/users/user-1/passes?start=not-a-date", nil, withAdminKey(testAdminKey))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed date, got %d", resp.StatusCode)
	}
}

func TestCleanupInertDenylistEntries(t *testing.T) {
	fx := newServerFixture(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	expired, err := fx.store.CreateDenylistEntry(ctx, "lock-1", "user-1", domain.DenylistSourceUserDeactivation, "admin", &past)
	if err != nil {
		t.Fatal(err)
	}
	permanent, err := fx.store.CreateDenylistEntry(ctx, "lock-1", "user-2", domain.DenylistSourceUserDeactivation, "admin", nil)
	if err != nil {
		t.Fatal(err)
	}

	fx.srv.cleanupInertDenylistEntries(ctx)

	if _, err := fx.store.GetDenylistEntry(ctx, expired.ID); err == nil {
		t.Fatal("expected expired entry to be deleted")
	}
	if _, err := fx.store.GetDenylistEntry(ctx, permanent.ID); err != nil {
		t.Fatalf("permanent entry should survive cleanup: %v", err)
	}
}

func TestTransportForUnknownKind(t *testing.T) {
	fx := newServerFixture(t)

	if _, err := fx.srv.transportFor(domain.Gateway{ID: "gw_x", Kind: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown gateway kind")
	}
}
