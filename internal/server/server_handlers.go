package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/keynest/keynest/internal/auth"
	"github.com/keynest/keynest/internal/domain"
	"github.com/keynest/keynest/internal/gateway"
	"github.com/keynest/keynest/internal/keys"
	"github.com/keynest/keynest/internal/store/sqlite"
)

const maxRequestBody = 64 * 1024

type timesyncBroadcastRequest struct {
	FacilityIDs []string `json:"facility_ids,omitempty"`
}

type fallbackExchangeRequest struct {
	Token string `json:"token"`
}

type fallbackExchangeResponse struct {
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	Audiences []string  `json:"audiences"`
	JTI       string    `json:"jti"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Pass      string    `json:"pass"`
}

type deviceCommandRequest struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

type keyAddRequest struct {
	Version int             `json:"version"`
	Legacy  *keys.LegacyKey `json:"legacy,omitempty"`
	Modern  *keys.ModernKey `json:"modern,omitempty"`
}

type keyRevokeRequest struct {
	KeyCode   uint32 `json:"key_code,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
}

type denylistAddRequest struct {
	UserID    string     `json:"user_id"`
	Source    string     `json:"source"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type denylistResponse struct {
	EntryID    string `json:"entry_id"`
	Dispatched bool   `json:"dispatched"`
}

// authenticate resolves the caller's identity from a bearer access
// token, or an admin key when one is configured. Both failure modes
// collapse to a bare false; the caller only learns unauthorized.
func (s *Server) authenticate(r *http.Request) (domain.Identity, bool) {
	if key := r.Header.Get("X-Admin-Key"); key != "" && s.cfg.AdminKeyHash != "" {
		if auth.VerifyAdminKey(s.cfg.AdminKeyHash, key) {
			return domain.Identity{UserID: "admin", Role: domain.RoleAdmin}, true
		}
		return domain.Identity{}, false
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return domain.Identity{}, false
	}
	identity, err := auth.DecodeAccessToken(token, []byte(s.cfg.AccessTokenSecret))
	if err != nil || !identity.IsFacilityManagement() {
		return domain.Identity{}, false
	}
	return identity, true
}

func (s *Server) handleFacilityConnection(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	status := s.channel.Hub().FacilityConnectionStatus(r.PathValue("id"))
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleTimesyncBroadcast(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req timesyncBroadcastRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	packet, err := s.timeSvc.BuildSecureTimeSync()
	if err != nil {
		s.log.Error("failed to build secure time packet", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if len(req.FacilityIDs) == 0 {
		s.channel.Hub().Broadcast(packet)
	} else {
		for _, f := range req.FacilityIDs {
			s.channel.Hub().UnicastToFacility(f, packet)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"packet": packet})
}

// handleFallbackExchange needs no access token: the device-signed
// fallback token is itself the credential.
func (s *Server) handleFallbackExchange(w http.ResponseWriter, r *http.Request) {
	var req fallbackExchangeRequest
	if err := decodeBody(r, &req); err != nil || req.Token == "" {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	pass, signed, err := s.timeSvc.ProcessFallbackJWT(r.Context(), req.Token)
	if err != nil {
		s.log.Warn("fallback exchange rejected", "err", err)
		http.Error(w, "fallback exchange rejected", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, fallbackExchangeResponse{
		UserID:    pass.UserID,
		DeviceID:  pass.DeviceID,
		Audiences: pass.Audiences,
		JTI:       pass.JTI,
		IssuedAt:  pass.IssuedAt,
		ExpiresAt: pass.ExpiresAt,
		Pass:      signed,
	})
}

// handleGatewaySync runs a manual sync: status transitions persist.
func (s *Server) handleGatewaySync(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	gw, err := s.store.GetGateway(r.Context(), r.PathValue("id"))
	if errors.Is(err, domain.ErrGatewayNotFound) {
		http.Error(w, "gateway not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	t, err := s.transportFor(gw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	result, err := t.Sync(r.Context(), true)
	if err != nil {
		s.log.Warn("manual sync failed", "gateway_id", gw.ID, "err", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	t, _, ok := s.deviceTransport(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, t.DeviceStatus(r.Context(), r.PathValue("id")))
}

func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req deviceCommandRequest
	if err := decodeBody(r, &req); err != nil || req.Command == "" {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	t, _, ok := s.deviceTransport(w, r)
	if !ok {
		return
	}
	res := t.ExecuteDeviceCommand(r.Context(), r.PathValue("id"), req.Command, req.Params)
	status := http.StatusOK
	if !res.Success && strings.Contains(res.Err, domain.ErrUnsupportedCommand.Error()) {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, res)
}

func (s *Server) handleKeyAdd(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req keyAddRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	t, _, ok := s.deviceTransport(w, r)
	if !ok {
		return
	}
	material := keys.KeyMaterial{Version: req.Version, Legacy: req.Legacy, Modern: req.Modern}
	out, err := s.engine.AddKey(r.Context(), t, r.PathValue("id"), material)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := map[string]any{"result": out.Result}
	if out.HasCode {
		resp["key_code"] = out.KeyCode
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleKeyRevoke(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req keyRevokeRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	t, _, ok := s.deviceTransport(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.RevokeKey(r.Context(), t, r.PathValue("id"), req.KeyCode, req.PublicKey))
}

func (s *Server) handleDenylistAdd(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req denylistAddRequest
	if err := decodeBody(r, &req); err != nil || req.UserID == "" {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		req.Source = domain.DenylistSourceUserDeactivation
	}
	t, _, ok := s.deviceTransport(w, r)
	if !ok {
		return
	}
	entry, dispatched, err := s.engine.DispatchDenylistAdd(r.Context(), t, r.PathValue("id"), req.UserID, req.Source, identity.UserID, req.ExpiresAt)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, denylistResponse{EntryID: entry.ID, Dispatched: dispatched})
}

func (s *Server) handleDenylistRemove(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	entry, err := s.store.GetDenylistEntry(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, "denylist entry not found", http.StatusNotFound)
		return
	}
	device, err := s.store.GetDevice(r.Context(), entry.DeviceID)
	if err != nil {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	gw, err := s.store.GetGateway(r.Context(), device.GatewayID)
	if err != nil {
		http.Error(w, "gateway not found", http.StatusNotFound)
		return
	}
	t, err := s.transportFor(gw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	dispatched, err := s.engine.DispatchDenylistRemove(r.Context(), t, entry)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, denylistResponse{EntryID: entry.ID, Dispatched: dispatched})
}

func (s *Server) handlePassHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	userID := r.PathValue("id")
	filter, err := historyFilterFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	history, err := s.passes.GetUserHistory(r.Context(), userID, filter)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	total, err := s.passes.GetUserHistoryCount(r.Context(), userID, filter)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"passes": history, "total": total})
}

// deviceTransport resolves a device path id to its gateway's live
// transport, writing the error response itself on failure.
func (s *Server) deviceTransport(w http.ResponseWriter, r *http.Request) (t gateway.Transport, device domain.Device, ok bool) {
	device, err := s.store.GetDevice(r.Context(), r.PathValue("id"))
	if errors.Is(err, domain.ErrDeviceNotFound) {
		http.Error(w, "device not found", http.StatusNotFound)
		return nil, domain.Device{}, false
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, domain.Device{}, false
	}
	gw, err := s.store.GetGateway(r.Context(), device.GatewayID)
	if err != nil {
		http.Error(w, "gateway not found", http.StatusNotFound)
		return nil, domain.Device{}, false
	}
	t, err = s.transportFor(gw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return nil, domain.Device{}, false
	}
	return t, device, true
}

func historyFilterFromQuery(r *http.Request) (sqlite.HistoryFilter, error) {
	var f sqlite.HistoryFilter
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		f.Limit = sqlite.CoerceCount(v)
	}
	if v := q.Get("offset"); v != "" {
		f.Offset = sqlite.CoerceCount(v)
	}
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("invalid start date")
		}
		f.StartDate = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("invalid end date")
		}
		f.EndDate = t
	}
	return f, nil
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
