// Package server hosts the HTTP surface: the gateway websocket upgrade,
// facility connection queries, secure time broadcast, fallback
// exchange, manual gateway sync, and device command dispatch. It owns
// every gateway transport lifecycle; the engines receive transport
// handles per call and never retain them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/keynest/keynest/internal/config"
	"github.com/keynest/keynest/internal/debughttp"
	"github.com/keynest/keynest/internal/denylist"
	"github.com/keynest/keynest/internal/domain"
	"github.com/keynest/keynest/internal/gateway"
	"github.com/keynest/keynest/internal/gateway/httppoll"
	"github.com/keynest/keynest/internal/gateway/wschannel"
	"github.com/keynest/keynest/internal/keys"
	"github.com/keynest/keynest/internal/routepass"
	"github.com/keynest/keynest/internal/store/sqlite"
	"github.com/keynest/keynest/internal/timesync"
)

type Server struct {
	cfg       config.ServerConfig
	store     *sqlite.Store
	log       *slog.Logger
	channel   *wschannel.Channel
	passes    *routepass.Log
	optimizer *denylist.Optimizer
	engine    *keys.Engine
	timeSvc   *timesync.Service

	mu      sync.Mutex
	polling map[string]*httppoll.Transport
}

// New wires the engines and loads or generates the signing key.
func New(cfg config.ServerConfig, store *sqlite.Store, logger *slog.Logger) (*Server, error) {
	keyFile := cfg.SigningKeyFile
	if keyFile == "" {
		keyFile = "./keynest-signing.key"
	}
	signingKey, err := timesync.LoadOrGenerateKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}

	passes := routepass.New(store)
	optimizer := denylist.New(passes, logger)
	s := &Server{
		cfg:       cfg,
		store:     store,
		log:       logger,
		channel:   wschannel.NewChannel(wschannel.NewHub(logger), []byte(cfg.AccessTokenSecret)),
		passes:    passes,
		optimizer: optimizer,
		engine:    keys.New(store, optimizer, logger),
		timeSvc:   timesync.New(signingKey, store, passes, logger, cfg.RoutePassTTL),
		polling:   map[string]*httppoll.Transport{},
	}
	return s, nil
}

func (s *Server) Run(ctx context.Context) error {
	if err := debughttp.StartPprofServer(ctx, s.cfg.PprofAddr, s.log, "server"); err != nil {
		return fmt.Errorf("pprof server: %w", err)
	}

	if err := s.startPollingTransports(ctx); err != nil {
		return err
	}

	go s.runJanitor(ctx)

	httpServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting server", "addr", s.cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.stopPollingTransports()
		return shutdownServer(httpServer, 5*time.Second)
	case err := <-errCh:
		s.stopPollingTransports()
		_ = shutdownServer(httpServer, 5*time.Second)
		return err
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /ws/gateway", s.channel)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /v1/facilities/{id}/connection", s.handleFacilityConnection)
	mux.HandleFunc("POST /v1/timesync/broadcast", s.handleTimesyncBroadcast)
	mux.HandleFunc("POST /v1/fallback/exchange", s.handleFallbackExchange)
	mux.HandleFunc("POST /v1/gateways/{id}/sync", s.handleGatewaySync)
	mux.HandleFunc("GET /v1/devices/{id}/status", s.handleDeviceStatus)
	mux.HandleFunc("POST /v1/devices/{id}/command", s.handleDeviceCommand)
	mux.HandleFunc("POST /v1/devices/{id}/keys", s.handleKeyAdd)
	mux.HandleFunc("DELETE /v1/devices/{id}/keys", s.handleKeyRevoke)
	mux.HandleFunc("POST /v1/devices/{id}/denylist", s.handleDenylistAdd)
	mux.HandleFunc("DELETE /v1/denylist/{id}", s.handleDenylistRemove)
	mux.HandleFunc("GET /v1/users/{id}/passes", s.handlePassHistory)
	return mux
}

// startPollingTransports brings up one polling client per stored
// http-poll gateway. An unreachable gateway at boot is logged, not
// fatal; its poll loop keeps retrying.
func (s *Server) startPollingTransports(ctx context.Context) error {
	gateways, err := s.store.ListGateways(ctx)
	if err != nil {
		return fmt.Errorf("list gateways: %w", err)
	}
	for _, gw := range gateways {
		if gw.Kind != domain.GatewayKindHTTPPoll {
			continue
		}
		t := httppoll.New(gw, httppoll.Config{
			PollInterval:       s.cfg.PollInterval,
			PollTimeout:        s.cfg.PollTimeout,
			FailureThreshold:   s.cfg.FailureThreshold,
			InsecureSkipVerify: s.cfg.InsecureSkipVerify,
		}, s.store, s.log)
		t.SetStatusListener(s.notifyGatewayStatus)
		if err := t.Connect(ctx, false); err != nil {
			s.log.Warn("gateway unreachable at startup; poll loop will retry", "gateway_id", gw.ID, "err", err)
		}
		s.mu.Lock()
		s.polling[gw.ID] = t
		s.mu.Unlock()
	}
	return nil
}

func (s *Server) stopPollingTransports() {
	s.mu.Lock()
	transports := make([]*httppoll.Transport, 0, len(s.polling))
	for _, t := range s.polling {
		transports = append(transports, t)
	}
	s.mu.Unlock()
	for _, t := range transports {
		_ = t.Disconnect(context.Background(), true)
	}
}

// notifyGatewayStatus relays manual-sync status flips to the facility's
// dashboard connections.
func (s *Server) notifyGatewayStatus(gatewayID, facilityID, status string) {
	s.channel.Hub().UnicastToFacility(facilityID, map[string]any{
		"kind":       "gateway_status",
		"gateway_id": gatewayID,
		"status":     status,
	})
}

// transportFor returns the live transport handle for a gateway record.
func (s *Server) transportFor(gw domain.Gateway) (gateway.Transport, error) {
	switch gw.Kind {
	case domain.GatewayKindHTTPPoll:
		s.mu.Lock()
		t, ok := s.polling[gw.ID]
		s.mu.Unlock()
		if !ok {
			return nil, &domain.GatewayError{GatewayID: gw.ID, Op: "transport", Err: domain.ErrNotConnected}
		}
		return t, nil
	case domain.GatewayKindWebSocket:
		return wschannel.NewTransport(gw, s.channel.Hub(), s.store, s.log), nil
	default:
		return nil, fmt.Errorf("unknown gateway kind %q", gw.Kind)
	}
}

func shutdownServer(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
