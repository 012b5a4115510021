// Package agent implements the on-premises gateway process. It dials
// the cloud service's gateway channel, answers sync/status/command
// requests against the facility's local lock controller, and applies
// secure-time broadcasts arriving as compact signed tokens.
package agent

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/keynest/keynest/internal/config"
)

const (
	reconnectInitialDelay = 2 * time.Second
	reconnectMaxDelay     = 1 * time.Minute
	maxConcurrentRequests = 16
	wsHandshakeTimeout    = 10 * time.Second
	wsReadLimit           = 1 << 20
	wsWriteTimeout        = 15 * time.Second
)

// Agent maintains the channel session and forwards requests locally.
type Agent struct {
	cfg   config.AgentConfig
	log   *slog.Logger
	locks *lockClient
}

// New creates an Agent with the given configuration and logger.
func New(cfg config.AgentConfig, logger *slog.Logger) *Agent {
	return &Agent{
		cfg:   cfg,
		log:   logger,
		locks: newLockClient(cfg.LockAPIURL, cfg.LockAPIKey, cfg.Timeout),
	}
}

// Run dials the channel and keeps it alive, reconnecting with
// exponential backoff until ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	backoff := reconnectInitialDelay
	for {
		started := time.Now()
		err := a.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		// A session that held for a while earns a fresh backoff.
		if time.Since(started) > reconnectMaxDelay {
			backoff = reconnectInitialDelay
		}
		if err != nil {
			a.log.Warn("gateway channel disconnected; reconnecting", "err", err, "retry_in", backoff.Round(time.Second).String())
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		current = reconnectInitialDelay
	}
	next := min(current*2, reconnectMaxDelay)
	// Add ±25% jitter to avoid thundering herd on reconnect.
	jitter := 1.0 + (rand.Float64()-0.5)*0.5
	return time.Duration(float64(next) * jitter)
}
