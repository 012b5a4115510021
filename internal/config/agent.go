package config

import (
	"errors"
	"flag"
	"strings"
	"time"
)

// AgentConfig carries what the on-premises gateway agent needs: where
// the cloud service lives, the channel credential, and how to reach the
// facility's local lock controller.
type AgentConfig struct {
	ServerURL    string
	AccessToken  string
	LockAPIURL   string
	LockAPIKey   string
	PingInterval time.Duration
	Timeout      time.Duration
	LogLevel     string
}

const defaultAgentPingInterval = 30 * time.Second
const defaultAgentTimeout = 15 * time.Second

// ParseAgentFlags builds an AgentConfig from KEYNEST_* environment
// defaults overridden by command line flags. Server URL and access
// token may also come from saved agent settings, so they are not
// required here.
func ParseAgentFlags(args []string) (AgentConfig, error) {
	cfg := AgentConfig{
		ServerURL:    envOrDefault("KEYNEST_SERVER_URL", ""),
		AccessToken:  envOrDefault("KEYNEST_ACCESS_TOKEN", ""),
		LockAPIURL:   envOrDefault("KEYNEST_LOCK_API_URL", ""),
		LockAPIKey:   envOrDefault("KEYNEST_LOCK_API_KEY", ""),
		PingInterval: envDurationOrDefault("KEYNEST_PING_INTERVAL", defaultAgentPingInterval),
		Timeout:      envDurationOrDefault("KEYNEST_AGENT_TIMEOUT", defaultAgentTimeout),
		LogLevel:     envOrDefault("KEYNEST_LOG_LEVEL", "info"),
	}

	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Cloud service URL (e.g. https://example.com)")
	fs.StringVar(&cfg.AccessToken, "token", cfg.AccessToken, "Access token for the gateway channel")
	fs.StringVar(&cfg.LockAPIURL, "lock-api-url", cfg.LockAPIURL, "Local lock controller base URL")
	fs.StringVar(&cfg.LockAPIKey, "lock-api-key", cfg.LockAPIKey, "Local lock controller API key")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "Channel keepalive interval")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.LockAPIURL = strings.TrimSpace(cfg.LockAPIURL)
	if cfg.LockAPIURL == "" {
		return cfg, errors.New("missing --lock-api-url or KEYNEST_LOCK_API_URL")
	}
	if cfg.PingInterval <= 0 {
		return cfg, errors.New("ping interval must be > 0")
	}
	return cfg, nil
}
