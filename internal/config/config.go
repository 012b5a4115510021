package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig carries everything the keynest server process needs:
// listen address, storage path, token keys, and gateway polling policy.
type ServerConfig struct {
	Listen             string
	DBPath             string
	LogLevel           string
	AccessTokenSecret  string
	AdminKeyHash       string
	SigningKeyFile     string
	PollInterval       time.Duration
	PollTimeout        time.Duration
	FailureThreshold   int
	RequestTimeout     time.Duration
	RoutePassTTL       time.Duration
	ClientPongTimeout  time.Duration
	JanitorInterval    time.Duration
	PprofAddr          string
	InsecureSkipVerify bool
}

const defaultListen = ":8080"
const defaultDBPath = "./keynest.db"
const defaultPollInterval = 30 * time.Second
const defaultPollTimeout = 15 * time.Second
const defaultFailureThreshold = 3
const defaultRequestTimeout = 30 * time.Second
const defaultRoutePassTTL = 24 * time.Hour
const defaultClientPongTimeout = 12 * time.Minute
const defaultJanitorInterval = 10 * time.Minute

// ParseServerFlags builds a ServerConfig from KEYNEST_* environment
// defaults overridden by command line flags, validating as it goes.
func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Listen:             envOrDefault("KEYNEST_LISTEN", defaultListen),
		DBPath:             envOrDefault("KEYNEST_DB_PATH", defaultDBPath),
		LogLevel:           envOrDefault("KEYNEST_LOG_LEVEL", "info"),
		AccessTokenSecret:  envOrDefault("KEYNEST_ACCESS_TOKEN_SECRET", ""),
		AdminKeyHash:       envOrDefault("KEYNEST_ADMIN_KEY_HASH", ""),
		SigningKeyFile:     envOrDefault("KEYNEST_SIGNING_KEY_FILE", ""),
		PollInterval:       envDurationOrDefault("KEYNEST_POLL_INTERVAL", defaultPollInterval),
		PollTimeout:        envDurationOrDefault("KEYNEST_POLL_TIMEOUT", defaultPollTimeout),
		FailureThreshold:   envIntOrDefault("KEYNEST_FAILURE_THRESHOLD", defaultFailureThreshold),
		RequestTimeout:     defaultRequestTimeout,
		RoutePassTTL:       envDurationOrDefault("KEYNEST_ROUTE_PASS_TTL", defaultRoutePassTTL),
		ClientPongTimeout:  defaultClientPongTimeout,
		JanitorInterval:    defaultJanitorInterval,
		PprofAddr:          envOrDefault("KEYNEST_PPROF_ADDR", ""),
		InsecureSkipVerify: envBool("KEYNEST_INSECURE_SKIP_VERIFY"),
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.AccessTokenSecret, "access-token-secret", cfg.AccessTokenSecret, "HMAC secret for access token verification")
	fs.StringVar(&cfg.AdminKeyHash, "admin-key-hash", cfg.AdminKeyHash, "bcrypt hash of the admin API key")
	fs.StringVar(&cfg.SigningKeyFile, "signing-key-file", cfg.SigningKeyFile, "Ed25519 seed file for secure time and route pass signing")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "HTTP gateway poll interval")
	fs.DurationVar(&cfg.PollTimeout, "poll-timeout", cfg.PollTimeout, "HTTP gateway request timeout")
	fs.IntVar(&cfg.FailureThreshold, "failure-threshold", cfg.FailureThreshold, "Consecutive poll failures before reconnect attempt")
	fs.BoolVar(&cfg.InsecureSkipVerify, "insecure-skip-verify", cfg.InsecureSkipVerify, "Skip gateway TLS certificate validation (development only)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.AccessTokenSecret = strings.TrimSpace(cfg.AccessTokenSecret)
	if cfg.AccessTokenSecret == "" {
		return cfg, errors.New("missing --access-token-secret or KEYNEST_ACCESS_TOKEN_SECRET")
	}
	if cfg.PollInterval <= 0 {
		return cfg, errors.New("poll interval must be > 0")
	}
	if cfg.PollTimeout <= 0 {
		return cfg, errors.New("poll timeout must be > 0")
	}
	if cfg.FailureThreshold <= 0 {
		return cfg, errors.New("failure threshold must be > 0")
	}
	if cfg.RoutePassTTL <= 0 {
		return cfg, errors.New("route pass ttl must be > 0")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes"
}
