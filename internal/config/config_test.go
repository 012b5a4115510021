package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseServerFlagsRequiresSecret(t *testing.T) {
	t.Setenv("KEYNEST_ACCESS_TOKEN_SECRET", "")
	_, err := ParseServerFlags(nil)
	if err == nil || !strings.Contains(err.Error(), "access-token-secret") {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestParseServerFlagsDefaults(t *testing.T) {
	t.Setenv("KEYNEST_LISTEN", "")
	t.Setenv("KEYNEST_POLL_INTERVAL", "")
	cfg, err := ParseServerFlags([]string{"-access-token-secret", "s3cret"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != defaultListen {
		t.Fatalf("expected default listen %q, got %q", defaultListen, cfg.Listen)
	}
	if cfg.PollInterval != defaultPollInterval || cfg.FailureThreshold != defaultFailureThreshold {
		t.Fatalf("unexpected poll defaults: %v / %d", cfg.PollInterval, cfg.FailureThreshold)
	}
	if cfg.RoutePassTTL != defaultRoutePassTTL {
		t.Fatalf("expected default pass ttl, got %v", cfg.RoutePassTTL)
	}
}

func TestParseServerFlagsOverrides(t *testing.T) {
	cfg, err := ParseServerFlags([]string{
		"-access-token-secret", "s3cret",
		"-listen", ":9999",
		"-db", "/tmp/other.db",
		"-poll-interval", "5s",
		"-failure-threshold", "7",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9999" || cfg.DBPath != "/tmp/other.db" {
		t.Fatalf("flag overrides not applied: %+v", cfg)
	}
	if cfg.PollInterval != 5*time.Second || cfg.FailureThreshold != 7 {
		t.Fatalf("poll overrides not applied: %v / %d", cfg.PollInterval, cfg.FailureThreshold)
	}
}

func TestParseServerFlagsEnvDefaults(t *testing.T) {
	t.Setenv("KEYNEST_ACCESS_TOKEN_SECRET", "env-secret")
	t.Setenv("KEYNEST_LISTEN", ":7070")
	t.Setenv("KEYNEST_POLL_INTERVAL", "42s")

	cfg, err := ParseServerFlags(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AccessTokenSecret != "env-secret" || cfg.Listen != ":7070" {
		t.Fatalf("env defaults not applied: %+v", cfg)
	}
	if cfg.PollInterval != 42*time.Second {
		t.Fatalf("expected 42s poll interval, got %v", cfg.PollInterval)
	}

	// Flags still win over the environment.
	cfg, err = ParseServerFlags([]string{"-listen", ":6060"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":6060" {
		t.Fatalf("expected flag to override env, got %q", cfg.Listen)
	}
}

func TestParseServerFlagsValidation(t *testing.T) {
	cases := [][]string{
		{"-access-token-secret", "s", "-poll-interval", "0s"},
		{"-access-token-secret", "s", "-poll-timeout", "-1s"},
		{"-access-token-secret", "s", "-failure-threshold", "0"},
		{"-access-token-secret", "   "},
	}
	for _, args := range cases {
		if _, err := ParseServerFlags(args); err == nil {
			t.Fatalf("expected validation error for %v", args)
		}
	}
}

func TestParseAgentFlagsRequiresLockAPIURL(t *testing.T) {
	t.Setenv("KEYNEST_LOCK_API_URL", "")
	_, err := ParseAgentFlags(nil)
	if err == nil || !strings.Contains(err.Error(), "lock-api-url") {
		t.Fatalf("expected missing lock api url error, got %v", err)
	}
}

func TestParseAgentFlags(t *testing.T) {
	cfg, err := ParseAgentFlags([]string{
		"-server", "https://cloud.example.com",
		"-token", "tok",
		"-lock-api-url", "http://10.0.0.5:8081",
		"-lock-api-key", "gw-key",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != "https://cloud.example.com" || cfg.LockAPIURL != "http://10.0.0.5:8081" {
		t.Fatalf("unexpected agent config: %+v", cfg)
	}
	if cfg.PingInterval != defaultAgentPingInterval || cfg.Timeout != defaultAgentTimeout {
		t.Fatalf("unexpected agent timing defaults: %+v", cfg)
	}
}

func TestParseAgentFlagsRejectsZeroPingInterval(t *testing.T) {
	_, err := ParseAgentFlags([]string{"-lock-api-url", "http://10.0.0.5:8081", "-ping-interval", "0s"})
	if err == nil {
		t.Fatalf("expected ping interval validation error")
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("KEYNEST_TEST_BOOL", "yes")
	if !envBool("KEYNEST_TEST_BOOL") {
		t.Fatal("expected yes to parse as true")
	}
	t.Setenv("KEYNEST_TEST_BOOL", "off")
	if envBool("KEYNEST_TEST_BOOL") {
		t.Fatal("expected off to parse as false")
	}

	t.Setenv("KEYNEST_TEST_INT", "not-a-number")
	if got := envIntOrDefault("KEYNEST_TEST_INT", 9); got != 9 {
		t.Fatalf("expected fallback to default, got %d", got)
	}

	t.Setenv("KEYNEST_TEST_DUR", "250ms")
	if got := envDurationOrDefault("KEYNEST_TEST_DUR", time.Second); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %v", got)
	}
}
