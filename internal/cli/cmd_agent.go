package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/keynest/keynest/internal/agent"
	"github.com/keynest/keynest/internal/config"
	ilog "github.com/keynest/keynest/internal/log"
)

func runAgent(ctx context.Context, args []string) int {
	if len(args) > 0 && args[0] == "login" {
		return runAgentLogin(args[1:])
	}

	cfg, err := config.ParseAgentFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agent config error:", err)
		return 2
	}
	if err := mergeAgentSettings(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "agent config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	a := agent.New(cfg, logger)
	if err := a.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "agent error:", err)
		return 1
	}
	return 0
}

func runAgentLogin(args []string) int {
	fs := flag.NewFlagSet("agent-login", flag.ContinueOnError)
	serverURL := envOr("KEYNEST_SERVER_URL", "")
	token := envOr("KEYNEST_ACCESS_TOKEN", "")
	fs.StringVar(&serverURL, "server", serverURL, "Cloud service URL (e.g. https://example.com)")
	fs.StringVar(&token, "token", token, "Access token for the gateway channel")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(serverURL) == "" || strings.TrimSpace(token) == "" {
		fmt.Fprintln(os.Stderr, "agent login error: missing --server or --token")
		return 2
	}
	if err := agent.SaveSettings(agent.Settings{ServerURL: serverURL, AccessToken: token}); err != nil {
		fmt.Fprintln(os.Stderr, "agent login error:", err)
		return 1
	}
	fmt.Println("saved:", agent.SettingsPath())
	return 0
}

func mergeAgentSettings(cfg *config.AgentConfig) error {
	if strings.TrimSpace(cfg.ServerURL) != "" && strings.TrimSpace(cfg.AccessToken) != "" {
		return nil
	}
	stored, err := agent.LoadSettings()
	if err != nil {
		return fmt.Errorf("missing agent credentials. run `keynest agent login --server https://example.com --token <token>` or provide --server/--token: %w", err)
	}
	if strings.TrimSpace(cfg.ServerURL) == "" {
		cfg.ServerURL = stored.ServerURL
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		cfg.AccessToken = stored.AccessToken
	}
	return nil
}
