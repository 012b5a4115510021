package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/keynest/keynest/internal/domain"
	"github.com/keynest/keynest/internal/store/sqlite"
)

func runGatewayAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: keynest gateway <add|list> [flags]")
		return 2
	}
	switch args[0] {
	case "add":
		return runGatewayAdd(ctx, args[1:])
	case "list":
		return runGatewayList(ctx, args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown gateway command:", args[0])
		return 2
	}
}

func runGatewayAdd(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("gateway-add", flag.ContinueOnError)
	var dbPath, facilityID, kind, apiURL, apiKey string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&facilityID, "facility", "", "facility id the gateway serves")
	fs.StringVar(&kind, "kind", domain.GatewayKindHTTPPoll, "gateway kind: http-poll|websocket")
	fs.StringVar(&apiURL, "api-url", "", "gateway REST base URL (http-poll only)")
	fs.StringVar(&apiKey, "api-key", "", "gateway API key (http-poll only)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if facilityID == "" {
		fmt.Fprintln(os.Stderr, "missing --facility")
		return 2
	}
	if kind != domain.GatewayKindHTTPPoll && kind != domain.GatewayKindWebSocket {
		fmt.Fprintln(os.Stderr, "invalid --kind:", kind)
		return 2
	}
	if kind == domain.GatewayKindHTTPPoll && (apiURL == "" || apiKey == "") {
		fmt.Fprintln(os.Stderr, "http-poll gateways require --api-url and --api-key")
		return 2
	}

	store, code := openStore(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	gw, err := store.CreateGateway(ctx, facilityID, kind, apiURL, apiKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "create gateway:", err)
		return 1
	}
	fmt.Println("id:", gw.ID)
	fmt.Println("facility:", gw.FacilityID)
	fmt.Println("kind:", gw.Kind)
	return 0
}

func runGatewayList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("gateway-list", flag.ContinueOnError)
	var dbPath string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, code := openStore(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	gateways, err := store.ListGateways(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list gateways:", err)
		return 1
	}
	for _, gw := range gateways {
		lastSeen := "never"
		if gw.LastSeenAt != nil {
			lastSeen = gw.LastSeenAt.Format("2006-01-02T15:04:05Z")
		}
		fmt.Printf("%s\t%s\t%s\tstatus=%s\tlast_seen=%s\n", gw.ID, gw.FacilityID, gw.Kind, gw.Status, lastSeen)
	}
	return 0
}

func defaultDBPath() string {
	return envOr("KEYNEST_DB_PATH", "./keynest.db")
}

func openStore(dbPath string) (*sqlite.Store, int) {
	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return nil, 1
	}
	return store, 0
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
