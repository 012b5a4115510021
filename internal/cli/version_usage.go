package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

func printUsage() {
	fmt.Println(`keynest - gateway command and access-revocation service

Usage:
  keynest server [flags]                 Start the service
  keynest agent [flags]                  Run the on-premises gateway agent
  keynest agent login [flags]            Save agent server URL and token
  keynest gateway add [flags]            Register a gateway
  keynest gateway list [flags]           List registered gateways
  keynest devicekey add [flags]          Register a device verification key
  keynest adminkey create                Generate an admin key + bcrypt hash
  keynest version                        Print version
  keynest help                           Show this help

Environment Variables:
  KEYNEST_LISTEN                HTTP listen address (default :8080)
  KEYNEST_DB_PATH               SQLite database path (default ./keynest.db)
  KEYNEST_LOG_LEVEL             Log level: debug|info|warn|error (default info)
  KEYNEST_ACCESS_TOKEN_SECRET   HMAC secret for access token verification
  KEYNEST_ADMIN_KEY_HASH        bcrypt hash of the admin API key
  KEYNEST_SIGNING_KEY_FILE      Ed25519 seed file for signing
  KEYNEST_POLL_INTERVAL         HTTP gateway poll interval (default 30s)
  KEYNEST_POLL_TIMEOUT          HTTP gateway request timeout (default 15s)
  KEYNEST_FAILURE_THRESHOLD     Poll failures per reconnect attempt (default 3)
  KEYNEST_ROUTE_PASS_TTL        Issued route pass lifetime (default 24h)`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	if Version != "dev" && !strings.HasPrefix(Version, "v") {
		Version = "v" + Version
	}
}

func printVersion() {
	fmt.Println("keynest", Version)
}
