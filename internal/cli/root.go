package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch args[0] {
	case "server":
		return runServer(ctx, args[1:])
	case "agent":
		return runAgent(ctx, args[1:])
	case "gateway":
		return runGatewayAdmin(ctx, args[1:])
	case "devicekey":
		return runDeviceKeyAdmin(ctx, args[1:])
	case "adminkey":
		return runAdminKeyAdmin(args[1:])
	case "version", "--version", "-v":
		printVersion()
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintln(os.Stderr, "unknown command:", args[0])
		printUsage()
		return 2
	}
}
