package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/keynest/keynest/internal/config"
	ilog "github.com/keynest/keynest/internal/log"
	"github.com/keynest/keynest/internal/server"
	"github.com/keynest/keynest/internal/store/sqlite"
)

func runServer(ctx context.Context, args []string) int {
	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	s, err := server.New(cfg, store, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server init error:", err)
		return 1
	}
	if err := s.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "server error:", err)
		return 1
	}
	return 0
}
