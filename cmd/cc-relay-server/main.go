package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/yansir/cc-relay/internal/config"
	"github.com/yansir/cc-relay/internal/logging"
	"github.com/yansir/cc-relay/internal/server"
	"github.com/yansir/cc-relay/internal/store"
	"github.com/yansir/cc-relay/internal/transport"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.toml", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}

	logger, ring := logging.New(cfg.Server.LogLevel, 1000)
	slog.SetDefault(logger)
	logger.Info("cc-relay starting", "version", version, "accounts", len(cfg.Accounts))

	db, err := store.Open(cfg.Server.DatabasePath)
	if err != nil {
		logger.Error("database init failed", "path", cfg.Server.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("database ready", "path", cfg.Server.DatabasePath)

	tm := transport.NewManager()
	defer tm.Close()

	srv := server.New(cfg, db, tm, ring, logger, version)
	if err := srv.Run(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
