package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/tabhub/tabhub/hub"
	"github.com/tabhub/tabhub/internal/hub/config"
	"github.com/tabhub/tabhub/internal/lifecycle"
	"github.com/tabhub/tabhub/internal/logging"
)

func runHub(args []string) error {
	fs := flag.NewFlagSet("hub", flag.ExitOnError)
	configPath := fs.String("config", "", "optional YAML config file")
	port := fs.Int("port", 0, "websocket port (overrides HUB_PORT)")
	dataDir := fs.String("data-dir", "", "data directory for audit log and operation snapshots")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port > 0 {
		cfg.HubPort = *port
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if l, perr := logging.ParseLevel(cfg.LogLevel); perr == nil {
		logging.SetLevel(l)
	}

	logging.PrintBanner(version, cfg.HubPort)

	server, err := hub.NewServer(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.ParentPID > 0 {
		go lifecycle.WatchParent(ctx, cfg.ParentPID, 5*time.Second, stop)
	}

	return server.Serve(ctx)
}
