package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/g960059/drillgrid/internal/config"
	"github.com/g960059/drillgrid/internal/daemon"
	"github.com/g960059/drillgrid/internal/db"
	"github.com/g960059/drillgrid/internal/logging"
	"github.com/g960059/drillgrid/internal/monitor"
	"github.com/g960059/drillgrid/internal/tabular"
)

func main() {
	cfgPath := flag.String("config", "drillgrid.yaml", "YAML config file")
	listen := flag.String("listen", "", "listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite path (overrides config)")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatal(err)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		fatal(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	tables := tabular.NewSource(cfg.DataDir)
	mainTable, err := tables.Load(ctx, cfg.MainTable)
	if err != nil {
		fatal(fmt.Errorf("load main table: %w", err))
	}

	srv, err := daemon.NewServer(cfg, daemon.Deps{
		Store:  store,
		Main:   mainTable,
		Tables: tables,
		Logger: logger,
	})
	if err != nil {
		fatal(err)
	}

	if cfg.Monitor.Enabled {
		startMonitor(ctx, cfg, logger)
	}

	logger.Info("drillgridd starting",
		zap.String("listen", cfg.ListenAddr),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("main_rows", len(mainTable.Rows)))
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func startMonitor(ctx context.Context, cfg config.Config, logger *zap.Logger) {
	opts := cfg.MonitorOptions()
	opts.Logger = logger.Named("monitor")
	m, err := monitor.New(opts)
	if err != nil {
		logger.Error("log monitor disabled", zap.Error(err))
		return
	}
	go func() {
		if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("log monitor stopped", zap.Error(err))
		}
	}()
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "drillgridd: %v\n", err)
	os.Exit(1)
}
