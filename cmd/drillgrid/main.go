package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/g960059/drillgrid/internal/cli"
	"github.com/g960059/drillgrid/internal/config"
)

func main() {
	addr := config.DefaultConfig().ListenAddr
	if env := strings.TrimSpace(os.Getenv("DRILLGRID_ADDR")); env != "" {
		addr = env
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cli.NewRunner(addr, os.Stdout, os.Stderr).Run(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}
