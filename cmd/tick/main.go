// Command tick runs exactly one orchestrator tick and exits, for external
// schedulers such as a Kubernetes CronJob. It reads the same configuration
// as the server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/custodia/settlement-engine/internal/app"
	"github.com/custodia/settlement-engine/internal/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("SETTLE_CONFIG"), "path to YAML config file")
	timeout := flag.Duration("timeout", 4*time.Minute, "abort the tick after this long")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	app.SetupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	report, err := a.Orchestrator.Run(ctx)
	if err != nil {
		slog.Error("tick failed", "err", err)
		a.Close()
		os.Exit(1)
	}
	json.NewEncoder(os.Stdout).Encode(report)
}
