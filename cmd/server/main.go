package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/custodia/settlement-engine/internal/app"
	"github.com/custodia/settlement-engine/internal/config"
	"github.com/custodia/settlement-engine/internal/copytrade"
	"github.com/custodia/settlement-engine/internal/metrics"
	"github.com/custodia/settlement-engine/internal/reconcile"
	"github.com/custodia/settlement-engine/internal/tick"
	"github.com/custodia/settlement-engine/internal/transfer"
	"github.com/custodia/settlement-engine/internal/waitlist"
)

func main() {
	configPath := flag.String("config", os.Getenv("SETTLE_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	app.SetupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	go a.Hub.Run(ctx)

	if cfg.Tick.Secret == "" {
		slog.Warn("tick.secret not set, /internal endpoints reject every request")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"settlement-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	// Gateway callbacks and the scheduler trigger are server-to-server.
	reconcile.NewHandler(a.Reconcile, a.Adapters...).Routes(r)
	tick.NewHandler(a.Orchestrator, cfg.Tick.Secret).Routes(r)

	transfers := transfer.NewHandler(a.Transfers)
	r.Group(func(r chi.Router) {
		r.Use(tick.RequireSecret(cfg.Tick.Secret))
		transfers.InternalRoutes(r)
	})

	// User-facing API, called cross-origin by the web app.
	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.Server.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:         300,
		}))
		r.Get("/api/v1/ws", a.Hub.HandleWS)
		copytrade.NewHandler(a.Positions).Routes(r)
		transfers.Routes(r)

		wl := waitlist.NewHandler(a.Waitlist)
		r.Route("/api/v1/claims", wl.ClaimRoutes)
		r.Route("/api/v1/waitlist", wl.WaitlistRoutes)
	})

	// --- In-process schedule ---
	if cfg.Tick.InProcess {
		runner := tick.NewRunner(ctx)
		if _, err := runner.Schedule(cfg.Tick.Schedule, a.Orchestrator); err != nil {
			slog.Error("invalid tick.schedule", "schedule", cfg.Tick.Schedule, "err", err)
			os.Exit(1)
		}
		runner.Start()
		defer runner.Stop()
	}

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("settlement-engine listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down settlement-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
}
