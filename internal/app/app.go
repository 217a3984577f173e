// Package app wires the settlement engine from configuration. Both the
// server and the one-shot tick binary build the same graph.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/custodia/settlement-engine/internal/allocation"
	"github.com/custodia/settlement-engine/internal/clock"
	"github.com/custodia/settlement-engine/internal/config"
	"github.com/custodia/settlement-engine/internal/copytrade"
	"github.com/custodia/settlement-engine/internal/gateway"
	"github.com/custodia/settlement-engine/internal/notify"
	"github.com/custodia/settlement-engine/internal/reconcile"
	"github.com/custodia/settlement-engine/internal/store"
	"github.com/custodia/settlement-engine/internal/tick"
	"github.com/custodia/settlement-engine/internal/transfer"
	"github.com/custodia/settlement-engine/internal/waitlist"
)

// App is the wired service graph.
type App struct {
	Config       config.Config
	Store        store.Store
	Hub          *notify.Hub
	Reconcile    *reconcile.Engine
	Adapters     []gateway.Adapter
	Transfers    *transfer.Service
	Positions    *copytrade.Engine
	Waitlist     *waitlist.Scheduler
	Orchestrator *tick.Orchestrator

	cleanup []func()
}

// SetupLogging installs a JSON slog handler at the configured level.
func SetupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// New connects the configured backends and builds every engine. Call Close
// when done.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	clk := clock.System{}

	// --- Store ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis.url: %w", err)
		}
		rdb = redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
	}

	if cfg.DB.DSN != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN)
		if err != nil {
			return fmt.Errorf("invalid db.dsn: %w", err)
		}
		if cfg.DB.MaxConns > 0 {
			poolCfg.MaxConns = cfg.DB.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		a.Store = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			a.Store = store.NewCachedStore(a.Store, rdb, cfg.Redis.RouteTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("db.dsn not set, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore(store.WithClock(clk))
	}

	// --- Notifications ---
	a.Hub = notify.NewHub()
	notifiers := notify.Fanout{a.Hub}
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("settlement-engine"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		a.cleanup = append(a.cleanup, nc.Close)
		js, err := jetstream.New(nc)
		if err != nil {
			return fmt.Errorf("jetstream: %w", err)
		}
		if err := notify.EnsureStream(ctx, js, cfg.NATS.Stream); err != nil {
			return err
		}
		notifiers = append(notifiers, notify.NewJetStreamNotifier(js))
		slog.Info("NATS notifications enabled", "stream", cfg.NATS.Stream)
	}

	// --- Engines ---
	var opts []reconcile.Option
	if cfg.Webhooks.InsecureSkipSignature {
		opts = append(opts, reconcile.WithInsecureSkipSignature())
	}
	a.Reconcile = reconcile.NewEngine(a.Store, notifiers, clk, opts...)
	a.Adapters = []gateway.Adapter{
		gateway.NewNowPayments(cfg.Webhooks.NowPayments.IPNSecret),
		gateway.NewCryptomus(cfg.Webhooks.Cryptomus.APIKey),
	}
	a.Transfers = transfer.NewService(a.Store, clk)

	seed := cfg.Tick.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	a.Positions = copytrade.NewEngine(a.Store, copytrade.NewDriftModel(seed), notifiers, clk, copytrade.Config{
		SettlementAsset:    strings.ToUpper(cfg.CopyTrade.SettlementAsset),
		LiquidationRatio:   config.Decimal(cfg.CopyTrade.LiquidationRatio),
		PerformanceFeeRate: config.Decimal(cfg.CopyTrade.PerformanceFeeRate),
	})

	limiter := allocation.NewLimiter(
		config.Decimal(cfg.Allocation.Min),
		config.Decimal(cfg.Allocation.Max),
		config.Decimal(cfg.Allocation.MaxPerUser),
	)
	a.Waitlist = waitlist.NewScheduler(a.Store, a.Positions, limiter, notifiers, clk, waitlist.Config{
		ClaimTTL: cfg.Claims.TTL,
		BaseURL:  cfg.Claims.BaseURL,
	})

	var tickOpts []tick.Option
	if rdb != nil {
		tickOpts = append(tickOpts, tick.WithLock(store.NewRedisTickLock(rdb, "settle:tick:lock", cfg.Tick.LockTTL)))
	}
	a.Orchestrator = tick.NewOrchestrator(a.Positions, a.Waitlist, notifiers, clk, tickOpts...)
	return nil
}

// Close releases backend connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
