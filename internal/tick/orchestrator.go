// Package tick sequences the periodic work of the settlement engine. One
// tick runs five stages in a fixed order, each isolated from the others:
// a stage that fails or panics is logged and the next stage still runs.
// The orchestrator keeps no state between ticks.
package tick

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/custodia/settlement-engine/internal/clock"
	"github.com/custodia/settlement-engine/internal/metrics"
	"github.com/custodia/settlement-engine/internal/model"
	"github.com/custodia/settlement-engine/internal/notify"
)

// Stage names, in run order.
const (
	StagePnL        = "pnl_update"
	StageLiquidate  = "liquidation"
	StageWaitlist   = "waitlist_notify"
	StageExpire     = "claim_expiry"
	StageStatsClamp = "stats_clamp"
)

// Positions is the copy-trade work of a tick.
type Positions interface {
	Advance(ctx context.Context) (int, error)
	CheckLiquidations(ctx context.Context) (int, error)
	ClampStats(ctx context.Context) (int, error)
}

// Waitlist is the queue work of a tick.
type Waitlist interface {
	NotifyNext(ctx context.Context) (int, error)
	ExpireClaims(ctx context.Context) (int, error)
}

// Lock serializes ticks across processes. Acquire returns ok=false when
// another tick holds the lock.
type Lock interface {
	Acquire(ctx context.Context, token string) (release func(), ok bool, err error)
}

// Orchestrator runs ticks.
type Orchestrator struct {
	positions Positions
	waitlist  Waitlist
	notifier  notify.Notifier
	clock     clock.Clock
	lock      Lock
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLock makes every tick hold l for its duration. Without a lock ticks
// are not serialized against each other.
func WithLock(l Lock) Option {
	return func(o *Orchestrator) { o.lock = l }
}

// NewOrchestrator creates an orchestrator. n may be nil.
func NewOrchestrator(p Positions, w Waitlist, n notify.Notifier, clk clock.Clock, opts ...Option) *Orchestrator {
	if n == nil {
		n = notify.Nop{}
	}
	o := &Orchestrator{positions: p, waitlist: w, notifier: n, clock: clk}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one tick. The returned error is only for a lock backend
// failure; stage failures are logged and reflected as zero counts.
func (o *Orchestrator) Run(ctx context.Context) (model.TickReport, error) {
	report := model.TickReport{Timestamp: o.clock.Now()}

	if o.lock != nil {
		release, ok, err := o.lock.Acquire(ctx, uuid.New().String())
		if err != nil {
			return report, fmt.Errorf("tick lock: %w", err)
		}
		if !ok {
			metrics.TicksSkipped.Inc()
			slog.Info("tick skipped, another tick holds the lock")
			report.Skipped = true
			return report, nil
		}
		defer release()
	}

	start := time.Now()
	report.PnLUpdates = o.stage(ctx, StagePnL, o.positions.Advance)
	report.Liquidations = o.stage(ctx, StageLiquidate, o.positions.CheckLiquidations)
	report.WaitlistNotifications = o.stage(ctx, StageWaitlist, o.waitlist.NotifyNext)
	report.ExpiredClaims = o.stage(ctx, StageExpire, o.waitlist.ExpireClaims)
	report.StatsClamped = o.stage(ctx, StageStatsClamp, o.positions.ClampStats)

	slog.Info("tick completed",
		"pnl_updates", report.PnLUpdates,
		"liquidations", report.Liquidations,
		"waitlist_notifications", report.WaitlistNotifications,
		"expired_claims", report.ExpiredClaims,
		"stats_clamped", report.StatsClamped,
		"elapsed", time.Since(start),
	)
	notify.Send(ctx, o.notifier, notify.Notification{
		ID:   notify.TypeTickCompleted + ":" + report.Timestamp.Format(time.RFC3339Nano),
		Type: notify.TypeTickCompleted,
		Fields: map[string]string{
			"pnl_updates":            strconv.Itoa(report.PnLUpdates),
			"liquidations":           strconv.Itoa(report.Liquidations),
			"waitlist_notifications": strconv.Itoa(report.WaitlistNotifications),
			"expired_claims":         strconv.Itoa(report.ExpiredClaims),
		},
		Timestamp: report.Timestamp,
	})
	return report, nil
}

// stage runs fn and returns its count, or 0 if it failed or panicked.
func (o *Orchestrator) stage(ctx context.Context, name string, fn func(context.Context) (int, error)) (n int) {
	start := time.Now()
	defer func() {
		metrics.TickDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			metrics.TickStageErrors.WithLabelValues(name).Inc()
			slog.Error("tick stage panicked", "stage", name, "panic", r)
			n = 0
		}
	}()

	n, err := fn(ctx)
	if err != nil {
		metrics.TickStageErrors.WithLabelValues(name).Inc()
		slog.Error("tick stage failed", "stage", name, "err", err)
		return 0
	}
	metrics.TickItems.WithLabelValues(name).Add(float64(n))
	return n
}
