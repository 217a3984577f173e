// Package copytrade advances copy-trading positions: simulated PnL every
// tick, forced liquidation, user-initiated stops and trader stat upkeep.
// Each position is handled independently; one failing position never stops
// the rest of a pass.
package copytrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/custodia/settlement-engine/internal/apperr"
	"github.com/custodia/settlement-engine/internal/clock"
	"github.com/custodia/settlement-engine/internal/ledger"
	"github.com/custodia/settlement-engine/internal/metrics"
	"github.com/custodia/settlement-engine/internal/model"
	"github.com/custodia/settlement-engine/internal/notify"
	"github.com/custodia/settlement-engine/internal/store"
)

// Config holds the copy-trading parameters.
type Config struct {
	// SettlementAsset is the asset allocations are funded and paid out in.
	SettlementAsset string

	// LiquidationRatio is the funding-balance floor as a share of the allocation.
	LiquidationRatio decimal.Decimal

	// PerformanceFeeRate applies when the trader has no fee rate of its own.
	PerformanceFeeRate decimal.Decimal
}

// DefaultConfig returns the production parameters.
func DefaultConfig() Config {
	return Config{
		SettlementAsset:    "USDT",
		LiquidationRatio:   decimal.NewFromFloat(0.1),
		PerformanceFeeRate: decimal.NewFromFloat(0.2),
	}
}

// Engine runs the per-position work of a tick.
type Engine struct {
	store    store.Store
	ledger   *ledger.Ledger
	model    Model
	notifier notify.Notifier
	clock    clock.Clock
	cfg      Config
}

// NewEngine creates an engine. n may be nil.
func NewEngine(st store.Store, m Model, n notify.Notifier, clk clock.Clock, cfg Config) *Engine {
	if n == nil {
		n = notify.Nop{}
	}
	return &Engine{
		store:    st,
		ledger:   ledger.New(st),
		model:    m,
		notifier: n,
		clock:    clk,
		cfg:      cfg,
	}
}

// SettlementAsset returns the asset positions are funded in.
func (e *Engine) SettlementAsset() string { return e.cfg.SettlementAsset }

// NewPosition builds an active position for a user copying trader. It is
// not persisted.
func (e *Engine) NewPosition(userID string, trader *model.Trader, allocation decimal.Decimal) *model.CopyPosition {
	sim := InitialState(trader.Stats)
	return &model.CopyPosition{
		ID:                 uuid.New().String(),
		UserID:             userID,
		TraderID:           trader.ID,
		AssetID:            e.cfg.SettlementAsset,
		Allocation:         allocation,
		CurrentPnL:         decimal.Zero,
		Status:             model.PositionActive,
		StartedAt:          e.clock.Now(),
		PerformanceFeePaid: decimal.Zero,
		Simulation:         &sim,
	}
}

// Advance steps the PnL of every active position and returns how many were
// updated. Positions without model parameters are skipped.
func (e *Engine) Advance(ctx context.Context) (int, error) {
	positions, err := e.store.ListActivePositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active positions: %w", err)
	}
	metrics.ActivePositions.Set(float64(len(positions)))

	now := e.clock.Now()
	updated := 0
	for _, p := range positions {
		if p.Simulation == nil {
			slog.Debug("position has no simulation state, skipping", "position_id", p.ID)
			continue
		}
		pnl, st := e.model.Step(StepInput{
			TraderID:   p.TraderID,
			Allocation: p.Allocation,
			CurrentPnL: p.CurrentPnL,
			State:      *p.Simulation,
			StartedAt:  p.StartedAt,
			Now:        now,
		})
		if err := e.store.UpdateSimulation(ctx, p.ID, pnl, st); err != nil {
			slog.Error("position update failed", "position_id", p.ID, "trader_id", p.TraderID, "err", err)
			continue
		}
		updated++
	}
	return updated, nil
}

// ShouldLiquidate reports whether a position must be force-closed: the
// user's funding balance is below LiquidationRatio of the allocation and
// the position is losing.
func (e *Engine) ShouldLiquidate(p model.CopyPosition, funding decimal.Decimal) bool {
	floor := p.Allocation.Mul(e.cfg.LiquidationRatio)
	return funding.LessThan(floor) && p.CurrentPnL.IsNegative()
}

// CheckLiquidations re-reads every active position and liquidates those
// that meet the liquidation condition. It returns how many were liquidated.
func (e *Engine) CheckLiquidations(ctx context.Context) (int, error) {
	positions, err := e.store.ListActivePositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active positions: %w", err)
	}

	liquidated := 0
	for _, p := range positions {
		acct, err := e.ledger.Balance(ctx, p.UserID, e.cfg.SettlementAsset)
		if err != nil {
			slog.Error("funding balance lookup failed", "position_id", p.ID, "err", err)
			continue
		}
		if !e.ShouldLiquidate(p, acct.Balance) {
			continue
		}
		if err := e.close(ctx, &p, model.PositionLiquidated, decimal.Zero); err != nil {
			slog.Error("liquidation failed, will retry next tick",
				"position_id", p.ID, "trader_id", p.TraderID, "err", err)
			continue
		}
		liquidated++
		metrics.Liquidations.Inc()
		slog.Info("position liquidated", "position_id", p.ID, "user", p.UserID,
			"trader_id", p.TraderID, "final_pnl", p.CurrentPnL.String(), "funding", acct.Balance.String())
		notify.Send(ctx, e.notifier, notify.Notification{
			ID:      notify.TypePositionLiquidated + ":" + p.ID,
			Type:    notify.TypePositionLiquidated,
			UserID:  p.UserID,
			Subject: "Copy position liquidated",
			Fields: map[string]string{
				"position_id": p.ID,
				"trader_id":   p.TraderID,
				"final_pnl":   p.CurrentPnL.String(),
			},
			Timestamp: e.clock.Now(),
		})
	}
	return liquidated, nil
}

// Stop closes a position at the user's request. A profitable position pays
// the performance fee out of its profit.
func (e *Engine) Stop(ctx context.Context, positionID, userID string) (*model.CopyPosition, error) {
	p, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, fmt.Errorf("position %s: %w", positionID, apperr.ErrOwnershipMismatch)
	}
	if p.Status != model.PositionActive {
		return nil, fmt.Errorf("position %s is %s: %w", positionID, p.Status, apperr.ErrInvalidState)
	}

	rate := e.cfg.PerformanceFeeRate
	if t, err := e.store.GetTrader(ctx, p.TraderID); err == nil && t.FeeRate.IsPositive() {
		rate = t.FeeRate
	}
	fee := decimal.Zero
	if p.CurrentPnL.IsPositive() {
		fee = p.CurrentPnL.Mul(rate).Round(PnLScale)
	}

	if err := e.close(ctx, p, model.PositionStopped, fee); err != nil {
		return nil, err
	}
	slog.Info("position stopped", "position_id", p.ID, "user", userID,
		"final_pnl", p.CurrentPnL.String(), "fee", fee.String())
	notify.Send(ctx, e.notifier, notify.Notification{
		ID:     notify.TypePositionStopped + ":" + p.ID,
		Type:   notify.TypePositionStopped,
		UserID: p.UserID,
		Fields: map[string]string{
			"position_id": p.ID,
			"final_pnl":   p.CurrentPnL.String(),
			"fee":         fee.String(),
		},
		Timestamp: e.clock.Now(),
	})
	return e.store.GetPosition(ctx, positionID)
}

// close moves p to a terminal status and pays out allocation + pnl - fee.
// If the payout cannot be credited the position is reopened so the next
// attempt starts from the same state. Freeing the trader slot is best-effort.
func (e *Engine) close(ctx context.Context, p *model.CopyPosition, status model.PositionStatus, fee decimal.Decimal) error {
	payout := p.Allocation.Add(p.CurrentPnL).Sub(fee)

	saga := ledger.NewSaga("position_"+string(status), "position_id", p.ID)
	if err := saga.Do(ctx, "close",
		func(ctx context.Context) error {
			return e.store.ClosePosition(ctx, p.ID, status, p.CurrentPnL, fee, e.clock.Now())
		},
		func(ctx context.Context) error { return e.store.ReopenPosition(ctx, p.ID) },
	); err != nil {
		return err
	}

	if payout.IsPositive() {
		if err := saga.Do(ctx, "payout", func(ctx context.Context) error {
			_, err := e.ledger.Credit(ctx, p.UserID, e.cfg.SettlementAsset, payout)
			return err
		}, nil); err != nil {
			return err
		}
	}

	if err := e.store.ReleaseCopier(ctx, p.TraderID, p.Allocation); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		ledger.Degraded("position_close", "trader slot not released", err,
			"position_id", p.ID, "trader_id", p.TraderID)
	}
	return nil
}

// ClampStats clamps every cached monthly ROI into its historical range.
func (e *Engine) ClampStats(ctx context.Context) (int, error) {
	return e.store.ClampMonthlyROI(ctx)
}
