// Package store defines the persistence interfaces for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for read-mostly rows), and in-memory (for testing).
//
// Every mutation of shared numeric state is a single conditional update in
// the backing store. No caller reads a balance, computes a new value and
// writes it back.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/custodia/settlement-engine/internal/model"
)

// Balances holds the per (user, asset) balance rows.
type Balances interface {
	// Credit increases balance, creating the row if needed.
	Credit(ctx context.Context, userID, assetID string, amount decimal.Decimal) (model.BalanceAccount, error)

	// Lock increases locked_balance. Fails with apperr.ErrInsufficientBalance
	// if locked_balance would exceed balance.
	Lock(ctx context.Context, userID, assetID string, amount decimal.Decimal) (model.BalanceAccount, error)

	// Unlock decreases locked_balance, and balance too when deduct is set.
	// Fails with apperr.ErrInvalidState if amount exceeds locked_balance.
	Unlock(ctx context.Context, userID, assetID string, amount decimal.Decimal, deduct bool) (model.BalanceAccount, error)

	// GetBalance returns the row, or a zero row if none exists yet.
	GetBalance(ctx context.Context, userID, assetID string) (model.BalanceAccount, error)
}

// Transactions holds money-movement records keyed by a unique correlation key.
type Transactions interface {
	// FindByCorrelationKey returns apperr.ErrNotFound when no row carries key.
	FindByCorrelationKey(ctx context.Context, key string) (*model.Transaction, error)

	// CreateTransaction inserts tx. A second insert with the same correlation
	// key fails with apperr.ErrDuplicate.
	CreateTransaction(ctx context.Context, tx *model.Transaction) error

	// MarkCompleted moves a pending transaction to completed with its final amount.
	MarkCompleted(ctx context.Context, id string, finalAmount decimal.Decimal, completedAt time.Time) error

	// MarkFailed moves a pending transaction to failed.
	MarkFailed(ctx context.Context, id, reason string) error

	// SetLockedAmount records how much of the amount is currently held.
	// Only a pending record accepts it; otherwise apperr.ErrInvalidState.
	SetLockedAmount(ctx context.Context, id string, amount decimal.Decimal) error

	// DeleteTransaction removes a row. Only used as a compensating rollback.
	DeleteTransaction(ctx context.Context, id string) error
}

// Routes resolves external routing keys to the owning user and asset.
type Routes interface {
	FindRoute(ctx context.Context, gateway string, kind model.RouteKind, externalID string) (*model.DepositRoute, error)
	SaveRoute(ctx context.Context, route *model.DepositRoute) error
}

// Traders holds copy-trading leads and their capacity counters.
type Traders interface {
	GetTrader(ctx context.Context, id string) (*model.Trader, error)
	SaveTrader(ctx context.Context, t *model.Trader) error
	ListTraders(ctx context.Context) ([]model.Trader, error)

	// ListTradersWithCapacity returns traders with current_copiers < max_copiers.
	ListTradersWithCapacity(ctx context.Context) ([]model.Trader, error)

	// ReserveCopier increments current_copiers and aum only while
	// current_copiers < max_copiers; otherwise apperr.ErrAtCapacity.
	ReserveCopier(ctx context.Context, id string, aum decimal.Decimal) (*model.Trader, error)

	// ReleaseCopier decrements current_copiers and aum, both floored at 0.
	ReleaseCopier(ctx context.Context, id string, aum decimal.Decimal) error

	// ClampMonthlyROI clamps every cached monthly_roi into its historical
	// range and returns how many traders changed.
	ClampMonthlyROI(ctx context.Context) (int, error)
}

// Positions holds copy positions.
type Positions interface {
	CreatePosition(ctx context.Context, p *model.CopyPosition) error
	GetPosition(ctx context.Context, id string) (*model.CopyPosition, error)
	ListActivePositions(ctx context.Context) ([]model.CopyPosition, error)
	HasActivePosition(ctx context.Context, userID, traderID string) (bool, error)

	// UpdateSimulation persists a new PnL and model state for an active position.
	UpdateSimulation(ctx context.Context, id string, pnl decimal.Decimal, sim model.SimulationState) error

	// ClosePosition moves an active position to a terminal status.
	// Fails with apperr.ErrInvalidState when the position is not active.
	ClosePosition(ctx context.Context, id string, status model.PositionStatus, finalPnL, fee decimal.Decimal, stoppedAt time.Time) error

	// ReopenPosition reverts ClosePosition. Only used as a compensating action.
	ReopenPosition(ctx context.Context, id string) error

	// DeletePosition removes a position. Only used as a compensating action.
	DeletePosition(ctx context.Context, id string) error
}

// Waitlist holds the per-trader FIFO queues.
type Waitlist interface {
	// CreateEntry inserts a waiting entry and assigns its queue position.
	// Fails with apperr.ErrDuplicate if the user already has an open
	// (waiting or notified) entry for the trader.
	CreateEntry(ctx context.Context, e *model.WaitlistEntry) error

	// DeleteWaitingEntry removes the user's waiting entry for the trader.
	DeleteWaitingEntry(ctx context.Context, userID, traderID string) error

	// NextWaiting returns the earliest-created waiting entry for the trader.
	NextWaiting(ctx context.Context, traderID string) (*model.WaitlistEntry, error)

	// CountOutstandingClaims counts notified entries whose claim is still open at now.
	CountOutstandingClaims(ctx context.Context, traderID string, now time.Time) (int, error)

	// MarkNotified moves a waiting entry to notified with its claim token.
	MarkNotified(ctx context.Context, id, token string, expiresAt time.Time) error

	// ExpireClaims moves every notified entry past its deadline to expired
	// and returns the entries it changed.
	ExpireClaims(ctx context.Context, now time.Time) ([]model.WaitlistEntry, error)

	GetByClaimToken(ctx context.Context, token string) (*model.WaitlistEntry, error)

	// MarkClaimed moves a notified entry whose claim is still open to claimed.
	MarkClaimed(ctx context.Context, id string, now time.Time) error
}

// Store is the full persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache layer.
type Store interface {
	Balances
	Transactions
	Routes
	Traders
	Positions
	Waitlist
}
