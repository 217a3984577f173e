// Package model defines the core domain types shared across the settlement engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceAccount is the per (user, asset) balance row. Available funds are
// Balance - LockedBalance and must never be negative.
type BalanceAccount struct {
	UserID        string          `json:"user_id" db:"user_id"`
	AssetID       string          `json:"asset_id" db:"asset_id"`
	Balance       decimal.Decimal `json:"balance" db:"balance"`
	LockedBalance decimal.Decimal `json:"locked_balance" db:"locked_balance"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Available returns the spendable part of the balance.
func (a BalanceAccount) Available() decimal.Decimal {
	return a.Balance.Sub(a.LockedBalance)
}

// TxKind is the money-movement type of a Transaction.
type TxKind string

const (
	TxDeposit    TxKind = "deposit"
	TxWithdrawal TxKind = "withdrawal"
	TxTransfer   TxKind = "transfer"
)

// TxStatus only ever moves forward: pending -> completed | failed.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
)

// Transaction is one row per money-movement attempt. CorrelationKey is unique
// and anchors idempotency for external events.
type Transaction struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	AssetID        string          `json:"asset_id" db:"asset_id"`
	Kind           TxKind          `json:"kind" db:"kind"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	LockedAmount   decimal.Decimal `json:"locked_amount" db:"locked_amount"` // currently held by this tx
	Status         TxStatus        `json:"status" db:"status"`
	CorrelationKey string          `json:"external_correlation_key" db:"external_correlation_key"`
	CounterpartyID string          `json:"counterparty_id,omitempty" db:"counterparty_id"`
	Notes          string          `json:"notes,omitempty" db:"notes"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// RouteKind distinguishes long-lived addresses from single-use invoices.
type RouteKind string

const (
	RouteAddress RouteKind = "address"
	RouteInvoice RouteKind = "invoice"
)

// DepositRoute maps an external routing key (an address or a gateway payment
// id) to the owning user and asset. Read-only for this engine.
type DepositRoute struct {
	ID         string    `json:"id" db:"id"`
	Kind       RouteKind `json:"kind" db:"kind"`
	Gateway    string    `json:"gateway" db:"gateway"`
	ExternalID string    `json:"external_id" db:"external_id"` // address or payment id
	Network    string    `json:"network,omitempty" db:"network"`
	UserID     string    `json:"user_id" db:"user_id"`
	AssetID    string    `json:"asset_id" db:"asset_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// TraderStats holds cached performance figures shown to copiers.
type TraderStats struct {
	MonthlyROI       decimal.Decimal `json:"monthly_roi"`
	HistoricalROIMin decimal.Decimal `json:"historical_roi_min"`
	HistoricalROIMax decimal.Decimal `json:"historical_roi_max"`
	WinRate          decimal.Decimal `json:"win_rate"`
}

// Trader is a copy-trading lead. CurrentCopiers <= MaxCopiers is enforced
// by the store's conditional updates, not by this struct.
type Trader struct {
	ID             string          `json:"id" db:"id"`
	DisplayName    string          `json:"display_name" db:"display_name"`
	CurrentCopiers int             `json:"current_copiers" db:"current_copiers"`
	MaxCopiers     int             `json:"max_copiers" db:"max_copiers"`
	AUM            decimal.Decimal `json:"aum" db:"aum"`
	FeeRate        decimal.Decimal `json:"fee_rate" db:"fee_rate"` // performance fee share of profit
	Stats          TraderStats     `json:"stats" db:"stats"`
}

// HasCapacity reports whether another copier can be admitted.
func (t Trader) HasCapacity() bool {
	return t.CurrentCopiers < t.MaxCopiers
}

// PositionStatus of a CopyPosition. Anything other than active is terminal.
type PositionStatus string

const (
	PositionActive     PositionStatus = "active"
	PositionStopped    PositionStatus = "stopped"
	PositionLiquidated PositionStatus = "liquidated"
)

// SimulationState carries the parameters of the PnL model for one position.
type SimulationState struct {
	Momentum   float64 `json:"momentum"`
	DailyDrift float64 `json:"daily_drift"`
	Volatility float64 `json:"volatility"`
}

// CopyPosition is a user's allocation copying one trader.
type CopyPosition struct {
	ID                 string           `json:"id" db:"id"`
	UserID             string           `json:"user_id" db:"user_id"`
	TraderID           string           `json:"trader_id" db:"trader_id"`
	AssetID            string           `json:"asset_id" db:"asset_id"`
	Allocation         decimal.Decimal  `json:"allocation" db:"allocation"`
	CurrentPnL         decimal.Decimal  `json:"current_pnl" db:"current_pnl"`
	Status             PositionStatus   `json:"status" db:"status"`
	StartedAt          time.Time        `json:"started_at" db:"started_at"`
	StoppedAt          *time.Time       `json:"stopped_at,omitempty" db:"stopped_at"`
	FinalPnL           *decimal.Decimal `json:"final_pnl,omitempty" db:"final_pnl"`
	PerformanceFeePaid decimal.Decimal  `json:"performance_fee_paid" db:"performance_fee_paid"`
	Simulation         *SimulationState `json:"simulation_state,omitempty" db:"simulation_state"`
}

// WaitlistStatus of a WaitlistEntry: waiting -> notified -> claimed | expired.
type WaitlistStatus string

const (
	WaitlistWaiting  WaitlistStatus = "waiting"
	WaitlistNotified WaitlistStatus = "notified"
	WaitlistExpired  WaitlistStatus = "expired"
	WaitlistClaimed  WaitlistStatus = "claimed"
)

// WaitlistEntry queues a user for a trader at capacity. FIFO on CreatedAt.
type WaitlistEntry struct {
	ID              string         `json:"id" db:"id"`
	UserID          string         `json:"user_id" db:"user_id"`
	TraderID        string         `json:"trader_id" db:"trader_id"`
	Status          WaitlistStatus `json:"status" db:"status"`
	PositionInQueue int            `json:"position_in_queue" db:"position_in_queue"`
	ClaimToken      string         `json:"claim_token,omitempty" db:"claim_token"`
	ClaimExpiresAt  *time.Time     `json:"claim_expires_at,omitempty" db:"claim_expires_at"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
}

// TickReport summarizes one orchestrator invocation.
type TickReport struct {
	PnLUpdates            int       `json:"pnl_updates"`
	Liquidations          int       `json:"liquidations"`
	WaitlistNotifications int       `json:"waitlist_notifications"`
	ExpiredClaims         int       `json:"expired_claims"`
	StatsClamped          int       `json:"stats_clamped"`
	Skipped               bool      `json:"skipped,omitempty"`
	Timestamp             time.Time `json:"timestamp"`
}
