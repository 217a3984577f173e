package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/custodia/settlement-engine/internal/apperr"
	"github.com/custodia/settlement-engine/internal/clock"
	"github.com/custodia/settlement-engine/internal/model"
	"github.com/custodia/settlement-engine/internal/store"
)

// NewTx describes a transaction record to create.
type NewTx struct {
	UserID         string
	AssetID        string
	Kind           model.TxKind
	Amount         decimal.Decimal
	CorrelationKey string
	CounterpartyID string
	Notes          string
}

// Records owns the transaction table. Status only moves forward.
type Records struct {
	txs   store.Transactions
	clock clock.Clock
}

// NewRecords returns a record store stamped by clk.
func NewRecords(txs store.Transactions, clk clock.Clock) *Records {
	return &Records{txs: txs, clock: clk}
}

// Find looks a record up by correlation key.
func (r *Records) Find(ctx context.Context, key string) (*model.Transaction, error) {
	return r.txs.FindByCorrelationKey(ctx, key)
}

// CreatePending inserts a pending record. A replayed correlation key fails
// with apperr.ErrDuplicate.
func (r *Records) CreatePending(ctx context.Context, in NewTx) (*model.Transaction, error) {
	return r.create(ctx, in, model.TxPending)
}

// CreateCompleted inserts a record that is already settled.
func (r *Records) CreateCompleted(ctx context.Context, in NewTx) (*model.Transaction, error) {
	return r.create(ctx, in, model.TxCompleted)
}

func (r *Records) create(ctx context.Context, in NewTx, status model.TxStatus) (*model.Transaction, error) {
	if in.UserID == "" || in.AssetID == "" || !in.Amount.IsPositive() {
		return nil, fmt.Errorf("transaction needs user, asset and a positive amount: %w", apperr.ErrValidation)
	}
	now := r.clock.Now()
	tx := &model.Transaction{
		ID:             uuid.New().String(),
		UserID:         in.UserID,
		AssetID:        in.AssetID,
		Kind:           in.Kind,
		Amount:         in.Amount,
		LockedAmount:   decimal.Zero,
		Status:         status,
		CorrelationKey: in.CorrelationKey,
		CounterpartyID: in.CounterpartyID,
		Notes:          in.Notes,
		CreatedAt:      now,
	}
	if status == model.TxCompleted {
		tx.CompletedAt = &now
	}
	if err := r.txs.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Complete settles a pending record at its final amount. Losing a race to
// another settler surfaces as apperr.ErrInvalidState.
func (r *Records) Complete(ctx context.Context, id string, final decimal.Decimal) (time.Time, error) {
	now := r.clock.Now()
	return now, r.txs.MarkCompleted(ctx, id, final, now)
}

// Fail closes a pending record without settling it.
func (r *Records) Fail(ctx context.Context, id, reason string) error {
	return r.txs.MarkFailed(ctx, id, reason)
}

// SetLocked records how much of the record's amount is held on the balance.
func (r *Records) SetLocked(ctx context.Context, id string, amount decimal.Decimal) error {
	return r.txs.SetLockedAmount(ctx, id, amount)
}

// Delete removes a record. Only compensating actions call this.
func (r *Records) Delete(ctx context.Context, id string) error {
	return r.txs.DeleteTransaction(ctx, id)
}
