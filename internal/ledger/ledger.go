// Package ledger is the only code path that mutates balances or transaction
// records. Every operation is one conditional update in the store; a failed
// condition surfaces as a typed error and never as a partial write.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/custodia/settlement-engine/internal/apperr"
	"github.com/custodia/settlement-engine/internal/metrics"
	"github.com/custodia/settlement-engine/internal/model"
	"github.com/custodia/settlement-engine/internal/store"
)

// Ledger guards the (user, asset) balance rows.
type Ledger struct {
	balances store.Balances
}

// New returns a Ledger over the given balance store.
func New(b store.Balances) *Ledger {
	return &Ledger{balances: b}
}

func validate(userID, assetID string, amount decimal.Decimal) error {
	if userID == "" || assetID == "" {
		return fmt.Errorf("user and asset are required: %w", apperr.ErrValidation)
	}
	if amount.IsNegative() {
		return fmt.Errorf("amount must not be negative, got %s: %w", amount, apperr.ErrValidation)
	}
	return nil
}

func record(op string, err error) {
	result := "ok"
	if err != nil {
		result = apperr.Kind(err)
	}
	metrics.LedgerOpsTotal.WithLabelValues(op, result).Inc()
}

// Credit increases the balance, creating the row at zero first if needed.
// A zero amount changes nothing and returns the current row.
func (l *Ledger) Credit(ctx context.Context, userID, assetID string, amount decimal.Decimal) (model.BalanceAccount, error) {
	if err := validate(userID, assetID, amount); err != nil {
		return model.BalanceAccount{}, err
	}
	if amount.IsZero() {
		return l.balances.GetBalance(ctx, userID, assetID)
	}
	acct, err := l.balances.Credit(ctx, userID, assetID, amount)
	record("credit", err)
	if err != nil {
		return acct, err
	}
	slog.Debug("balance credited", "user", userID, "asset", assetID, "amount", amount.String())
	return acct, nil
}

// Lock moves amount from available to locked. It fails with
// apperr.ErrInsufficientBalance when available is short.
func (l *Ledger) Lock(ctx context.Context, userID, assetID string, amount decimal.Decimal) (model.BalanceAccount, error) {
	if err := validate(userID, assetID, amount); err != nil {
		return model.BalanceAccount{}, err
	}
	if amount.IsZero() {
		return l.balances.GetBalance(ctx, userID, assetID)
	}
	acct, err := l.balances.Lock(ctx, userID, assetID, amount)
	record("lock", err)
	return acct, err
}

// Unlock releases amount from locked. With deduct the released amount also
// leaves the balance, which is how a held withdrawal is paid out.
func (l *Ledger) Unlock(ctx context.Context, userID, assetID string, amount decimal.Decimal, deduct bool) (model.BalanceAccount, error) {
	if err := validate(userID, assetID, amount); err != nil {
		return model.BalanceAccount{}, err
	}
	if amount.IsZero() {
		return l.balances.GetBalance(ctx, userID, assetID)
	}
	op := "unlock"
	if deduct {
		op = "unlock_deduct"
	}
	acct, err := l.balances.Unlock(ctx, userID, assetID, amount, deduct)
	record(op, err)
	return acct, err
}

// Balance returns the row for (user, asset), zero when absent.
func (l *Ledger) Balance(ctx context.Context, userID, assetID string) (model.BalanceAccount, error) {
	return l.balances.GetBalance(ctx, userID, assetID)
}

// Debit takes amount out of the balance through a hold, so that the
// available check and the deduction are each one conditional update.
// If the deduction fails the hold is released again.
func (l *Ledger) Debit(ctx context.Context, userID, assetID string, amount decimal.Decimal) error {
	if _, err := l.Lock(ctx, userID, assetID, amount); err != nil {
		return err
	}
	if _, err := l.Unlock(ctx, userID, assetID, amount, true); err != nil {
		if _, rerr := l.Unlock(ctx, userID, assetID, amount, false); rerr != nil {
			Degraded("debit", "hold left on balance", rerr, "user", userID, "asset", assetID)
		}
		return err
	}
	return nil
}
