// Package transfer moves funds between users and out of the platform.
// Both flows are sagas over independent balance rows, keyed by a caller
// supplied correlation key so that a retried request never moves funds twice.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/custodia/settlement-engine/internal/apperr"
	"github.com/custodia/settlement-engine/internal/clock"
	"github.com/custodia/settlement-engine/internal/ledger"
	"github.com/custodia/settlement-engine/internal/model"
	"github.com/custodia/settlement-engine/internal/store"
)

// Service runs internal transfers and withdrawals.
type Service struct {
	ledger  *ledger.Ledger
	records *ledger.Records
}

// NewService creates a transfer service over the store.
func NewService(st store.Store, clk clock.Clock) *Service {
	return &Service{
		ledger:  ledger.New(st),
		records: ledger.NewRecords(st, clk),
	}
}

// existing returns the record already carrying key, if any.
func (s *Service) existing(ctx context.Context, key string) (*model.Transaction, error) {
	tx, err := s.records.Find(ctx, key)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	return tx, err
}

// Transfer moves amount of asset from one user to another. Replaying key
// returns the record of the first attempt without moving funds again.
func (s *Service) Transfer(ctx context.Context, from, to, assetID string, amount decimal.Decimal, key string) (*model.Transaction, error) {
	if from == to {
		return nil, fmt.Errorf("cannot transfer to self: %w", apperr.ErrValidation)
	}
	if key == "" {
		return nil, fmt.Errorf("correlation key is required: %w", apperr.ErrValidation)
	}
	if tx, err := s.existing(ctx, key); err != nil || tx != nil {
		return tx, err
	}

	saga := ledger.NewSaga("transfer", "correlation_key", key, "from", from, "to", to)
	var tx *model.Transaction

	err := saga.Do(ctx, "create_pending",
		func(ctx context.Context) error {
			var err error
			tx, err = s.records.CreatePending(ctx, ledger.NewTx{
				UserID: from, AssetID: assetID, Kind: model.TxTransfer, Amount: amount,
				CorrelationKey: key, CounterpartyID: to,
			})
			return err
		},
		func(ctx context.Context) error { return s.records.Fail(ctx, tx.ID, "compensated") },
	)
	if errors.Is(err, apperr.ErrDuplicate) {
		return s.records.Find(ctx, key)
	}
	if err != nil {
		return nil, err
	}

	if err := saga.Do(ctx, "debit_sender",
		func(ctx context.Context) error { return s.ledger.Debit(ctx, from, assetID, amount) },
		func(ctx context.Context) error {
			_, err := s.ledger.Credit(ctx, from, assetID, amount)
			return err
		},
	); err != nil {
		return nil, err
	}

	if err := saga.Do(ctx, "credit_recipient", func(ctx context.Context) error {
		_, err := s.ledger.Credit(ctx, to, assetID, amount)
		return err
	}, nil); err != nil {
		slog.Error("transfer refunded to sender", "correlation_key", key, "err", err)
		return nil, fmt.Errorf("%w: %v", apperr.ErrDownstream, err)
	}

	if _, err := s.records.Complete(ctx, tx.ID, amount); err != nil {
		ledger.Degraded("transfer", "funds moved but record not completed", err,
			"correlation_key", key, "tx_id", tx.ID)
	}
	slog.Info("transfer completed", "correlation_key", key, "from", from, "to", to,
		"asset", assetID, "amount", amount.String())
	return s.records.Find(ctx, key)
}

// RequestWithdrawal holds amount on the user's balance and records a
// pending withdrawal. The funds leave only on SettleWithdrawal.
func (s *Service) RequestWithdrawal(ctx context.Context, userID, assetID string, amount decimal.Decimal, key, notes string) (*model.Transaction, error) {
	if key == "" {
		return nil, fmt.Errorf("correlation key is required: %w", apperr.ErrValidation)
	}
	if tx, err := s.existing(ctx, key); err != nil || tx != nil {
		return tx, err
	}

	saga := ledger.NewSaga("withdrawal_request", "correlation_key", key, "user", userID)
	var tx *model.Transaction

	err := saga.Do(ctx, "create_pending",
		func(ctx context.Context) error {
			var err error
			tx, err = s.records.CreatePending(ctx, ledger.NewTx{
				UserID: userID, AssetID: assetID, Kind: model.TxWithdrawal, Amount: amount,
				CorrelationKey: key, Notes: notes,
			})
			return err
		},
		func(ctx context.Context) error { return s.records.Fail(ctx, tx.ID, "insufficient funds") },
	)
	if errors.Is(err, apperr.ErrDuplicate) {
		return s.records.Find(ctx, key)
	}
	if err != nil {
		return nil, err
	}

	if err := saga.Do(ctx, "hold",
		func(ctx context.Context) error {
			_, err := s.ledger.Lock(ctx, userID, assetID, amount)
			return err
		},
		func(ctx context.Context) error {
			_, err := s.ledger.Unlock(ctx, userID, assetID, amount, false)
			return err
		},
	); err != nil {
		return nil, err
	}

	if err := saga.Do(ctx, "record_hold", func(ctx context.Context) error {
		return s.records.SetLocked(ctx, tx.ID, amount)
	}, nil); err != nil {
		return nil, err
	}

	slog.Info("withdrawal requested", "correlation_key", key, "user", userID,
		"asset", assetID, "amount", amount.String())
	return s.records.Find(ctx, key)
}

// SettleWithdrawal finishes a pending withdrawal. With ok the held funds
// leave the balance; otherwise the hold is released. Settling a record that
// is no longer pending returns it unchanged.
func (s *Service) SettleWithdrawal(ctx context.Context, key string, ok bool) (*model.Transaction, error) {
	tx, err := s.records.Find(ctx, key)
	if err != nil {
		return nil, err
	}
	if tx.Kind != model.TxWithdrawal {
		return nil, fmt.Errorf("%s is a %s: %w", key, tx.Kind, apperr.ErrValidation)
	}
	if tx.Status != model.TxPending {
		return tx, nil
	}

	if ok {
		_, err = s.records.Complete(ctx, tx.ID, tx.Amount)
	} else {
		err = s.records.Fail(ctx, tx.ID, "withdrawal rejected")
	}
	if errors.Is(err, apperr.ErrInvalidState) {
		return s.records.Find(ctx, key)
	}
	if err != nil {
		return nil, err
	}

	if tx.LockedAmount.IsPositive() {
		if _, err := s.ledger.Unlock(ctx, tx.UserID, tx.AssetID, tx.LockedAmount, ok); err != nil {
			ledger.Degraded("withdrawal_settle", "withdrawal closed but hold not released", err,
				"correlation_key", key, "tx_id", tx.ID, "paid_out", ok)
			return nil, fmt.Errorf("%w: %v", apperr.ErrDownstream, err)
		}
	}
	slog.Info("withdrawal settled", "correlation_key", key, "user", tx.UserID, "paid_out", ok)
	return s.records.Find(ctx, key)
}
