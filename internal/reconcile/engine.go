// Package reconcile turns gateway callbacks into ledger and transaction
// mutations. Callbacks arrive concurrently, late, out of order and more than
// once; every path is keyed on the event's correlation key so that any
// number of deliveries converge on one settlement.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/custodia/settlement-engine/internal/apperr"
	"github.com/custodia/settlement-engine/internal/clock"
	"github.com/custodia/settlement-engine/internal/gateway"
	"github.com/custodia/settlement-engine/internal/ledger"
	"github.com/custodia/settlement-engine/internal/model"
	"github.com/custodia/settlement-engine/internal/notify"
	"github.com/custodia/settlement-engine/internal/orderref"
	"github.com/custodia/settlement-engine/internal/store"
)

// Outcome is the response body status returned to the gateway.
type Outcome string

const (
	OutcomeAcknowledged     Outcome = "acknowledged"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomePending          Outcome = "pending"
	OutcomeSuccess          Outcome = "success"
)

// Engine runs the reconciliation pipeline for every gateway.
type Engine struct {
	routes        store.Routes
	ledger        *ledger.Ledger
	records       *ledger.Records
	notifier      notify.Notifier
	clock         clock.Clock
	skipSignature bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithInsecureSkipSignature disables signature checks. Debug only; every
// unchecked callback is logged.
func WithInsecureSkipSignature() Option {
	return func(e *Engine) { e.skipSignature = true }
}

// NewEngine wires the engine to the store. n may be nil.
func NewEngine(st store.Store, n notify.Notifier, clk clock.Clock, opts ...Option) *Engine {
	if n == nil {
		n = notify.Nop{}
	}
	e := &Engine{
		routes:   st,
		ledger:   ledger.New(st),
		records:  ledger.NewRecords(st, clk),
		notifier: n,
		clock:    clk,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.skipSignature {
		slog.Warn("webhook signature verification disabled")
	}
	return e
}

// Handle runs one raw callback through the full pipeline: validate shape,
// verify authenticity, then Apply.
func (e *Engine) Handle(ctx context.Context, a gateway.Adapter, body []byte, header http.Header) (Outcome, error) {
	ev, err := a.Parse(body)
	if err != nil {
		return "", err
	}

	if e.skipSignature {
		slog.Warn("webhook accepted without signature check",
			"gateway", a.Name(), "correlation_key", ev.CorrelationKey)
	} else if err := a.Verify(body, header); err != nil {
		slog.Warn("webhook signature rejected",
			"gateway", a.Name(), "correlation_key", ev.CorrelationKey, "err", err)
		return "", err
	}

	return e.Apply(ctx, ev)
}

// Apply classifies a normalized event, resolves and verifies its
// destination, and performs the status transition.
func (e *Engine) Apply(ctx context.Context, ev *gateway.Event) (Outcome, error) {
	switch ev.Class {
	case gateway.ClassIgnored:
		slog.Info("webhook status ignored",
			"gateway", ev.Gateway, "correlation_key", ev.CorrelationKey, "status", ev.RawStatus)
		return OutcomeAcknowledged, nil
	case gateway.ClassPending:
		return OutcomePending, nil
	}

	route, err := e.resolve(ctx, ev)
	if err != nil {
		return "", err
	}

	switch ev.Class {
	case gateway.ClassConfirmed:
		return e.confirm(ctx, ev, route)
	case gateway.ClassSettled:
		return e.settle(ctx, ev, route)
	case gateway.ClassFailed:
		return e.fail(ctx, ev)
	}
	return OutcomeAcknowledged, nil
}

// resolve finds the route the event arrived on and checks that the account
// named in the order reference owns it.
func (e *Engine) resolve(ctx context.Context, ev *gateway.Event) (*model.DepositRoute, error) {
	route, err := e.routes.FindRoute(ctx, ev.Gateway, ev.RouteKind, ev.RouteKey)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			slog.Error("webhook has no deposit route",
				"gateway", ev.Gateway, "correlation_key", ev.CorrelationKey,
				"route_kind", ev.RouteKind, "route_key", ev.RouteKey)
		}
		return nil, err
	}
	if route.Network != "" && ev.Network != "" && route.Network != ev.Network {
		return nil, fmt.Errorf("route %s is on %s, payment on %s: %w",
			route.ExternalID, route.Network, ev.Network, apperr.ErrNotFound)
	}

	if ev.OrderRef == "" {
		return nil, fmt.Errorf("%s: order reference is required: %w", ev.CorrelationKey, apperr.ErrValidation)
	}
	ref, err := orderref.Parse(ev.OrderRef)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", ev.CorrelationKey, err, apperr.ErrValidation)
	}
	if ref.UserID != route.UserID {
		slog.Error("webhook ownership mismatch",
			"gateway", ev.Gateway, "correlation_key", ev.CorrelationKey,
			"route_user", route.UserID, "order_user", ref.UserID, "route_id", route.ID)
		return nil, fmt.Errorf("%s: order belongs to %s, route to %s: %w",
			ev.CorrelationKey, ref.UserID, route.UserID, apperr.ErrOwnershipMismatch)
	}
	return route, nil
}

func (e *Engine) newTx(ev *gateway.Event, route *model.DepositRoute) ledger.NewTx {
	return ledger.NewTx{
		UserID:         route.UserID,
		AssetID:        route.AssetID,
		Kind:           model.TxDeposit,
		Amount:         ev.Amount,
		CorrelationKey: ev.CorrelationKey,
		Notes:          fmt.Sprintf("%s %s", ev.Gateway, ev.RawStatus),
	}
}

// confirm records the deposit at interim confidence: funds are credited and
// held so they are visible but not spendable.
func (e *Engine) confirm(ctx context.Context, ev *gateway.Event, route *model.DepositRoute) (Outcome, error) {
	log := slog.With("gateway", ev.Gateway, "correlation_key", ev.CorrelationKey, "user", route.UserID)

	_, err := e.records.Find(ctx, ev.CorrelationKey)
	if err == nil {
		return OutcomeAlreadyProcessed, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return "", err
	}

	saga := ledger.NewSaga("deposit_confirm", "correlation_key", ev.CorrelationKey)
	var tx *model.Transaction
	err = saga.Do(ctx, "create_pending",
		func(ctx context.Context) error {
			var err error
			tx, err = e.records.CreatePending(ctx, e.newTx(ev, route))
			return err
		},
		func(ctx context.Context) error { return e.records.Delete(ctx, tx.ID) },
	)
	if errors.Is(err, apperr.ErrDuplicate) {
		return OutcomeAlreadyProcessed, nil
	}
	if err != nil {
		return "", err
	}

	if err := saga.Do(ctx, "credit", func(ctx context.Context) error {
		_, err := e.ledger.Credit(ctx, route.UserID, route.AssetID, ev.Amount)
		return err
	}, nil); err != nil {
		log.Error("deposit credit failed, pending record rolled back", "err", err)
		return "", fmt.Errorf("%w: %v", apperr.ErrDownstream, err)
	}

	// From here on the credit stands. A failed hold leaves the funds
	// spendable early, which is accepted and flagged for reconciliation.
	if _, err := e.ledger.Lock(ctx, route.UserID, route.AssetID, ev.Amount); err != nil {
		ledger.Degraded("deposit_confirm", "deposit credited but not held", err,
			"correlation_key", ev.CorrelationKey, "tx_id", tx.ID, "amount", ev.Amount.String())
		return OutcomePending, nil
	}
	err = e.records.SetLocked(ctx, tx.ID, ev.Amount)
	if errors.Is(err, apperr.ErrInvalidState) {
		// A final delivery closed the record before the hold was recorded
		// and released nothing, so this hold is ours to undo.
		if _, uerr := e.ledger.Unlock(ctx, route.UserID, route.AssetID, ev.Amount, false); uerr != nil {
			ledger.Degraded("deposit_confirm", "record closed while held, hold not released", uerr,
				"correlation_key", ev.CorrelationKey, "tx_id", tx.ID, "amount", ev.Amount.String())
			return "", fmt.Errorf("%w: %v", apperr.ErrDownstream, uerr)
		}
		log.Info("deposit closed during confirm, hold released", "tx_id", tx.ID)
		return OutcomeAlreadyProcessed, nil
	}
	if err != nil {
		if _, uerr := e.ledger.Unlock(ctx, route.UserID, route.AssetID, ev.Amount, false); uerr != nil {
			err = errors.Join(err, uerr)
		}
		ledger.Degraded("deposit_confirm", "deposit hold not recorded, released", err,
			"correlation_key", ev.CorrelationKey, "tx_id", tx.ID)
		return OutcomePending, nil
	}

	log.Info("deposit confirmed", "tx_id", tx.ID, "amount", ev.Amount.String(), "asset", route.AssetID)
	return OutcomePending, nil
}

// settle finalizes the deposit at its final observed amount.
func (e *Engine) settle(ctx context.Context, ev *gateway.Event, route *model.DepositRoute) (Outcome, error) {
	existing, err := e.records.Find(ctx, ev.CorrelationKey)
	switch {
	case err == nil:
		return e.settlePending(ctx, ev, route, existing)
	case !errors.Is(err, apperr.ErrNotFound):
		return "", err
	}

	// No interim callback was seen: one completed record, one credit.
	tx, err := e.records.CreateCompleted(ctx, e.newTx(ev, route))
	if errors.Is(err, apperr.ErrDuplicate) {
		// A concurrent delivery created the record first. If it was an
		// interim record, settle it now rather than dropping the final status.
		existing, ferr := e.records.Find(ctx, ev.CorrelationKey)
		if ferr != nil {
			return "", ferr
		}
		return e.settlePending(ctx, ev, route, existing)
	}
	if err != nil {
		return "", err
	}

	if _, err := e.ledger.Credit(ctx, route.UserID, route.AssetID, ev.Amount); err != nil {
		if derr := e.records.Delete(ctx, tx.ID); derr != nil {
			ledger.Degraded("deposit_settle", "completed record without credit", derr,
				"correlation_key", ev.CorrelationKey, "tx_id", tx.ID)
		}
		slog.Error("deposit credit failed", "correlation_key", ev.CorrelationKey, "err", err)
		return "", fmt.Errorf("%w: %v", apperr.ErrDownstream, err)
	}

	e.settled(ctx, tx.ID, ev, route, ev.Amount)
	return OutcomeSuccess, nil
}

// settlePending completes an interim record. Only the amount originally
// held is released; an upward revision is credited as new funds and a
// downward one is taken out of the hold.
func (e *Engine) settlePending(ctx context.Context, ev *gateway.Event, route *model.DepositRoute, tx *model.Transaction) (Outcome, error) {
	if tx.Status != model.TxPending {
		return OutcomeAlreadyProcessed, nil
	}
	if _, err := e.records.Complete(ctx, tx.ID, ev.Amount); err != nil {
		if errors.Is(err, apperr.ErrInvalidState) {
			return OutcomeAlreadyProcessed, nil
		}
		return "", err
	}

	final := ev.Amount
	held := tx.LockedAmount
	credited := tx.Amount

	var err error
	switch {
	case held.IsPositive() && final.GreaterThanOrEqual(held):
		err = e.release(ctx, route, held, false)
		if err == nil && final.GreaterThan(credited) {
			_, err = e.ledger.Credit(ctx, route.UserID, route.AssetID, final.Sub(credited))
		}
	case held.IsPositive():
		// Revised down: the difference leaves the balance with the hold.
		err = e.release(ctx, route, held.Sub(final), true)
		if err == nil {
			err = e.release(ctx, route, final, false)
		}
	default:
		// The interim hold never landed; only correct the credited amount.
		err = e.adjust(ctx, route, final.Sub(credited))
	}
	if err != nil {
		ledger.Degraded("deposit_settle", "deposit completed but balance not adjusted", err,
			"correlation_key", ev.CorrelationKey, "tx_id", tx.ID,
			"held", held.String(), "final", final.String())
		return "", fmt.Errorf("%w: %v", apperr.ErrDownstream, err)
	}

	e.settled(ctx, tx.ID, ev, route, final)
	return OutcomeSuccess, nil
}

func (e *Engine) release(ctx context.Context, route *model.DepositRoute, amount decimal.Decimal, deduct bool) error {
	if !amount.IsPositive() {
		return nil
	}
	_, err := e.ledger.Unlock(ctx, route.UserID, route.AssetID, amount, deduct)
	return err
}

// adjust credits a positive delta or removes a negative one through a
// lock-then-deduct pair so the balance never goes below the held amount.
func (e *Engine) adjust(ctx context.Context, route *model.DepositRoute, delta decimal.Decimal) error {
	switch {
	case delta.IsPositive():
		_, err := e.ledger.Credit(ctx, route.UserID, route.AssetID, delta)
		return err
	case delta.IsNegative():
		amt := delta.Neg()
		if _, err := e.ledger.Lock(ctx, route.UserID, route.AssetID, amt); err != nil {
			return err
		}
		_, err := e.ledger.Unlock(ctx, route.UserID, route.AssetID, amt, true)
		return err
	}
	return nil
}

func (e *Engine) settled(ctx context.Context, txID string, ev *gateway.Event, route *model.DepositRoute, amount decimal.Decimal) {
	slog.Info("deposit settled",
		"gateway", ev.Gateway, "correlation_key", ev.CorrelationKey, "tx_id", txID,
		"user", route.UserID, "asset", route.AssetID, "amount", amount.String())
	notify.Send(ctx, e.notifier, notify.Notification{
		ID:      notify.TypeDepositSettled + ":" + ev.CorrelationKey,
		Type:    notify.TypeDepositSettled,
		UserID:  route.UserID,
		Subject: "Deposit received",
		Fields: map[string]string{
			"amount":         amount.String(),
			"asset":          route.AssetID,
			"transaction_id": txID,
		},
		Timestamp: e.clock.Now(),
	})
}

// fail closes an interim record and releases its hold without deducting.
// The credit itself stands.
func (e *Engine) fail(ctx context.Context, ev *gateway.Event) (Outcome, error) {
	tx, err := e.records.Find(ctx, ev.CorrelationKey)
	if errors.Is(err, apperr.ErrNotFound) {
		return OutcomeAcknowledged, nil
	}
	if err != nil {
		return "", err
	}
	if tx.Status != model.TxPending {
		return OutcomeAlreadyProcessed, nil
	}

	if err := e.records.Fail(ctx, tx.ID, fmt.Sprintf("%s %s", ev.Gateway, ev.RawStatus)); err != nil {
		if errors.Is(err, apperr.ErrInvalidState) {
			return OutcomeAlreadyProcessed, nil
		}
		return "", err
	}
	if tx.LockedAmount.IsPositive() {
		if _, err := e.ledger.Unlock(ctx, tx.UserID, tx.AssetID, tx.LockedAmount, false); err != nil {
			ledger.Degraded("deposit_fail", "failed deposit hold not released", err,
				"correlation_key", ev.CorrelationKey, "tx_id", tx.ID)
			return "", fmt.Errorf("%w: %v", apperr.ErrDownstream, err)
		}
	}
	slog.Info("deposit failed", "gateway", ev.Gateway, "correlation_key", ev.CorrelationKey,
		"tx_id", tx.ID, "status", ev.RawStatus)
	return OutcomeSuccess, nil
}
