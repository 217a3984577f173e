// Package allocation enforces the limits applied when a claim turns into a
// copy position: a per-position floor and ceiling, and a ceiling on the
// aggregate allocation a single user may have across active positions.
package allocation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/custodia/settlement-engine/internal/apperr"
)

var (
	// ErrBelowMinimum is returned when the allocation is under the floor.
	ErrBelowMinimum = fmt.Errorf("allocation: below minimum: %w", apperr.ErrValidation)

	// ErrAboveMaximum is returned when a single allocation exceeds the ceiling.
	ErrAboveMaximum = fmt.Errorf("allocation: above maximum: %w", apperr.ErrValidation)

	// ErrUserLimitExceeded is returned when the new allocation would push the
	// user's total across active positions beyond the per-user ceiling.
	ErrUserLimitExceeded = fmt.Errorf("allocation: per-user limit exceeded: %w", apperr.ErrValidation)
)

// Limiter holds the allocation bounds. A zero bound is not enforced.
type Limiter struct {
	// Min is the smallest allocation accepted for one position.
	Min decimal.Decimal

	// Max is the largest allocation accepted for one position.
	Max decimal.Decimal

	// MaxPerUser caps the sum of allocations over a user's active positions.
	MaxPerUser decimal.Decimal
}

// NewLimiter creates a limiter with the given bounds.
func NewLimiter(min, max, maxPerUser decimal.Decimal) *Limiter {
	return &Limiter{Min: min, Max: max, MaxPerUser: maxPerUser}
}

// Check validates a requested allocation against the bounds.
//
// Parameters:
//   - amount: the requested allocation, must be positive
//   - existing: allocations of the user's other active positions
//
// Returns nil if the allocation is within limits.
func (l *Limiter) Check(amount decimal.Decimal, existing []decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("allocation must be positive, got %s: %w", amount, apperr.ErrValidation)
	}

	// 1. Per-position bounds.
	if l.Min.IsPositive() && amount.LessThan(l.Min) {
		return fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amount, l.Min)
	}
	if l.Max.IsPositive() && amount.GreaterThan(l.Max) {
		return fmt.Errorf("%w: %s > %s", ErrAboveMaximum, amount, l.Max)
	}

	// 2. Aggregate across the user's active positions.
	if !l.MaxPerUser.IsPositive() {
		return nil
	}
	total := amount
	for _, a := range existing {
		total = total.Add(a)
	}
	if total.GreaterThan(l.MaxPerUser) {
		return fmt.Errorf("%w: %s > %s", ErrUserLimitExceeded, total, l.MaxPerUser)
	}
	return nil
}
