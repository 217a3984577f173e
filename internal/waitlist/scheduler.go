// Package waitlist queues users for copy-traders at capacity and hands out
// time-limited claim tokens as slots free up. A claim turns into a copy
// position through a compensated sequence of independent updates.
package waitlist

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/custodia/settlement-engine/internal/allocation"
	"github.com/custodia/settlement-engine/internal/apperr"
	"github.com/custodia/settlement-engine/internal/clock"
	"github.com/custodia/settlement-engine/internal/copytrade"
	"github.com/custodia/settlement-engine/internal/ledger"
	"github.com/custodia/settlement-engine/internal/metrics"
	"github.com/custodia/settlement-engine/internal/model"
	"github.com/custodia/settlement-engine/internal/notify"
	"github.com/custodia/settlement-engine/internal/store"
)

// Config holds the claim parameters.
type Config struct {
	// ClaimTTL is how long a notified user has to claim a slot.
	ClaimTTL time.Duration

	// BaseURL is prefixed to the token to build the claim link.
	BaseURL string
}

// Scheduler manages the per-trader queues.
type Scheduler struct {
	store     store.Store
	ledger    *ledger.Ledger
	positions *copytrade.Engine
	limiter   *allocation.Limiter
	notifier  notify.Notifier
	clock     clock.Clock
	cfg       Config
}

// NewScheduler creates a scheduler. positions builds the copy position a
// claim turns into; limiter may be nil to accept any positive allocation.
func NewScheduler(st store.Store, positions *copytrade.Engine, limiter *allocation.Limiter, n notify.Notifier, clk clock.Clock, cfg Config) *Scheduler {
	if n == nil {
		n = notify.Nop{}
	}
	if limiter == nil {
		limiter = &allocation.Limiter{}
	}
	return &Scheduler{
		store:     st,
		ledger:    ledger.New(st),
		positions: positions,
		limiter:   limiter,
		notifier:  n,
		clock:     clk,
		cfg:       cfg,
	}
}

// Join queues userID for traderID. Only traders at capacity have a queue,
// and a user who already copies the trader or is already queued cannot join.
func (s *Scheduler) Join(ctx context.Context, userID, traderID string) (*model.WaitlistEntry, error) {
	if userID == "" || traderID == "" {
		return nil, fmt.Errorf("user and trader are required: %w", apperr.ErrValidation)
	}
	t, err := s.store.GetTrader(ctx, traderID)
	if err != nil {
		return nil, err
	}
	if t.HasCapacity() {
		return nil, fmt.Errorf("trader %s has free slots: %w", traderID, apperr.ErrInvalidState)
	}
	active, err := s.store.HasActivePosition(ctx, userID, traderID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, fmt.Errorf("user %s already copies %s: %w", userID, traderID, apperr.ErrDuplicate)
	}

	e := &model.WaitlistEntry{
		ID:        uuid.New().String(),
		UserID:    userID,
		TraderID:  traderID,
		Status:    model.WaitlistWaiting,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.CreateEntry(ctx, e); err != nil {
		return nil, err
	}
	slog.Info("waitlist joined", "entry_id", e.ID, "user", userID, "trader_id", traderID,
		"position_in_queue", e.PositionInQueue)
	return e, nil
}

// Leave removes the user's waiting entry for the trader.
func (s *Scheduler) Leave(ctx context.Context, userID, traderID string) error {
	return s.store.DeleteWaitingEntry(ctx, userID, traderID)
}

// NotifyNext offers every free slot to the next waiting user of each trader
// with capacity, oldest entry first. Slots already offered through an open
// claim are not offered again. It returns how many users were notified.
func (s *Scheduler) NotifyNext(ctx context.Context) (int, error) {
	traders, err := s.store.ListTradersWithCapacity(ctx)
	if err != nil {
		return 0, fmt.Errorf("list traders with capacity: %w", err)
	}

	notified := 0
	for _, t := range traders {
		n, err := s.notifyTrader(ctx, t)
		notified += n
		if err != nil {
			slog.Error("waitlist notification failed", "trader_id", t.ID, "err", err)
		}
	}
	return notified, nil
}

func (s *Scheduler) notifyTrader(ctx context.Context, t model.Trader) (int, error) {
	now := s.clock.Now()
	outstanding, err := s.store.CountOutstandingClaims(ctx, t.ID, now)
	if err != nil {
		return 0, err
	}

	notified := 0
	for free := t.MaxCopiers - t.CurrentCopiers - outstanding; free > 0; free-- {
		e, err := s.store.NextWaiting(ctx, t.ID)
		if errors.Is(err, apperr.ErrNotFound) {
			break
		}
		if err != nil {
			return notified, err
		}

		token, err := NewToken()
		if err != nil {
			return notified, err
		}
		expires := now.Add(s.cfg.ClaimTTL)
		if err := s.store.MarkNotified(ctx, e.ID, token, expires); err != nil {
			return notified, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		notified++
		metrics.ClaimsTotal.WithLabelValues("notified").Inc()
		slog.Info("waitlist slot offered", "entry_id", e.ID, "user", e.UserID, "trader_id", t.ID,
			"expires_at", expires)

		notify.Send(ctx, s.notifier, notify.Notification{
			ID:      notify.TypeWaitlistClaim + ":" + e.ID,
			Type:    notify.TypeWaitlistClaim,
			UserID:  e.UserID,
			Subject: "A copy slot is available for " + t.DisplayName,
			Fields: map[string]string{
				"trader_id":  t.ID,
				"claim_url":  s.ClaimURL(token),
				"expires_at": expires.Format(time.RFC3339),
			},
			Timestamp: now,
		})
	}
	return notified, nil
}

// ClaimURL returns the link a notified user follows to claim.
func (s *Scheduler) ClaimURL(token string) string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/" + token
}

// ExpireClaims moves every notified entry past its deadline to expired and
// returns how many changed. An expired entry never changes again.
func (s *Scheduler) ExpireClaims(ctx context.Context) (int, error) {
	now := s.clock.Now()
	expired, err := s.store.ExpireClaims(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("expire claims: %w", err)
	}
	for _, e := range expired {
		metrics.ClaimsTotal.WithLabelValues("expired").Inc()
		slog.Info("claim expired", "entry_id", e.ID, "user", e.UserID, "trader_id", e.TraderID)
		notify.Send(ctx, s.notifier, notify.Notification{
			ID:        notify.TypeClaimExpired + ":" + e.ID,
			Type:      notify.TypeClaimExpired,
			UserID:    e.UserID,
			Fields:    map[string]string{"trader_id": e.TraderID},
			Timestamp: now,
		})
	}
	return len(expired), nil
}

// ClaimInfo is what a claim link shows before the user commits.
type ClaimInfo struct {
	EntryID          string               `json:"entry_id"`
	Status           model.WaitlistStatus `json:"status"`
	TraderID         string               `json:"trader_id"`
	TraderName       string               `json:"trader_name"`
	MonthlyROI       decimal.Decimal      `json:"monthly_roi"`
	WinRate          decimal.Decimal      `json:"win_rate"`
	CurrentCopiers   int                  `json:"current_copiers"`
	MaxCopiers       int                  `json:"max_copiers"`
	ExpiresAt        time.Time            `json:"expires_at"`
	RemainingSeconds int64                `json:"remaining_seconds"`
}

// Lookup resolves a claim token. It fails with apperr.ErrExpired once the
// deadline has passed, even before the tick has marked the entry expired.
func (s *Scheduler) Lookup(ctx context.Context, token string) (*ClaimInfo, error) {
	e, err := s.openEntry(ctx, token)
	if err != nil && !errors.Is(err, apperr.ErrDuplicate) {
		return nil, err
	}
	t, terr := s.store.GetTrader(ctx, e.TraderID)
	if terr != nil {
		return nil, terr
	}

	info := &ClaimInfo{
		EntryID:        e.ID,
		Status:         e.Status,
		TraderID:       t.ID,
		TraderName:     t.DisplayName,
		MonthlyROI:     t.Stats.MonthlyROI,
		WinRate:        t.Stats.WinRate,
		CurrentCopiers: t.CurrentCopiers,
		MaxCopiers:     t.MaxCopiers,
	}
	if e.ClaimExpiresAt != nil {
		info.ExpiresAt = *e.ClaimExpiresAt
		if e.Status == model.WaitlistNotified {
			info.RemainingSeconds = int64(e.ClaimExpiresAt.Sub(s.clock.Now()).Seconds())
		}
	}
	return info, nil
}

// openEntry returns the entry behind token. A claimed entry is returned
// together with apperr.ErrDuplicate.
func (s *Scheduler) openEntry(ctx context.Context, token string) (*model.WaitlistEntry, error) {
	if token == "" {
		return nil, fmt.Errorf("claim token: %w", apperr.ErrNotFound)
	}
	e, err := s.store.GetByClaimToken(ctx, token)
	if err != nil {
		return nil, err
	}
	switch e.Status {
	case model.WaitlistClaimed:
		return e, fmt.Errorf("entry %s: %w", e.ID, apperr.ErrDuplicate)
	case model.WaitlistExpired:
		return nil, fmt.Errorf("entry %s: %w", e.ID, apperr.ErrExpired)
	case model.WaitlistNotified:
	default:
		return nil, fmt.Errorf("entry %s is %s: %w", e.ID, e.Status, apperr.ErrInvalidState)
	}
	if e.ClaimExpiresAt == nil || s.clock.Now().After(*e.ClaimExpiresAt) {
		return nil, fmt.Errorf("entry %s: %w", e.ID, apperr.ErrExpired)
	}
	return e, nil
}

// Claim turns an open claim into an active copy position funded with
// allocation from the user's settlement-asset balance:
//
//  1. reserve a copier slot on the trader (conditional on capacity)
//  2. debit the allocation from the funding balance
//  3. create the active position
//  4. mark the entry claimed (conditional on the deadline)
//
// A failing step undoes the ones before it. Replaying a claimed token
// fails with apperr.ErrDuplicate.
func (s *Scheduler) Claim(ctx context.Context, token string, amount decimal.Decimal) (*model.CopyPosition, error) {
	e, err := s.openEntry(ctx, token)
	if err != nil {
		return nil, err
	}

	existing, err := s.userAllocations(ctx, e.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.limiter.Check(amount, existing); err != nil {
		return nil, err
	}

	asset := s.positions.SettlementAsset()
	var pos *model.CopyPosition
	saga := ledger.NewSaga("waitlist_claim", "entry_id", e.ID, "user", e.UserID, "trader_id", e.TraderID)

	if err := saga.Do(ctx, "reserve_slot",
		func(ctx context.Context) error {
			t, err := s.store.ReserveCopier(ctx, e.TraderID, amount)
			if err != nil {
				return err
			}
			pos = s.positions.NewPosition(e.UserID, t, amount)
			return nil
		},
		func(ctx context.Context) error { return s.store.ReleaseCopier(ctx, e.TraderID, amount) },
	); err != nil {
		return nil, s.failed(err)
	}

	if err := saga.Do(ctx, "debit_allocation",
		func(ctx context.Context) error { return s.ledger.Debit(ctx, e.UserID, asset, amount) },
		func(ctx context.Context) error {
			_, err := s.ledger.Credit(ctx, e.UserID, asset, amount)
			return err
		},
	); err != nil {
		return nil, s.failed(err)
	}

	if err := saga.Do(ctx, "create_position",
		func(ctx context.Context) error {
			err := s.store.CreatePosition(ctx, pos)
			if errors.Is(err, apperr.ErrDuplicate) {
				return fmt.Errorf("user %s already copies %s: %w", e.UserID, e.TraderID, apperr.ErrInvalidState)
			}
			return err
		},
		func(ctx context.Context) error { return s.store.DeletePosition(ctx, pos.ID) },
	); err != nil {
		return nil, s.failed(err)
	}

	if err := saga.Do(ctx, "mark_claimed",
		func(ctx context.Context) error { return s.store.MarkClaimed(ctx, e.ID, s.clock.Now()) },
		nil,
	); err != nil {
		return nil, s.failed(err)
	}

	metrics.ClaimsTotal.WithLabelValues("claimed").Inc()
	slog.Info("claim completed", "entry_id", e.ID, "user", e.UserID, "trader_id", e.TraderID,
		"position_id", pos.ID, "allocation", amount.String())
	return pos, nil
}

func (s *Scheduler) failed(err error) error {
	metrics.ClaimsTotal.WithLabelValues(apperr.Kind(err)).Inc()
	return err
}

func (s *Scheduler) userAllocations(ctx context.Context, userID string) ([]decimal.Decimal, error) {
	active, err := s.store.ListActivePositions(ctx)
	if err != nil {
		return nil, err
	}
	var out []decimal.Decimal
	for _, p := range active {
		if p.UserID == userID {
			out = append(out, p.Allocation)
		}
	}
	return out, nil
}

// NewToken returns an unguessable claim token.
func NewToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("claim token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
