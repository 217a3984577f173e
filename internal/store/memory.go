package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/custodia/settlement-engine/internal/apperr"
	"github.com/custodia/settlement-engine/internal/clock"
	"github.com/custodia/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single mutex makes each method one atomic step, which is the same
// guarantee the Postgres conditional updates give.
type MemoryStore struct {
	mu        sync.RWMutex
	balances  map[string]*model.BalanceAccount // userID|assetID
	txs       map[string]*model.Transaction    // id
	txByKey   map[string]string                // correlation key -> id
	routes    map[string]*model.DepositRoute   // gateway|kind|externalID
	traders   map[string]*model.Trader
	positions map[string]*model.CopyPosition
	waitlist  map[string]*model.WaitlistEntry
	clock     clock.Clock

	// Fail hooks let tests inject a ledger failure for one user.
	failCredit map[string]error
	failLock   map[string]error
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock stamps row updates from clk instead of the system clock.
func WithClock(clk clock.Clock) MemoryOption {
	return func(s *MemoryStore) { s.clock = clk }
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		balances:   make(map[string]*model.BalanceAccount),
		txs:        make(map[string]*model.Transaction),
		txByKey:    make(map[string]string),
		routes:     make(map[string]*model.DepositRoute),
		traders:    make(map[string]*model.Trader),
		positions:  make(map[string]*model.CopyPosition),
		waitlist:   make(map[string]*model.WaitlistEntry),
		failCredit: make(map[string]error),
		failLock:   make(map[string]error),
		clock:      clock.System{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailCredit makes every Credit for userID return err until cleared with nil.
func (s *MemoryStore) FailCredit(userID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failCredit, userID)
		return
	}
	s.failCredit[userID] = err
}

// FailLock makes every Lock for userID return err until cleared with nil.
func (s *MemoryStore) FailLock(userID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failLock, userID)
		return
	}
	s.failLock[userID] = err
}

func balanceKey(userID, assetID string) string { return userID + "|" + assetID }

func routeKey(gateway string, kind model.RouteKind, externalID string) string {
	return gateway + "|" + string(kind) + "|" + externalID
}

// --- Balances ---

func (s *MemoryStore) account(userID, assetID string) *model.BalanceAccount {
	k := balanceKey(userID, assetID)
	a, ok := s.balances[k]
	if !ok {
		a = &model.BalanceAccount{UserID: userID, AssetID: assetID}
		s.balances[k] = a
	}
	return a
}

func (s *MemoryStore) Credit(_ context.Context, userID, assetID string, amount decimal.Decimal) (model.BalanceAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failCredit[userID]; err != nil {
		return model.BalanceAccount{}, err
	}
	a := s.account(userID, assetID)
	a.Balance = a.Balance.Add(amount)
	a.UpdatedAt = s.clock.Now()
	return *a, nil
}

func (s *MemoryStore) Lock(_ context.Context, userID, assetID string, amount decimal.Decimal) (model.BalanceAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failLock[userID]; err != nil {
		return model.BalanceAccount{}, err
	}
	a := s.account(userID, assetID)
	if a.LockedBalance.Add(amount).GreaterThan(a.Balance) {
		return *a, fmt.Errorf("lock %s %s for %s: %w", amount, assetID, userID, apperr.ErrInsufficientBalance)
	}
	a.LockedBalance = a.LockedBalance.Add(amount)
	a.UpdatedAt = s.clock.Now()
	return *a, nil
}

func (s *MemoryStore) Unlock(_ context.Context, userID, assetID string, amount decimal.Decimal, deduct bool) (model.BalanceAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.account(userID, assetID)
	if amount.GreaterThan(a.LockedBalance) {
		return *a, fmt.Errorf("unlock %s %s for %s: %w", amount, assetID, userID, apperr.ErrInvalidState)
	}
	a.LockedBalance = a.LockedBalance.Sub(amount)
	if deduct {
		a.Balance = a.Balance.Sub(amount)
	}
	a.UpdatedAt = s.clock.Now()
	return *a, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID, assetID string) (model.BalanceAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.balances[balanceKey(userID, assetID)]; ok {
		return *a, nil
	}
	return model.BalanceAccount{UserID: userID, AssetID: assetID}, nil
}

// --- Transactions ---

func (s *MemoryStore) FindByCorrelationKey(_ context.Context, key string) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.txByKey[key]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", key, apperr.ErrNotFound)
	}
	copy := *s.txs[id]
	return &copy, nil
}

func (s *MemoryStore) CreateTransaction(_ context.Context, tx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.CorrelationKey != "" {
		if _, exists := s.txByKey[tx.CorrelationKey]; exists {
			return fmt.Errorf("transaction %s: %w", tx.CorrelationKey, apperr.ErrDuplicate)
		}
		s.txByKey[tx.CorrelationKey] = tx.ID
	}
	copy := *tx
	s.txs[tx.ID] = &copy
	return nil
}

func (s *MemoryStore) pendingTx(id string) (*model.Transaction, error) {
	tx, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, apperr.ErrNotFound)
	}
	if tx.Status != model.TxPending {
		return nil, fmt.Errorf("transaction %s is %s: %w", id, tx.Status, apperr.ErrInvalidState)
	}
	return tx, nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, id string, finalAmount decimal.Decimal, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.pendingTx(id)
	if err != nil {
		return err
	}
	tx.Status = model.TxCompleted
	tx.Amount = finalAmount
	t := completedAt
	tx.CompletedAt = &t
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.pendingTx(id)
	if err != nil {
		return err
	}
	tx.Status = model.TxFailed
	tx.Notes = reason
	return nil
}

func (s *MemoryStore) SetLockedAmount(_ context.Context, id string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.pendingTx(id)
	if err != nil {
		return err
	}
	tx.LockedAmount = amount
	return nil
}

func (s *MemoryStore) DeleteTransaction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, apperr.ErrNotFound)
	}
	delete(s.txByKey, tx.CorrelationKey)
	delete(s.txs, id)
	return nil
}

// Transactions returns a snapshot of every transaction, for tests.
func (s *MemoryStore) Transactions() []model.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Transaction, 0, len(s.txs))
	for _, tx := range s.txs {
		out = append(out, *tx)
	}
	return out
}

// --- Routes ---

func (s *MemoryStore) FindRoute(_ context.Context, gateway string, kind model.RouteKind, externalID string) (*model.DepositRoute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.routes[routeKey(gateway, kind, externalID)]
	if !ok {
		return nil, fmt.Errorf("%s route %s/%s: %w", kind, gateway, externalID, apperr.ErrNotFound)
	}
	copy := *r
	return &copy, nil
}

func (s *MemoryStore) SaveRoute(_ context.Context, r *model.DepositRoute) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *r
	s.routes[routeKey(r.Gateway, r.Kind, r.ExternalID)] = &copy
	return nil
}

// --- Traders ---

func (s *MemoryStore) GetTrader(_ context.Context, id string) (*model.Trader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.traders[id]
	if !ok {
		return nil, fmt.Errorf("trader %s: %w", id, apperr.ErrNotFound)
	}
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) SaveTrader(_ context.Context, t *model.Trader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *t
	s.traders[t.ID] = &copy
	return nil
}

func (s *MemoryStore) ListTraders(_ context.Context) ([]model.Trader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	traders := make([]model.Trader, 0, len(s.traders))
	for _, t := range s.traders {
		traders = append(traders, *t)
	}
	sort.Slice(traders, func(i, j int) bool { return traders[i].ID < traders[j].ID })
	return traders, nil
}

func (s *MemoryStore) ListTradersWithCapacity(ctx context.Context) ([]model.Trader, error) {
	all, err := s.ListTraders(ctx)
	if err != nil {
		return nil, err
	}
	var open []model.Trader
	for _, t := range all {
		if t.HasCapacity() {
			open = append(open, t)
		}
	}
	return open, nil
}

func (s *MemoryStore) ReserveCopier(_ context.Context, id string, aum decimal.Decimal) (*model.Trader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.traders[id]
	if !ok {
		return nil, fmt.Errorf("trader %s: %w", id, apperr.ErrNotFound)
	}
	if !t.HasCapacity() {
		return nil, fmt.Errorf("trader %s %d/%d: %w", id, t.CurrentCopiers, t.MaxCopiers, apperr.ErrAtCapacity)
	}
	t.CurrentCopiers++
	t.AUM = t.AUM.Add(aum)
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) ReleaseCopier(_ context.Context, id string, aum decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.traders[id]
	if !ok {
		return fmt.Errorf("trader %s: %w", id, apperr.ErrNotFound)
	}
	if t.CurrentCopiers > 0 {
		t.CurrentCopiers--
	}
	t.AUM = decimal.Max(t.AUM.Sub(aum), decimal.Zero)
	return nil
}

func (s *MemoryStore) ClampMonthlyROI(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, t := range s.traders {
		st := &t.Stats
		if st.HistoricalROIMin.GreaterThan(st.HistoricalROIMax) {
			continue
		}
		clamped := decimal.Min(decimal.Max(st.MonthlyROI, st.HistoricalROIMin), st.HistoricalROIMax)
		if !clamped.Equal(st.MonthlyROI) {
			st.MonthlyROI = clamped
			changed++
		}
	}
	return changed, nil
}

// --- Positions ---

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.CopyPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.positions[p.ID]; exists {
		return fmt.Errorf("position %s: %w", p.ID, apperr.ErrDuplicate)
	}
	for _, other := range s.positions {
		if other.UserID == p.UserID && other.TraderID == p.TraderID && other.Status == model.PositionActive {
			return fmt.Errorf("position %s/%s: %w", p.UserID, p.TraderID, apperr.ErrDuplicate)
		}
	}
	copy := *p
	if p.Simulation != nil {
		sim := *p.Simulation
		copy.Simulation = &sim
	}
	s.positions[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.CopyPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, apperr.ErrNotFound)
	}
	return clonePosition(p), nil
}

func (s *MemoryStore) ListActivePositions(_ context.Context) ([]model.CopyPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []model.CopyPosition
	for _, p := range s.positions {
		if p.Status == model.PositionActive {
			active = append(active, *clonePosition(p))
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].StartedAt.Before(active[j].StartedAt) })
	return active, nil
}

func (s *MemoryStore) HasActivePosition(_ context.Context, userID, traderID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.positions {
		if p.UserID == userID && p.TraderID == traderID && p.Status == model.PositionActive {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) activePosition(id string) (*model.CopyPosition, error) {
	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, apperr.ErrNotFound)
	}
	if p.Status != model.PositionActive {
		return nil, fmt.Errorf("position %s is %s: %w", id, p.Status, apperr.ErrInvalidState)
	}
	return p, nil
}

func (s *MemoryStore) UpdateSimulation(_ context.Context, id string, pnl decimal.Decimal, sim model.SimulationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.activePosition(id)
	if err != nil {
		return err
	}
	p.CurrentPnL = pnl
	p.Simulation = &sim
	return nil
}

func (s *MemoryStore) ClosePosition(_ context.Context, id string, status model.PositionStatus, finalPnL, fee decimal.Decimal, stoppedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.activePosition(id)
	if err != nil {
		return err
	}
	final := finalPnL
	at := stoppedAt
	p.Status = status
	p.FinalPnL = &final
	p.PerformanceFeePaid = fee
	p.StoppedAt = &at
	return nil
}

func (s *MemoryStore) ReopenPosition(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("position %s: %w", id, apperr.ErrNotFound)
	}
	p.Status = model.PositionActive
	p.FinalPnL = nil
	p.StoppedAt = nil
	p.PerformanceFeePaid = decimal.Zero
	return nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.positions, id)
	return nil
}

func clonePosition(p *model.CopyPosition) *model.CopyPosition {
	copy := *p
	if p.Simulation != nil {
		sim := *p.Simulation
		copy.Simulation = &sim
	}
	return &copy
}

// --- Waitlist ---

func (s *MemoryStore) CreateEntry(_ context.Context, e *model.WaitlistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued := 0
	for _, w := range s.waitlist {
		if w.TraderID != e.TraderID {
			continue
		}
		open := w.Status == model.WaitlistWaiting || w.Status == model.WaitlistNotified
		if open && w.UserID == e.UserID {
			return fmt.Errorf("waitlist %s/%s: %w", e.UserID, e.TraderID, apperr.ErrDuplicate)
		}
		if w.Status == model.WaitlistWaiting {
			queued++
		}
	}
	copy := *e
	copy.Status = model.WaitlistWaiting
	copy.PositionInQueue = queued + 1
	s.waitlist[e.ID] = &copy
	e.PositionInQueue = copy.PositionInQueue
	e.Status = copy.Status
	return nil
}

func (s *MemoryStore) DeleteWaitingEntry(_ context.Context, userID, traderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range s.waitlist {
		if w.UserID == userID && w.TraderID == traderID && w.Status == model.WaitlistWaiting {
			delete(s.waitlist, id)
			return nil
		}
	}
	return fmt.Errorf("waitlist %s/%s: %w", userID, traderID, apperr.ErrNotFound)
}

func (s *MemoryStore) NextWaiting(_ context.Context, traderID string) (*model.WaitlistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var next *model.WaitlistEntry
	for _, w := range s.waitlist {
		if w.TraderID != traderID || w.Status != model.WaitlistWaiting {
			continue
		}
		if next == nil || w.CreatedAt.Before(next.CreatedAt) ||
			(w.CreatedAt.Equal(next.CreatedAt) && w.ID < next.ID) {
			next = w
		}
	}
	if next == nil {
		return nil, fmt.Errorf("waitlist for trader %s: %w", traderID, apperr.ErrNotFound)
	}
	copy := *next
	return &copy, nil
}

func (s *MemoryStore) CountOutstandingClaims(_ context.Context, traderID string, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, w := range s.waitlist {
		if w.TraderID == traderID && w.Status == model.WaitlistNotified &&
			w.ClaimExpiresAt != nil && !now.After(*w.ClaimExpiresAt) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkNotified(_ context.Context, id, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.waitlist[id]
	if !ok {
		return fmt.Errorf("waitlist entry %s: %w", id, apperr.ErrNotFound)
	}
	if w.Status != model.WaitlistWaiting {
		return fmt.Errorf("waitlist entry %s is %s: %w", id, w.Status, apperr.ErrInvalidState)
	}
	at := expiresAt
	w.Status = model.WaitlistNotified
	w.ClaimToken = token
	w.ClaimExpiresAt = &at
	return nil
}

func (s *MemoryStore) ExpireClaims(_ context.Context, now time.Time) ([]model.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []model.WaitlistEntry
	for _, w := range s.waitlist {
		if w.Status == model.WaitlistNotified && w.ClaimExpiresAt != nil && now.After(*w.ClaimExpiresAt) {
			w.Status = model.WaitlistExpired
			expired = append(expired, *w)
		}
	}
	return expired, nil
}

func (s *MemoryStore) GetByClaimToken(_ context.Context, token string) (*model.WaitlistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, w := range s.waitlist {
		if token != "" && w.ClaimToken == token {
			copy := *w
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("claim token: %w", apperr.ErrNotFound)
}

func (s *MemoryStore) MarkClaimed(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.waitlist[id]
	if !ok {
		return fmt.Errorf("waitlist entry %s: %w", id, apperr.ErrNotFound)
	}
	if w.Status != model.WaitlistNotified {
		return fmt.Errorf("waitlist entry %s is %s: %w", id, w.Status, apperr.ErrInvalidState)
	}
	if w.ClaimExpiresAt == nil || now.After(*w.ClaimExpiresAt) {
		return fmt.Errorf("waitlist entry %s: %w", id, apperr.ErrExpired)
	}
	w.Status = model.WaitlistClaimed
	return nil
}

// WaitlistEntries returns a snapshot of every entry for a trader, for tests.
func (s *MemoryStore) WaitlistEntries(traderID string) []model.WaitlistEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.WaitlistEntry
	for _, w := range s.waitlist {
		if w.TraderID == traderID {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
