package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/custodia/settlement-engine/internal/apperr"
	"github.com/custodia/settlement-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// every balance or counter mutation is one conditional UPDATE.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// --- Balances ---

const balanceCols = `user_id, asset_id, balance::TEXT, locked_balance::TEXT, updated_at`

func scanBalance(row scanner) (model.BalanceAccount, error) {
	var a model.BalanceAccount
	var bal, locked string
	if err := row.Scan(&a.UserID, &a.AssetID, &bal, &locked, &a.UpdatedAt); err != nil {
		return a, err
	}
	a.Balance = dec(bal)
	a.LockedBalance = dec(locked)
	return a, nil
}

func (s *PostgresStore) Credit(ctx context.Context, userID, assetID string, amount decimal.Decimal) (model.BalanceAccount, error) {
	a, err := scanBalance(s.pool.QueryRow(ctx,
		`INSERT INTO balance_accounts (user_id, asset_id, balance, locked_balance, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, 0, NOW())
		 ON CONFLICT (user_id, asset_id)
		 DO UPDATE SET balance = balance_accounts.balance + EXCLUDED.balance, updated_at = NOW()
		 RETURNING `+balanceCols,
		userID, assetID, amount.String()))
	if err != nil {
		return a, fmt.Errorf("credit %s %s: %w", userID, assetID, err)
	}
	return a, nil
}

func (s *PostgresStore) Lock(ctx context.Context, userID, assetID string, amount decimal.Decimal) (model.BalanceAccount, error) {
	a, err := scanBalance(s.pool.QueryRow(ctx,
		`UPDATE balance_accounts
		 SET locked_balance = locked_balance + $3::NUMERIC, updated_at = NOW()
		 WHERE user_id = $1 AND asset_id = $2 AND locked_balance + $3::NUMERIC <= balance
		 RETURNING `+balanceCols,
		userID, assetID, amount.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return a, fmt.Errorf("lock %s %s for %s: %w", amount, assetID, userID, apperr.ErrInsufficientBalance)
	}
	if err != nil {
		return a, fmt.Errorf("lock %s %s: %w", userID, assetID, err)
	}
	return a, nil
}

func (s *PostgresStore) Unlock(ctx context.Context, userID, assetID string, amount decimal.Decimal, deduct bool) (model.BalanceAccount, error) {
	a, err := scanBalance(s.pool.QueryRow(ctx,
		`UPDATE balance_accounts
		 SET locked_balance = locked_balance - $3::NUMERIC,
		     balance = balance - CASE WHEN $4 THEN $3::NUMERIC ELSE 0 END,
		     updated_at = NOW()
		 WHERE user_id = $1 AND asset_id = $2 AND locked_balance >= $3::NUMERIC
		 RETURNING `+balanceCols,
		userID, assetID, amount.String(), deduct))
	if errors.Is(err, pgx.ErrNoRows) {
		return a, fmt.Errorf("unlock %s %s for %s: %w", amount, assetID, userID, apperr.ErrInvalidState)
	}
	if err != nil {
		return a, fmt.Errorf("unlock %s %s: %w", userID, assetID, err)
	}
	return a, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID, assetID string) (model.BalanceAccount, error) {
	a, err := scanBalance(s.pool.QueryRow(ctx,
		`SELECT `+balanceCols+` FROM balance_accounts WHERE user_id = $1 AND asset_id = $2`,
		userID, assetID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.BalanceAccount{UserID: userID, AssetID: assetID}, nil
	}
	if err != nil {
		return a, fmt.Errorf("get balance %s %s: %w", userID, assetID, err)
	}
	return a, nil
}

// --- Transactions ---

func (s *PostgresStore) FindByCorrelationKey(ctx context.Context, key string) (*model.Transaction, error) {
	var tx model.Transaction
	var amount, locked, kind, status string
	var corr *string

	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, asset_id, kind, amount::TEXT, locked_amount::TEXT, status,
		        external_correlation_key, counterparty_id, notes, created_at, completed_at
		 FROM transactions WHERE external_correlation_key = $1`, key).
		Scan(&tx.ID, &tx.UserID, &tx.AssetID, &kind, &amount, &locked, &status,
			&corr, &tx.CounterpartyID, &tx.Notes, &tx.CreatedAt, &tx.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", key, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction %s: %w", key, err)
	}

	tx.Kind = model.TxKind(kind)
	tx.Status = model.TxStatus(status)
	tx.Amount = dec(amount)
	tx.LockedAmount = dec(locked)
	if corr != nil {
		tx.CorrelationKey = *corr
	}
	return &tx, nil
}

func (s *PostgresStore) CreateTransaction(ctx context.Context, tx *model.Transaction) error {
	var corr *string
	if tx.CorrelationKey != "" {
		corr = &tx.CorrelationKey
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (id, user_id, asset_id, kind, amount, locked_amount, status,
		                           external_correlation_key, counterparty_id, notes, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11, $12)`,
		tx.ID, tx.UserID, tx.AssetID, string(tx.Kind), tx.Amount.String(), tx.LockedAmount.String(),
		string(tx.Status), corr, tx.CounterpartyID, tx.Notes, tx.CreatedAt, tx.CompletedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("transaction %s: %w", tx.CorrelationKey, apperr.ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id string, finalAmount decimal.Decimal, completedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transactions SET status = 'completed', amount = $2::NUMERIC, completed_at = $3
		 WHERE id = $1 AND status = 'pending'`,
		id, finalAmount.String(), completedAt)
	if err != nil {
		return fmt.Errorf("complete transaction %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s not pending: %w", id, apperr.ErrInvalidState)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transactions SET status = 'failed', notes = $2
		 WHERE id = $1 AND status = 'pending'`, id, reason)
	if err != nil {
		return fmt.Errorf("fail transaction %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s not pending: %w", id, apperr.ErrInvalidState)
	}
	return nil
}

func (s *PostgresStore) SetLockedAmount(ctx context.Context, id string, amount decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transactions SET locked_amount = $2::NUMERIC
		 WHERE id = $1 AND status = 'pending'`, id, amount.String())
	if err != nil {
		return fmt.Errorf("set locked amount %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s not pending: %w", id, apperr.ErrInvalidState)
	}
	return nil
}

func (s *PostgresStore) DeleteTransaction(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	return err
}

// --- Routes ---

func (s *PostgresStore) FindRoute(ctx context.Context, gateway string, kind model.RouteKind, externalID string) (*model.DepositRoute, error) {
	var r model.DepositRoute
	var k string
	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, gateway, external_id, network, user_id, asset_id, created_at
		 FROM deposit_routes WHERE gateway = $1 AND kind = $2 AND external_id = $3`,
		gateway, string(kind), externalID).
		Scan(&r.ID, &k, &r.Gateway, &r.ExternalID, &r.Network, &r.UserID, &r.AssetID, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s route %s/%s: %w", kind, gateway, externalID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find route %s/%s: %w", gateway, externalID, err)
	}
	r.Kind = model.RouteKind(k)
	return &r, nil
}

func (s *PostgresStore) SaveRoute(ctx context.Context, r *model.DepositRoute) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deposit_routes (id, kind, gateway, external_id, network, user_id, asset_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (gateway, kind, external_id)
		 DO UPDATE SET network = EXCLUDED.network, user_id = EXCLUDED.user_id, asset_id = EXCLUDED.asset_id`,
		r.ID, string(r.Kind), r.Gateway, r.ExternalID, r.Network, r.UserID, r.AssetID, r.CreatedAt)
	return err
}

// --- Traders ---

const traderCols = `id, display_name, current_copiers, max_copiers, aum::TEXT, fee_rate::TEXT,
	monthly_roi::TEXT, historical_roi_min::TEXT, historical_roi_max::TEXT, win_rate::TEXT`

func scanTrader(row scanner) (*model.Trader, error) {
	var t model.Trader
	var aum, fee, roi, roiMin, roiMax, win string
	if err := row.Scan(&t.ID, &t.DisplayName, &t.CurrentCopiers, &t.MaxCopiers,
		&aum, &fee, &roi, &roiMin, &roiMax, &win); err != nil {
		return nil, err
	}
	t.AUM = dec(aum)
	t.FeeRate = dec(fee)
	t.Stats = model.TraderStats{
		MonthlyROI:       dec(roi),
		HistoricalROIMin: dec(roiMin),
		HistoricalROIMax: dec(roiMax),
		WinRate:          dec(win),
	}
	return &t, nil
}

func (s *PostgresStore) GetTrader(ctx context.Context, id string) (*model.Trader, error) {
	t, err := scanTrader(s.pool.QueryRow(ctx, `SELECT `+traderCols+` FROM traders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("trader %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get trader %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) SaveTrader(ctx context.Context, t *model.Trader) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO traders (id, display_name, current_copiers, max_copiers, aum, fee_rate,
		                      monthly_roi, historical_roi_min, historical_roi_max, win_rate)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET
		     display_name = EXCLUDED.display_name, max_copiers = EXCLUDED.max_copiers,
		     fee_rate = EXCLUDED.fee_rate, monthly_roi = EXCLUDED.monthly_roi,
		     historical_roi_min = EXCLUDED.historical_roi_min,
		     historical_roi_max = EXCLUDED.historical_roi_max, win_rate = EXCLUDED.win_rate`,
		t.ID, t.DisplayName, t.CurrentCopiers, t.MaxCopiers, t.AUM.String(), t.FeeRate.String(),
		t.Stats.MonthlyROI.String(), t.Stats.HistoricalROIMin.String(),
		t.Stats.HistoricalROIMax.String(), t.Stats.WinRate.String())
	return err
}

func (s *PostgresStore) listTraders(ctx context.Context, where string) ([]model.Trader, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+traderCols+` FROM traders `+where+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var traders []model.Trader
	for rows.Next() {
		t, err := scanTrader(rows)
		if err != nil {
			return nil, err
		}
		traders = append(traders, *t)
	}
	return traders, rows.Err()
}

func (s *PostgresStore) ListTraders(ctx context.Context) ([]model.Trader, error) {
	return s.listTraders(ctx, "")
}

func (s *PostgresStore) ListTradersWithCapacity(ctx context.Context) ([]model.Trader, error) {
	return s.listTraders(ctx, "WHERE current_copiers < max_copiers")
}

func (s *PostgresStore) ReserveCopier(ctx context.Context, id string, aum decimal.Decimal) (*model.Trader, error) {
	t, err := scanTrader(s.pool.QueryRow(ctx,
		`UPDATE traders SET current_copiers = current_copiers + 1, aum = aum + $2::NUMERIC
		 WHERE id = $1 AND current_copiers < max_copiers
		 RETURNING `+traderCols, id, aum.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetTrader(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("trader %s: %w", id, apperr.ErrAtCapacity)
	}
	if err != nil {
		return nil, fmt.Errorf("reserve copier %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) ReleaseCopier(ctx context.Context, id string, aum decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE traders SET current_copiers = GREATEST(current_copiers - 1, 0),
		                    aum = GREATEST(aum - $2::NUMERIC, 0)
		 WHERE id = $1`, id, aum.String())
	if err != nil {
		return fmt.Errorf("release copier %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trader %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ClampMonthlyROI(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE traders
		 SET monthly_roi = LEAST(GREATEST(monthly_roi, historical_roi_min), historical_roi_max)
		 WHERE historical_roi_min <= historical_roi_max
		   AND (monthly_roi < historical_roi_min OR monthly_roi > historical_roi_max)`)
	if err != nil {
		return 0, fmt.Errorf("clamp monthly roi: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Positions ---

const positionCols = `id, user_id, trader_id, asset_id, allocation::TEXT, current_pnl::TEXT, status,
	started_at, stopped_at, final_pnl::TEXT, performance_fee_paid::TEXT, simulation_state`

func scanPosition(row scanner) (*model.CopyPosition, error) {
	var p model.CopyPosition
	var alloc, pnl, status, fee string
	var final *string
	var sim []byte
	if err := row.Scan(&p.ID, &p.UserID, &p.TraderID, &p.AssetID, &alloc, &pnl, &status,
		&p.StartedAt, &p.StoppedAt, &final, &fee, &sim); err != nil {
		return nil, err
	}
	p.Allocation = dec(alloc)
	p.CurrentPnL = dec(pnl)
	p.Status = model.PositionStatus(status)
	p.PerformanceFeePaid = dec(fee)
	if final != nil {
		f := dec(*final)
		p.FinalPnL = &f
	}
	if len(sim) > 0 {
		var st model.SimulationState
		if err := json.Unmarshal(sim, &st); err == nil {
			p.Simulation = &st
		}
	}
	return &p, nil
}

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.CopyPosition) error {
	var sim []byte
	if p.Simulation != nil {
		var err error
		if sim, err = json.Marshal(p.Simulation); err != nil {
			return err
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO copy_positions (id, user_id, trader_id, asset_id, allocation, current_pnl, status,
		                             started_at, performance_fee_paid, simulation_state)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, 0, $9)`,
		p.ID, p.UserID, p.TraderID, p.AssetID, p.Allocation.String(), p.CurrentPnL.String(),
		string(p.Status), p.StartedAt, sim)
	if isUniqueViolation(err) {
		return fmt.Errorf("position %s/%s: %w", p.UserID, p.TraderID, apperr.ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.CopyPosition, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, `SELECT `+positionCols+` FROM copy_positions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListActivePositions(ctx context.Context) ([]model.CopyPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM copy_positions WHERE status = 'active' ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.CopyPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) HasActivePosition(ctx context.Context, userID, traderID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM copy_positions
		                WHERE user_id = $1 AND trader_id = $2 AND status = 'active')`,
		userID, traderID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) UpdateSimulation(ctx context.Context, id string, pnl decimal.Decimal, sim model.SimulationState) error {
	data, err := json.Marshal(sim)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE copy_positions SET current_pnl = $2::NUMERIC, simulation_state = $3
		 WHERE id = $1 AND status = 'active'`, id, pnl.String(), data)
	if err != nil {
		return fmt.Errorf("update simulation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s not active: %w", id, apperr.ErrInvalidState)
	}
	return nil
}

func (s *PostgresStore) ClosePosition(ctx context.Context, id string, status model.PositionStatus, finalPnL, fee decimal.Decimal, stoppedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE copy_positions
		 SET status = $2, final_pnl = $3::NUMERIC, performance_fee_paid = $4::NUMERIC, stopped_at = $5
		 WHERE id = $1 AND status = 'active'`,
		id, string(status), finalPnL.String(), fee.String(), stoppedAt)
	if err != nil {
		return fmt.Errorf("close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s not active: %w", id, apperr.ErrInvalidState)
	}
	return nil
}

func (s *PostgresStore) ReopenPosition(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE copy_positions
		 SET status = 'active', final_pnl = NULL, performance_fee_paid = 0, stopped_at = NULL
		 WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) DeletePosition(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM copy_positions WHERE id = $1`, id)
	return err
}

// --- Waitlist ---

const waitlistCols = `id, user_id, trader_id, status, position_in_queue, COALESCE(claim_token, ''),
	claim_expires_at, created_at`

func scanEntry(row scanner) (*model.WaitlistEntry, error) {
	var e model.WaitlistEntry
	var status string
	if err := row.Scan(&e.ID, &e.UserID, &e.TraderID, &status, &e.PositionInQueue,
		&e.ClaimToken, &e.ClaimExpiresAt, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Status = model.WaitlistStatus(status)
	return &e, nil
}

func (s *PostgresStore) CreateEntry(ctx context.Context, e *model.WaitlistEntry) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO waitlist_entries (id, user_id, trader_id, status, position_in_queue, created_at)
		 SELECT $1, $2, $3, 'waiting', COUNT(*) + 1, $4
		 FROM waitlist_entries WHERE trader_id = $3 AND status = 'waiting'
		 RETURNING position_in_queue`,
		e.ID, e.UserID, e.TraderID, e.CreatedAt).Scan(&e.PositionInQueue)
	if isUniqueViolation(err) {
		return fmt.Errorf("waitlist %s/%s: %w", e.UserID, e.TraderID, apperr.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create waitlist entry: %w", err)
	}
	e.Status = model.WaitlistWaiting
	return nil
}

func (s *PostgresStore) DeleteWaitingEntry(ctx context.Context, userID, traderID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM waitlist_entries WHERE user_id = $1 AND trader_id = $2 AND status = 'waiting'`,
		userID, traderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("waitlist %s/%s: %w", userID, traderID, apperr.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) NextWaiting(ctx context.Context, traderID string) (*model.WaitlistEntry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+waitlistCols+` FROM waitlist_entries
		 WHERE trader_id = $1 AND status = 'waiting'
		 ORDER BY created_at, id LIMIT 1`, traderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("waitlist for trader %s: %w", traderID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("next waiting %s: %w", traderID, err)
	}
	return e, nil
}

func (s *PostgresStore) CountOutstandingClaims(ctx context.Context, traderID string, now time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM waitlist_entries
		 WHERE trader_id = $1 AND status = 'notified' AND claim_expires_at >= $2`,
		traderID, now).Scan(&n)
	return n, err
}

func (s *PostgresStore) MarkNotified(ctx context.Context, id, token string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE waitlist_entries SET status = 'notified', claim_token = $2, claim_expires_at = $3
		 WHERE id = $1 AND status = 'waiting'`, id, token, expiresAt)
	if err != nil {
		return fmt.Errorf("mark notified %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("waitlist entry %s not waiting: %w", id, apperr.ErrInvalidState)
	}
	return nil
}

func (s *PostgresStore) ExpireClaims(ctx context.Context, now time.Time) ([]model.WaitlistEntry, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE waitlist_entries SET status = 'expired'
		 WHERE status = 'notified' AND claim_expires_at < $1
		 RETURNING `+waitlistCols, now)
	if err != nil {
		return nil, fmt.Errorf("expire claims: %w", err)
	}
	defer rows.Close()

	var expired []model.WaitlistEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, *e)
	}
	return expired, rows.Err()
}

func (s *PostgresStore) GetByClaimToken(ctx context.Context, token string) (*model.WaitlistEntry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+waitlistCols+` FROM waitlist_entries WHERE claim_token = $1`, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim token: %w", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) MarkClaimed(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE waitlist_entries SET status = 'claimed'
		 WHERE id = $1 AND status = 'notified' AND claim_expires_at >= $2`, id, now)
	if err != nil {
		return fmt.Errorf("mark claimed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("waitlist entry %s not claimable: %w", id, apperr.ErrExpired)
	}
	return nil
}
