package store_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia/settlement-engine/internal/apperr"
	"github.com/custodia/settlement-engine/internal/clock"
	"github.com/custodia/settlement-engine/internal/model"
	"github.com/custodia/settlement-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// backends returns every store under test. Postgres runs only when
// TEST_DATABASE_URL is set; Redis wraps it when TEST_REDIS_URL is set too.
func backends(t *testing.T) map[string]store.Store {
	t.Helper()
	out := map[string]store.Store{"memory": store.NewMemoryStore()}

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		return out
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, store.Migrate(ctx, pool))
	pg := store.NewPostgresStore(pool)
	out["postgres"] = pg

	if url := os.Getenv("TEST_REDIS_URL"); url != "" {
		opt, err := redis.ParseURL(url)
		require.NoError(t, err)
		rdb := redis.NewClient(opt)
		t.Cleanup(func() { rdb.Close() })
		out["postgres+redis"] = store.NewCachedStore(pg, rdb, time.Minute)
	}
	return out
}

// id returns a unique id so runs against a shared database do not collide.
func id(prefix string) string {
	return prefix + "-" + uuid.New().String()[:8]
}

func TestBalances(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			user := id("u")

			acct, err := st.GetBalance(ctx, user, "USDT")
			require.NoError(t, err)
			assert.True(t, acct.Balance.IsZero())

			acct, err = st.Credit(ctx, user, "USDT", d(10))
			require.NoError(t, err)
			assert.True(t, acct.Balance.Equal(d(10)))

			_, err = st.Lock(ctx, user, "USDT", d(11))
			assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)

			acct, err = st.Lock(ctx, user, "USDT", d(4))
			require.NoError(t, err)
			assert.True(t, acct.LockedBalance.Equal(d(4)))

			_, err = st.Unlock(ctx, user, "USDT", d(5), false)
			assert.ErrorIs(t, err, apperr.ErrInvalidState)

			acct, err = st.Unlock(ctx, user, "USDT", d(4), true)
			require.NoError(t, err)
			assert.True(t, acct.Balance.Equal(d(6)))
			assert.True(t, acct.LockedBalance.IsZero())
		})
	}
}

func TestMemoryStore_StampsFromClock(t *testing.T) {
	clk := clock.NewFixed(t0)
	ms := store.NewMemoryStore(store.WithClock(clk))
	ctx := context.Background()

	acct, err := ms.Credit(ctx, "u1", "USDT", d(10))
	require.NoError(t, err)
	assert.Equal(t, t0, acct.UpdatedAt)

	clk.Advance(time.Hour)
	acct, err = ms.Lock(ctx, "u1", "USDT", d(3))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), acct.UpdatedAt)

	clk.Advance(time.Hour)
	acct, err = ms.Unlock(ctx, "u1", "USDT", d(3), false)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Hour), acct.UpdatedAt)
}

func TestBalances_ConcurrentLocksNeverOverdraw(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			user := id("u")
			_, err := st.Credit(ctx, user, "USDT", d(10))
			require.NoError(t, err)

			var wg sync.WaitGroup
			var mu sync.Mutex
			ok := 0
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := st.Lock(ctx, user, "USDT", d(1)); err == nil {
						mu.Lock()
						ok++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 10, ok)
			acct, _ := st.GetBalance(ctx, user, "USDT")
			assert.True(t, acct.LockedBalance.Equal(acct.Balance))
		})
	}
}

func TestTransactions_UniqueKey(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := id("nowpayments")
			tx := &model.Transaction{
				ID: uuid.New().String(), UserID: "u1", AssetID: "USDT", Kind: model.TxDeposit,
				Amount: d(5), Status: model.TxPending, CorrelationKey: key, CreatedAt: t0,
			}
			require.NoError(t, st.CreateTransaction(ctx, tx))

			dup := *tx
			dup.ID = uuid.New().String()
			assert.ErrorIs(t, st.CreateTransaction(ctx, &dup), apperr.ErrDuplicate)

			got, err := st.FindByCorrelationKey(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, tx.ID, got.ID)

			require.NoError(t, st.SetLockedAmount(ctx, tx.ID, d(5)))
			require.NoError(t, st.MarkCompleted(ctx, tx.ID, d(5.2), t0))
			assert.ErrorIs(t, st.SetLockedAmount(ctx, tx.ID, d(1)), apperr.ErrInvalidState)
			assert.ErrorIs(t, st.MarkCompleted(ctx, tx.ID, d(5.2), t0), apperr.ErrInvalidState)
			assert.ErrorIs(t, st.MarkFailed(ctx, tx.ID, "late"), apperr.ErrInvalidState)

			got, _ = st.FindByCorrelationKey(ctx, key)
			assert.Equal(t, model.TxCompleted, got.Status)
			assert.True(t, got.Amount.Equal(d(5.2)))
			assert.True(t, got.LockedAmount.Equal(d(5)), "closed record keeps its last hold")

			_, err = st.FindByCorrelationKey(ctx, id("missing"))
			assert.ErrorIs(t, err, apperr.ErrNotFound)
		})
	}
}

func TestTraders_ReserveRespectsCapacity(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tid := id("t")
			require.NoError(t, st.SaveTrader(ctx, &model.Trader{ID: tid, MaxCopiers: 1}))

			tr, err := st.ReserveCopier(ctx, tid, d(100))
			require.NoError(t, err)
			assert.Equal(t, 1, tr.CurrentCopiers)

			_, err = st.ReserveCopier(ctx, tid, d(100))
			assert.ErrorIs(t, err, apperr.ErrAtCapacity)
			_, err = st.ReserveCopier(ctx, id("missing"), d(1))
			assert.ErrorIs(t, err, apperr.ErrNotFound)

			require.NoError(t, st.ReleaseCopier(ctx, tid, d(100)))
			tr, err = st.GetTrader(ctx, tid)
			require.NoError(t, err)
			assert.Equal(t, 0, tr.CurrentCopiers)
			assert.True(t, tr.AUM.IsZero())
		})
	}
}

func TestPositions_Lifecycle(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tid, user := id("t"), id("u")
			require.NoError(t, st.SaveTrader(ctx, &model.Trader{ID: tid, MaxCopiers: 5}))

			p := &model.CopyPosition{
				ID: uuid.New().String(), UserID: user, TraderID: tid, AssetID: "USDT",
				Allocation: d(1000), CurrentPnL: decimal.Zero, Status: model.PositionActive,
				StartedAt: t0, Simulation: &model.SimulationState{DailyDrift: 0.01},
			}
			require.NoError(t, st.CreatePosition(ctx, p))

			second := *p
			second.ID = uuid.New().String()
			assert.ErrorIs(t, st.CreatePosition(ctx, &second), apperr.ErrDuplicate)

			require.NoError(t, st.UpdateSimulation(ctx, p.ID, d(-12.5), model.SimulationState{Momentum: 0.3}))
			require.NoError(t, st.ClosePosition(ctx, p.ID, model.PositionStopped, d(-12.5), decimal.Zero, t0))
			assert.ErrorIs(t, st.ClosePosition(ctx, p.ID, model.PositionLiquidated, d(-12.5), decimal.Zero, t0),
				apperr.ErrInvalidState)
			assert.ErrorIs(t, st.UpdateSimulation(ctx, p.ID, d(1), model.SimulationState{}), apperr.ErrInvalidState)

			got, err := st.GetPosition(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, model.PositionStopped, got.Status)
			require.NotNil(t, got.FinalPnL)
			assert.True(t, got.FinalPnL.Equal(d(-12.5)))
			require.NotNil(t, got.Simulation)
			assert.Equal(t, 0.3, got.Simulation.Momentum)

			require.NoError(t, st.ReopenPosition(ctx, p.ID))
			active, err := st.HasActivePosition(ctx, user, tid)
			require.NoError(t, err)
			assert.True(t, active)
		})
	}
}

func TestWaitlist_FIFOAndExpiry(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tid := id("t")
			require.NoError(t, st.SaveTrader(ctx, &model.Trader{ID: tid, MaxCopiers: 1, CurrentCopiers: 1}))

			var entries []*model.WaitlistEntry
			for i, u := range []string{"a", "b", "c"} {
				e := &model.WaitlistEntry{
					ID: uuid.New().String(), UserID: u, TraderID: tid,
					CreatedAt: t0.Add(time.Duration(i) * time.Minute),
				}
				require.NoError(t, st.CreateEntry(ctx, e))
				assert.Equal(t, i+1, e.PositionInQueue)
				entries = append(entries, e)
			}
			dup := &model.WaitlistEntry{ID: uuid.New().String(), UserID: "a", TraderID: tid, CreatedAt: t0}
			assert.ErrorIs(t, st.CreateEntry(ctx, dup), apperr.ErrDuplicate)

			next, err := st.NextWaiting(ctx, tid)
			require.NoError(t, err)
			assert.Equal(t, entries[0].ID, next.ID)

			token := id("tok")
			require.NoError(t, st.MarkNotified(ctx, next.ID, token, t0.Add(time.Hour)))
			n, err := st.CountOutstandingClaims(ctx, tid, t0)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			next, err = st.NextWaiting(ctx, tid)
			require.NoError(t, err)
			assert.Equal(t, entries[1].ID, next.ID)

			expired, err := st.ExpireClaims(ctx, t0.Add(2*time.Hour))
			require.NoError(t, err)
			require.Len(t, expired, 1)
			assert.Equal(t, entries[0].ID, expired[0].ID)

			expired, err = st.ExpireClaims(ctx, t0.Add(3*time.Hour))
			require.NoError(t, err)
			assert.Empty(t, expired)

			got, err := st.GetByClaimToken(ctx, token)
			require.NoError(t, err)
			assert.Equal(t, model.WaitlistExpired, got.Status)
			assert.ErrorIs(t, st.MarkClaimed(ctx, got.ID, t0), apperr.ErrInvalidState)
		})
	}
}

func TestRedisTickLock(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	ctx := context.Background()
	lock := store.NewRedisTickLock(rdb, id("settle:tick:test"), time.Minute)

	release, ok, err := lock.Acquire(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lock.Acquire(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	release2, ok, err := lock.Acquire(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}
