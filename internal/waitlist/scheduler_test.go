package waitlist_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia/settlement-engine/internal/allocation"
	"github.com/custodia/settlement-engine/internal/apperr"
	"github.com/custodia/settlement-engine/internal/clock"
	"github.com/custodia/settlement-engine/internal/copytrade"
	"github.com/custodia/settlement-engine/internal/model"
	"github.com/custodia/settlement-engine/internal/notify"
	"github.com/custodia/settlement-engine/internal/store"
	"github.com/custodia/settlement-engine/internal/waitlist"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	sched     *waitlist.Scheduler
	positions *copytrade.Engine
	store     *store.MemoryStore
	sent      *notify.Recorder
	clock     *clock.Fixed
	router    chi.Router
}

// newTestEnv creates a scheduler over an in-memory store with trader t1 at
// 10/10 copiers.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	rec := &notify.Recorder{}
	clk := clock.NewFixed(t0)
	positions := copytrade.NewEngine(ms, copytrade.NewDriftModel(1), rec, clk, copytrade.DefaultConfig())
	limiter := allocation.NewLimiter(d(10), d(5000), d(8000))
	sched := waitlist.NewScheduler(ms, positions, limiter, rec, clk, waitlist.Config{
		ClaimTTL: 24 * time.Hour,
		BaseURL:  "https://app.example.com/claim/",
	})

	require.NoError(t, ms.SaveTrader(context.Background(), &model.Trader{
		ID: "t1", DisplayName: "Alpha", CurrentCopiers: 10, MaxCopiers: 10, AUM: d(10000),
		Stats: model.TraderStats{MonthlyROI: d(0.12), WinRate: d(0.6)},
	}))

	h := waitlist.NewHandler(sched)
	r := chi.NewRouter()
	r.Route("/api/v1/claims", h.ClaimRoutes)
	r.Route("/api/v1/waitlist", h.WaitlistRoutes)

	return &testEnv{sched: sched, positions: positions, store: ms, sent: rec, clock: clk, router: r}
}

// queue joins users to t1 one minute apart.
func (e *testEnv) queue(t *testing.T, users ...string) {
	t.Helper()
	for _, u := range users {
		_, err := e.sched.Join(context.Background(), u, "t1")
		require.NoError(t, err)
		e.clock.Advance(time.Minute)
	}
}

func (e *testEnv) setCopiers(t *testing.T, current int) {
	t.Helper()
	tr, err := e.store.GetTrader(context.Background(), "t1")
	require.NoError(t, err)
	tr.CurrentCopiers = current
	require.NoError(t, e.store.SaveTrader(context.Background(), tr))
}

// offer frees one slot, runs a notification pass and returns the token of
// the user who got it.
func (e *testEnv) offer(t *testing.T, user string) string {
	t.Helper()
	e.setCopiers(t, 9)
	n, err := e.sched.NotifyNext(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	for _, w := range e.store.WaitlistEntries("t1") {
		if w.UserID == user && w.Status == model.WaitlistNotified {
			return w.ClaimToken
		}
	}
	t.Fatalf("user %s was not notified", user)
	return ""
}

func statuses(entries []model.WaitlistEntry) map[string]model.WaitlistStatus {
	out := make(map[string]model.WaitlistStatus)
	for _, e := range entries {
		out[e.UserID] = e.Status
	}
	return out
}

func TestNotifyNext_StopFreesSlotForEarliest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.CreatePosition(ctx, &model.CopyPosition{
		ID: "p1", UserID: "holder", TraderID: "t1", AssetID: "USDT",
		Allocation: d(1000), CurrentPnL: d(0), Status: model.PositionActive, StartedAt: t0,
	}))
	env.queue(t, "alice", "bob", "carol")

	_, err := env.positions.Stop(ctx, "p1", "holder")
	require.NoError(t, err)
	tr, _ := env.store.GetTrader(ctx, "t1")
	require.Equal(t, 9, tr.CurrentCopiers)

	now := env.clock.Now()
	n, err := env.sched.NotifyNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries := env.store.WaitlistEntries("t1")
	assert.Equal(t, map[string]model.WaitlistStatus{
		"alice": model.WaitlistNotified,
		"bob":   model.WaitlistWaiting,
		"carol": model.WaitlistWaiting,
	}, statuses(entries))
	require.NotNil(t, entries[0].ClaimExpiresAt)
	assert.Equal(t, now.Add(24*time.Hour), *entries[0].ClaimExpiresAt)
	assert.NotEmpty(t, entries[0].ClaimToken)

	sent := env.sent.Sent(notify.TypeWaitlistClaim)
	require.Len(t, sent, 1)
	assert.Equal(t, "alice", sent[0].UserID)
	assert.Equal(t, "https://app.example.com/claim/"+entries[0].ClaimToken, sent[0].Fields["claim_url"])

	// An open claim holds the slot: a second pass offers nothing.
	n, err = env.sched.NotifyNext(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNotifyNext_OffersEveryFreeSlot(t *testing.T) {
	env := newTestEnv(t)
	env.queue(t, "alice", "bob", "carol")
	env.setCopiers(t, 8)

	n, err := env.sched.NotifyNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, model.WaitlistWaiting, statuses(env.store.WaitlistEntries("t1"))["carol"])
}

func TestExpireClaims_TerminalAndFreesSlot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.queue(t, "alice", "bob")
	token := env.offer(t, "alice")

	env.clock.Advance(24*time.Hour + time.Second)
	n, err := env.sched.ExpireClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, env.sent.Sent(notify.TypeClaimExpired), 1)

	// Expired entries never transition again.
	n, err = env.sched.ExpireClaims(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = env.sched.Claim(ctx, token, d(100))
	assert.ErrorIs(t, err, apperr.ErrExpired)

	// The freed offer moves to the next in line.
	n, err = env.sched.NotifyNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	st := statuses(env.store.WaitlistEntries("t1"))
	assert.Equal(t, model.WaitlistExpired, st["alice"])
	assert.Equal(t, model.WaitlistNotified, st["bob"])
}

func TestJoin_Rules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.sched.Join(ctx, "alice", "t1")
	require.NoError(t, err)
	_, err = env.sched.Join(ctx, "alice", "t1")
	assert.ErrorIs(t, err, apperr.ErrDuplicate)

	_, err = env.sched.Join(ctx, "bob", "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = env.sched.Join(ctx, "", "t1")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	require.NoError(t, env.store.CreatePosition(ctx, &model.CopyPosition{
		ID: "p1", UserID: "carol", TraderID: "t1", Allocation: d(100), Status: model.PositionActive, StartedAt: t0,
	}))
	_, err = env.sched.Join(ctx, "carol", "t1")
	assert.ErrorIs(t, err, apperr.ErrDuplicate)

	env.setCopiers(t, 5)
	_, err = env.sched.Join(ctx, "dave", "t1")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestJoin_QueuePositionAndLeave(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.sched.Join(ctx, "alice", "t1")
	require.NoError(t, err)
	b, err := env.sched.Join(ctx, "bob", "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, a.PositionInQueue)
	assert.Equal(t, 2, b.PositionInQueue)

	require.NoError(t, env.sched.Leave(ctx, "alice", "t1"))
	assert.ErrorIs(t, env.sched.Leave(ctx, "alice", "t1"), apperr.ErrNotFound)
	assert.Len(t, env.store.WaitlistEntries("t1"), 1)
}

func TestClaim_CreatesPosition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.store.Credit(ctx, "alice", "USDT", d(1500))
	require.NoError(t, err)
	env.queue(t, "alice")
	token := env.offer(t, "alice")

	pos, err := env.sched.Claim(ctx, token, d(1000))
	require.NoError(t, err)
	assert.Equal(t, model.PositionActive, pos.Status)
	assert.Equal(t, "alice", pos.UserID)
	assert.True(t, pos.Allocation.Equal(d(1000)))
	require.NotNil(t, pos.Simulation)

	acct, _ := env.store.GetBalance(ctx, "alice", "USDT")
	assert.True(t, acct.Balance.Equal(d(500)))
	assert.True(t, acct.LockedBalance.IsZero())

	tr, _ := env.store.GetTrader(ctx, "t1")
	assert.Equal(t, 10, tr.CurrentCopiers)
	assert.True(t, tr.AUM.Equal(d(11000)))

	assert.Equal(t, model.WaitlistClaimed, statuses(env.store.WaitlistEntries("t1"))["alice"])

	_, err = env.sched.Claim(ctx, token, d(1000))
	assert.ErrorIs(t, err, apperr.ErrDuplicate)
}

func TestClaim_InsufficientBalanceReleasesSlot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.store.Credit(ctx, "alice", "USDT", d(50))
	require.NoError(t, err)
	env.queue(t, "alice")
	token := env.offer(t, "alice")

	_, err = env.sched.Claim(ctx, token, d(100))
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)

	tr, _ := env.store.GetTrader(ctx, "t1")
	assert.Equal(t, 9, tr.CurrentCopiers)
	assert.True(t, tr.AUM.Equal(d(10000)))
	acct, _ := env.store.GetBalance(ctx, "alice", "USDT")
	assert.True(t, acct.Balance.Equal(d(50)))
	assert.Equal(t, model.WaitlistNotified, statuses(env.store.WaitlistEntries("t1"))["alice"])
}

func TestClaim_PositionConflictRefunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.store.Credit(ctx, "alice", "USDT", d(500))
	require.NoError(t, err)
	env.queue(t, "alice")
	token := env.offer(t, "alice")

	// A position created out of band makes the create step fail.
	require.NoError(t, env.store.CreatePosition(ctx, &model.CopyPosition{
		ID: "other", UserID: "alice", TraderID: "t1", Allocation: d(10), Status: model.PositionActive, StartedAt: t0,
	}))

	_, err = env.sched.Claim(ctx, token, d(100))
	require.Error(t, err)

	acct, _ := env.store.GetBalance(ctx, "alice", "USDT")
	assert.True(t, acct.Balance.Equal(d(500)), "allocation refunded, got %s", acct.Balance)
	tr, _ := env.store.GetTrader(ctx, "t1")
	assert.Equal(t, 9, tr.CurrentCopiers)
}

func TestClaim_ExpiredBeforeTick(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.store.Credit(ctx, "alice", "USDT", d(500))
	require.NoError(t, err)
	env.queue(t, "alice")
	token := env.offer(t, "alice")

	env.clock.Advance(25 * time.Hour)
	_, err = env.sched.Claim(ctx, token, d(100))
	assert.ErrorIs(t, err, apperr.ErrExpired)
	_, err = env.sched.Lookup(ctx, token)
	assert.ErrorIs(t, err, apperr.ErrExpired)
}

func TestClaim_AllocationLimits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.store.Credit(ctx, "alice", "USDT", d(10000))
	require.NoError(t, err)
	env.queue(t, "alice")
	token := env.offer(t, "alice")

	for _, amt := range []float64{0, 5, 6000} {
		_, err = env.sched.Claim(ctx, token, d(amt))
		assert.ErrorIs(t, err, apperr.ErrValidation, "allocation %v", amt)
	}
	tr, _ := env.store.GetTrader(ctx, "t1")
	assert.Equal(t, 9, tr.CurrentCopiers)
}

func TestClaim_UnknownToken(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.sched.Claim(context.Background(), "nope", d(100))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = env.sched.Claim(context.Background(), "", d(100))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestNewToken_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := waitlist.NewToken()
		require.NoError(t, err)
		require.Len(t, tok, 48)
		require.False(t, seen[tok])
		seen[tok] = true
	}
}

// --- HTTP ---

func TestClaimHTTP_LookupAndClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.store.Credit(ctx, "alice", "USDT", d(500))
	require.NoError(t, err)
	env.queue(t, "alice")
	token := env.offer(t, "alice")
	env.clock.Advance(time.Hour)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/claims/"+token, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var info waitlist.ClaimInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&info))
	assert.Equal(t, "t1", info.TraderID)
	assert.Equal(t, "Alpha", info.TraderName)
	assert.Equal(t, int64(23*3600), info.RemainingSeconds)

	post := func() *httptest.ResponseRecorder {
		body, _ := json.Marshal(map[string]string{"allocation": "200"})
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/claims/"+token, bytes.NewReader(body)))
		return w
	}
	w = post()
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var pos model.CopyPosition
	require.NoError(t, json.NewDecoder(w.Body).Decode(&pos))
	assert.True(t, pos.Allocation.Equal(d(200)))

	w = post()
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "already_processed")
}

func TestClaimHTTP_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.queue(t, "alice")
	token := env.offer(t, "alice")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown token", "GET", "/api/v1/claims/unknown", "", http.StatusNotFound},
		{"bad body", "POST", "/api/v1/claims/" + token, "{", http.StatusBadRequest},
		{"below minimum", "POST", "/api/v1/claims/" + token, `{"allocation":"1"}`, http.StatusBadRequest},
		{"insufficient funds", "POST", "/api/v1/claims/" + token, `{"allocation":"100"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	env.clock.Advance(48 * time.Hour)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/claims/"+token, nil))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestWaitlistHTTP_JoinLeave(t *testing.T) {
	env := newTestEnv(t)
	do := func(method, user string) int {
		body := fmt.Sprintf(`{"user_id":%q}`, user)
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, httptest.NewRequest(method, "/api/v1/waitlist/t1", strings.NewReader(body)))
		return w.Code
	}

	assert.Equal(t, http.StatusCreated, do("POST", "alice"))
	assert.Equal(t, http.StatusConflict, do("POST", "alice"))
	assert.Equal(t, http.StatusNoContent, do("DELETE", "alice"))
	assert.Equal(t, http.StatusNotFound, do("DELETE", "alice"))
}
