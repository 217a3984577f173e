package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/custodia/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for deposit routes and traders. Balances, transactions, positions
// and the waitlist always go to the primary so that conditional updates
// see the authoritative row.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveRoute(ctx context.Context, r *model.DepositRoute) error {
	if err := s.Store.SaveRoute(ctx, r); err != nil {
		return err
	}
	s.rdb.Del(ctx, routeCacheKey(r.Gateway, r.Kind, r.ExternalID))
	return nil
}

func (s *CachedStore) SaveTrader(ctx context.Context, t *model.Trader) error {
	if err := s.Store.SaveTrader(ctx, t); err != nil {
		return err
	}
	s.rdb.Del(ctx, traderKey(t.ID))
	return nil
}

func (s *CachedStore) ReserveCopier(ctx context.Context, id string, aum decimal.Decimal) (*model.Trader, error) {
	t, err := s.Store.ReserveCopier(ctx, id, aum)
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, traderKey(id))
	return t, nil
}

func (s *CachedStore) ReleaseCopier(ctx context.Context, id string, aum decimal.Decimal) error {
	if err := s.Store.ReleaseCopier(ctx, id, aum); err != nil {
		return err
	}
	s.rdb.Del(ctx, traderKey(id))
	return nil
}

func (s *CachedStore) ClampMonthlyROI(ctx context.Context) (int, error) {
	n, err := s.Store.ClampMonthlyROI(ctx)
	if err != nil || n == 0 {
		return n, err
	}
	// The clamp is a bulk update, so drop every cached trader.
	traders, err := s.Store.ListTraders(ctx)
	if err != nil {
		return n, nil
	}
	keys := make([]string, 0, len(traders))
	for _, t := range traders {
		keys = append(keys, traderKey(t.ID))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return n, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) FindRoute(ctx context.Context, gateway string, kind model.RouteKind, externalID string) (*model.DepositRoute, error) {
	key := routeCacheKey(gateway, kind, externalID)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var r model.DepositRoute
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.Store.FindRoute(ctx, gateway, kind, externalID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(r); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return r, nil
}

func (s *CachedStore) GetTrader(ctx context.Context, id string) (*model.Trader, error) {
	data, err := s.rdb.Get(ctx, traderKey(id)).Bytes()
	if err == nil {
		var t model.Trader
		if json.Unmarshal(data, &t) == nil {
			return &t, nil
		}
	}

	t, err := s.Store.GetTrader(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(t); err == nil {
		s.rdb.Set(ctx, traderKey(id), data, s.ttl)
	}
	return t, nil
}

// --- Cache helpers ---

func routeCacheKey(gateway string, kind model.RouteKind, externalID string) string {
	return fmt.Sprintf("route:%s:%s:%s", gateway, kind, externalID)
}

func traderKey(id string) string { return fmt.Sprintf("trader:%s", id) }

// RedisTickLock is a single-holder lease stored under one Redis key.
// Acquire uses SET NX PX so that only one tick runs across replicas.
type RedisTickLock struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// NewRedisTickLock returns a lock on key whose lease lasts ttl.
func NewRedisTickLock(rdb *redis.Client, key string, ttl time.Duration) *RedisTickLock {
	return &RedisTickLock{rdb: rdb, key: key, ttl: ttl}
}

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Acquire tries to take the lease. It returns a release func when held and
// ok=false when another holder has it.
func (l *RedisTickLock) Acquire(ctx context.Context, token string) (release func(), ok bool, err error) {
	ok, err = l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		releaseScript.Run(context.Background(), l.rdb, []string{l.key}, token)
	}, true, nil
}
