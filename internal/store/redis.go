package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/airxtech/newfinal-sub000/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for token snapshots and accounts. Writes go to the primary store
// and invalidate the cache; reads check Redis first then fall back to the
// primary.
//
// The settlement path compares token versions inside the primary store, so
// a stale cached token can cost a retry but never a wrong commit.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh or invalidate cache) ---

func (s *CachedStore) CreateToken(ctx context.Context, t *model.Token) error {
	if err := s.primary.CreateToken(ctx, t); err != nil {
		return err
	}
	s.cacheJSON(ctx, tokenKey(t.ID), t)
	return nil
}

func (s *CachedStore) ActivateToken(ctx context.Context, id string) (*model.Token, error) {
	t, err := s.primary.ActivateToken(ctx, id)
	if err != nil {
		s.rdb.Del(ctx, tokenKey(id))
		return nil, err
	}
	s.cacheJSON(ctx, tokenKey(id), t)
	return t, nil
}

func (s *CachedStore) Credit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (*model.Account, error) {
	a, err := s.primary.Credit(ctx, userID, amount, reference)
	s.rdb.Del(ctx, accountKey(userID))
	return a, err
}

func (s *CachedStore) ApplySettlement(ctx context.Context, st *Settlement) (*SettlementResult, error) {
	res, err := s.primary.ApplySettlement(ctx, st)
	if err != nil {
		// A conflict means our snapshot may be stale; drop it before the retry.
		if errors.Is(err, ErrConflict) {
			s.rdb.Del(ctx, tokenKey(st.Token.ID))
		}
		return nil, err
	}
	s.cacheJSON(ctx, tokenKey(res.Token.ID), &res.Token)
	s.cacheJSON(ctx, accountKey(res.Account.UserID), &res.Account)
	return res, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetToken(ctx context.Context, id string) (*model.Token, error) {
	var t model.Token
	if s.cached(ctx, tokenKey(id), &t) {
		return &t, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetToken(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, tokenKey(id), got)
	return got, nil
}

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	if s.cached(ctx, accountKey(userID), &a) {
		return &a, nil
	}

	got, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, accountKey(userID), got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListTokens(ctx context.Context) ([]model.Token, error) {
	return s.primary.ListTokens(ctx)
}

func (s *CachedStore) GetHolding(ctx context.Context, userID, tokenID string) (*model.Holding, error) {
	return s.primary.GetHolding(ctx, userID, tokenID)
}

func (s *CachedStore) ListHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	return s.primary.ListHoldings(ctx, userID)
}

func (s *CachedStore) ListTrades(ctx context.Context, tokenID string) ([]model.TradeRecord, error) {
	return s.primary.ListTrades(ctx, tokenID)
}

func (s *CachedStore) ListAllTrades(ctx context.Context) ([]model.TradeRecord, error) {
	return s.primary.ListAllTrades(ctx)
}

func (s *CachedStore) CreatePayment(ctx context.Context, p *model.PendingPayment) error {
	return s.primary.CreatePayment(ctx, p)
}

func (s *CachedStore) GetPayment(ctx context.Context, id string) (*model.PendingPayment, error) {
	return s.primary.GetPayment(ctx, id)
}

func (s *CachedStore) GetPaymentByExternalID(ctx context.Context, externalID string) (*model.PendingPayment, error) {
	return s.primary.GetPaymentByExternalID(ctx, externalID)
}

func (s *CachedStore) ListPendingPayments(ctx context.Context) ([]model.PendingPayment, error) {
	return s.primary.ListPendingPayments(ctx)
}

func (s *CachedStore) ConfirmPayment(ctx context.Context, id, externalID string, amount decimal.Decimal, at time.Time) (*model.PendingPayment, error) {
	return s.primary.ConfirmPayment(ctx, id, externalID, amount, at)
}

func (s *CachedStore) ListUnfulfilledPayments(ctx context.Context) ([]model.PendingPayment, error) {
	return s.primary.ListUnfulfilledPayments(ctx)
}

func (s *CachedStore) MarkPaymentFulfilled(ctx context.Context, id string, at time.Time) (*model.PendingPayment, error) {
	return s.primary.MarkPaymentFulfilled(ctx, id, at)
}

func (s *CachedStore) ExpirePayments(ctx context.Context, now time.Time) ([]model.PendingPayment, error) {
	return s.primary.ExpirePayments(ctx, now)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func tokenKey(id string) string { return fmt.Sprintf("launchpad:token:%s", id) }
func accountKey(uid string) string { return fmt.Sprintf("launchpad:account:%s", uid) }
