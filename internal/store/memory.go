package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/airxtech/newfinal-sub000/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	tokens   map[string]*model.Token
	accounts map[string]*model.Account
	holdings map[holdingKey]*model.Holding
	trades   []model.TradeRecord
	payments map[string]*model.PendingPayment
	external map[string]string // external payment id -> payment id
	credits  map[string]struct{}
	seq      int64
	now      func() time.Time
}

type holdingKey struct {
	userID  string
	tokenID string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:   make(map[string]*model.Token),
		accounts: make(map[string]*model.Account),
		holdings: make(map[holdingKey]*model.Holding),
		payments: make(map[string]*model.PendingPayment),
		external: make(map[string]string),
		credits:  make(map[string]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateToken(_ context.Context, t *model.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[t.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range s.tokens {
		if strings.EqualFold(existing.Ticker, t.Ticker) {
			return ErrDuplicate
		}
	}

	// Store a copy to avoid external mutation.
	cp := *t
	s.tokens[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetToken(_ context.Context, id string) (*model.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTokens(_ context.Context) ([]model.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := make([]model.Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		tokens = append(tokens, *t)
	}
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].CreatedAt.After(tokens[j].CreatedAt)
	})
	return tokens, nil
}

func (s *MemoryStore) ActivateToken(_ context.Context, id string) (*model.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !t.Active {
		t.Active = true
		t.Version++
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.accounts[userID]; ok {
		cp := *a
		return &cp, nil
	}
	return &model.Account{UserID: userID, Balance: decimal.Zero}, nil
}

func (s *MemoryStore) GetHolding(_ context.Context, userID, tokenID string) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if h, ok := s.holdings[holdingKey{userID, tokenID}]; ok {
		cp := *h
		return &cp, nil
	}
	return &model.Holding{UserID: userID, TokenID: tokenID, Balance: decimal.Zero}, nil
}

func (s *MemoryStore) ListHoldings(_ context.Context, userID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for k, h := range s.holdings {
		if k.userID == userID {
			result = append(result, *h)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TokenID < result[j].TokenID })
	return result, nil
}

func (s *MemoryStore) Credit(_ context.Context, userID string, amount decimal.Decimal, reference string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.credits[reference]; ok && reference != "" {
		return nil, ErrDuplicate
	}
	a := s.account(userID)
	next := a.Balance.Add(amount)
	if next.IsNegative() {
		return nil, ErrInsufficientFunds
	}
	if reference != "" {
		s.credits[reference] = struct{}{}
	}
	a.Balance = next
	a.UpdatedAt = s.now()
	cp := *a
	return &cp, nil
}

// ApplySettlement validates everything before mutating anything, so a
// rejected settlement leaves no partial state behind.
func (s *MemoryStore) ApplySettlement(_ context.Context, st *Settlement) (*SettlementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tokens[st.Token.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Version != st.Token.Version {
		return nil, ErrConflict
	}

	var (
		acctBal = decimal.Zero
		holdBal = decimal.Zero
	)
	if a, ok := s.accounts[st.UserID]; ok {
		acctBal = a.Balance
	}
	if h, ok := s.holdings[holdingKey{st.UserID, st.Token.ID}]; ok {
		holdBal = h.Balance
	}
	if acctBal.Add(st.AccountDelta).IsNegative() || holdBal.Add(st.HoldingDelta).IsNegative() {
		return nil, ErrInsufficientFunds
	}

	var paid *model.PendingPayment
	if st.PaymentID != "" {
		p, err := s.fulfillable(st.PaymentID)
		if err != nil {
			return nil, err
		}
		paid = p
	}

	now := s.now()
	if paid != nil {
		at := now
		paid.FulfilledAt = &at
	}

	a := s.account(st.UserID)
	a.Balance = acctBal.Add(st.AccountDelta)
	a.UpdatedAt = now

	h := s.holding(st.UserID, st.Token.ID)
	h.Balance = holdBal.Add(st.HoldingDelta)
	h.UpdatedAt = now

	next := *st.Token
	next.Version = cur.Version + 1
	s.tokens[next.ID] = &next

	s.seq++
	trade := *st.Trade
	trade.Seq = s.seq
	s.trades = append(s.trades, trade)

	return &SettlementResult{Token: next, Account: *a, Holding: *h, Trade: trade}, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, tokenID string) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeRecord
	for _, tr := range s.trades {
		if tr.TokenID == tokenID {
			result = append(result, tr)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListAllTrades(_ context.Context) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.TradeRecord, len(s.trades))
	copy(result, s.trades)
	return result, nil
}

func (s *MemoryStore) CreatePayment(_ context.Context, p *model.PendingPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[p.ID]; ok {
		return ErrDuplicate
	}
	cp := *p
	s.payments[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPayment(_ context.Context, id string) (*model.PendingPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPaymentByExternalID(_ context.Context, externalID string) (*model.PendingPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.external[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.payments[id]
	return &cp, nil
}

func (s *MemoryStore) ListPendingPayments(_ context.Context) ([]model.PendingPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PendingPayment
	for _, p := range s.payments {
		if p.Status == model.PaymentPending {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ConfirmPayment(_ context.Context, id, externalID string, amount decimal.Decimal, at time.Time) (*model.PendingPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Status != model.PaymentPending {
		return nil, ErrNotPending
	}
	if bound, ok := s.external[externalID]; ok && bound != id {
		return nil, ErrDuplicate
	}

	p.Status = model.PaymentConfirmed
	p.ExternalPaymentID = externalID
	p.ConfirmedAmount = amount
	confirmedAt := at
	p.ConfirmedAt = &confirmedAt
	s.external[externalID] = id

	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListUnfulfilledPayments(_ context.Context) ([]model.PendingPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PendingPayment
	for _, p := range s.payments {
		if p.Status == model.PaymentConfirmed && p.FulfilledAt == nil {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) MarkPaymentFulfilled(_ context.Context, id string, at time.Time) (*model.PendingPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.fulfillable(id)
	if err != nil {
		return nil, err
	}
	fulfilledAt := at
	p.FulfilledAt = &fulfilledAt
	cp := *p
	return &cp, nil
}

// fulfillable returns the live payment if it is confirmed and not yet
// fulfilled. Callers must hold the write lock.
func (s *MemoryStore) fulfillable(id string) (*model.PendingPayment, error) {
	p, ok := s.payments[id]
	switch {
	case !ok:
		return nil, ErrNotFound
	case p.Status != model.PaymentConfirmed:
		return nil, ErrNotConfirmed
	case p.FulfilledAt != nil:
		return nil, ErrFulfilled
	}
	return p, nil
}

func (s *MemoryStore) ExpirePayments(_ context.Context, now time.Time) ([]model.PendingPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []model.PendingPayment
	for _, p := range s.payments {
		if p.Status == model.PaymentPending && !now.Before(p.ExpiresAt) {
			p.Status = model.PaymentExpired
			expired = append(expired, *p)
		}
	}
	return expired, nil
}

// account and holding return the live entry, creating it lazily.
// Callers must hold the write lock.
func (s *MemoryStore) account(userID string) *model.Account {
	a, ok := s.accounts[userID]
	if !ok {
		a = &model.Account{UserID: userID, Balance: decimal.Zero}
		s.accounts[userID] = a
	}
	return a
}

func (s *MemoryStore) holding(userID, tokenID string) *model.Holding {
	k := holdingKey{userID, tokenID}
	h, ok := s.holdings[k]
	if !ok {
		h = &model.Holding{UserID: userID, TokenID: tokenID, Balance: decimal.Zero}
		s.holdings[k] = h
	}
	return h
}
