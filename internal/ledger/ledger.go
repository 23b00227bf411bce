// Package ledger settles quotes against live token state. It is the only
// writer of token economics, holdings and payment balances.
//
// Settlements on one token are linearized by an in-process per-token lock and,
// across processes, by the token version compare-and-set inside
// store.ApplySettlement. Version conflicts are retried with exponential
// backoff; every other failure is returned as is.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/airxtech/newfinal-sub000/internal/curve"
	"github.com/airxtech/newfinal-sub000/internal/metrics"
	"github.com/airxtech/newfinal-sub000/internal/model"
	"github.com/airxtech/newfinal-sub000/internal/notify"
	"github.com/airxtech/newfinal-sub000/internal/quote"
	"github.com/airxtech/newfinal-sub000/internal/store"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// issueSkew bounds how far in the future a quote's issue time may be.
const issueSkew = 5 * time.Second

// Config holds the settlement knobs.
type Config struct {
	FeeRate decimal.Decimal
	// QuoteValidity is the longest a quote lives after it was issued,
	// whatever expiry it carries. Zero trusts the quote's own expiry.
	QuoteValidity        time.Duration
	MaxRetries           int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

// DefaultConfig returns a 1% fee, a 60 second quote lifetime and three
// conflict retries.
func DefaultConfig() Config {
	return Config{
		FeeRate:              decimal.NewFromFloat(0.01),
		QuoteValidity:        60 * time.Second,
		MaxRetries:           3,
		RetryInitialInterval: 10 * time.Millisecond,
		RetryMaxInterval:     200 * time.Millisecond,
	}
}

// Result is the committed outcome of a settlement.
type Result struct {
	Trade   model.TradeRecord `json:"trade"`
	Token   model.Token       `json:"token"`
	Holding model.Holding     `json:"holding"`
	Account model.Account     `json:"account"`

	// Repriced is set when the token moved between quote and settlement.
	Repriced bool `json:"repriced"`
}

// Ledger applies trades, deposits and token activations.
type Ledger struct {
	store    store.Store
	notifier notify.Notifier
	cfg      Config
	locks    *tokenLocks
	now      func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithNotifier sets the post-commit event sink.
func WithNotifier(n notify.Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

// WithClock overrides the time source used for expiry checks and timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger over st.
func New(st store.Store, cfg Config, opts ...Option) *Ledger {
	l := &Ledger{
		store:    st,
		notifier: notify.Nop{},
		cfg:      cfg,
		locks:    newTokenLocks(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Settle executes q for userID against the token's live state.
//
// BUY spends exactly the quoted payment plus fee and receives the tokens that
// payment buys now, which must be at least the quoted tokens less the quote's
// slippage tolerance. SELL sells exactly the quoted tokens and receives the
// live payout, which must be at least the quoted payout less the tolerance.
// A trade that takes bonding progress to 100% or more lists the token in the
// same atomic unit and still executes in full at curve prices.
func (l *Ledger) Settle(ctx context.Context, q *model.Quote, userID string) (*Result, error) {
	return l.settle(ctx, q, userID, "")
}

// SettlePayment is Settle for a buy paid by a confirmed external payment.
// The payment is marked fulfilled in the same atomic unit, so a payment
// settles at most once; a second attempt returns store.ErrFulfilled.
func (l *Ledger) SettlePayment(ctx context.Context, q *model.Quote, userID, paymentID string) (*Result, error) {
	if paymentID == "" {
		return nil, errors.New("ledger: payment id is required")
	}
	return l.settle(ctx, q, userID, paymentID)
}

func (l *Ledger) settle(ctx context.Context, q *model.Quote, userID, paymentID string) (*Result, error) {
	if userID == "" {
		return nil, model.ErrInvalidUser
	}
	if !q.Direction.Valid() {
		return nil, model.ErrInvalidDirection
	}
	if q.SlippagePct.IsNegative() || q.SlippagePct.GreaterThan(hundred) {
		return nil, model.ErrInvalidSlippage
	}
	if l.stale(q) {
		metrics.SettlementRejections.WithLabelValues("quote_expired").Inc()
		return nil, model.ErrQuoteExpired
	}

	start := time.Now()
	unlock, err := l.locks.acquire(ctx, q.TokenID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Waiting for the lock can outlive the quote.
	if l.stale(q) {
		metrics.SettlementRejections.WithLabelValues("quote_expired").Inc()
		return nil, model.ErrQuoteExpired
	}

	var res *Result
	attempt := 0
	op := func() error {
		attempt++
		r, err := l.settleOnce(ctx, q, userID, paymentID)
		if errors.Is(err, store.ErrConflict) {
			metrics.StorageConflicts.Inc()
			slog.Warn("settlement conflict", "token", q.TokenID, "attempt", attempt)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}

	if err := backoff.Retry(op, l.retryPolicy(ctx)); err != nil {
		if errors.Is(err, store.ErrConflict) {
			err = model.ErrStorageConflict
		}
		metrics.SettlementRejections.WithLabelValues(reason(err)).Inc()
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(q.Direction)).Inc()
	metrics.SettlementLatency.WithLabelValues(string(q.Direction)).Observe(time.Since(start).Seconds())
	metrics.TokenVolume.WithLabelValues(res.Trade.TokenID, string(q.Direction)).Add(res.Trade.Payment.InexactFloat64())
	if res.Trade.TriggeredListing {
		metrics.Listings.Inc()
	}

	slog.Info("trade settled",
		"trade_id", res.Trade.ID,
		"token", res.Trade.TokenID,
		"user", userID,
		"direction", q.Direction,
		"tokens", res.Trade.Tokens.String(),
		"payment", res.Trade.Payment.String(),
		"fee", res.Trade.Fee.String(),
		"sold_after", res.Trade.SoldAfter.String(),
		"listed", res.Trade.TriggeredListing,
		"repriced", res.Repriced,
		"payment_id", paymentID,
		"attempts", attempt,
	)
	if res.Trade.TriggeredListing {
		slog.Info("token listed", "token", res.Token.ID, "ticker", res.Token.Ticker, "progress", res.Token.BondingProgress.String())
	}

	l.publish(ctx, res)
	return res, nil
}

// stale reports whether q is past its expiry or older than QuoteValidity.
// The issue-time bounds hold for quotes passed back by clients.
func (l *Ledger) stale(q *model.Quote) bool {
	now := l.now()
	if q.Expired(now) {
		return true
	}
	if l.cfg.QuoteValidity <= 0 {
		return false
	}
	return q.IssuedAt.IsZero() ||
		q.IssuedAt.After(now.Add(issueSkew)) ||
		now.Sub(q.IssuedAt) > l.cfg.QuoteValidity ||
		q.ExpiresAt.Sub(q.IssuedAt) > l.cfg.QuoteValidity
}

func (l *Ledger) settleOnce(ctx context.Context, q *model.Quote, userID, paymentID string) (*Result, error) {
	tok, err := l.store.GetToken(ctx, q.TokenID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, model.ErrTokenNotFound
		}
		return nil, fmt.Errorf("load token: %w", err)
	}
	if tok.IsListed {
		return nil, model.ErrTokenListed
	}
	if !tok.Active {
		return nil, model.ErrTokenInactive
	}

	c, err := curve.ForToken(tok)
	if err != nil {
		return nil, fmt.Errorf("token %s curve: %w", tok.ID, err)
	}
	floor := one.Sub(q.SlippagePct.Div(hundred))

	var (
		p            *quote.Pricing
		accountDelta decimal.Decimal
		holdingDelta decimal.Decimal
	)
	switch q.Direction {
	case model.Buy:
		p, err = quote.Price(c, tok.CumulativeSold, model.Buy, q.PaymentAmount, l.cfg.FeeRate)
		if errors.Is(err, model.ErrInsufficientSupply) {
			// The supply the quote priced against is gone.
			return nil, model.ErrSlippageExceeded
		}
		if err != nil {
			return nil, err
		}
		if p.Tokens.LessThan(q.TokenAmount.Mul(floor)) {
			return nil, model.ErrSlippageExceeded
		}
		acct, err := l.store.GetAccount(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load account: %w", err)
		}
		if acct.Balance.LessThan(p.Total) {
			return nil, model.ErrInsufficientBalance
		}
		accountDelta = p.Total.Neg()
		holdingDelta = p.Tokens

	case model.Sell:
		hold, err := l.store.GetHolding(ctx, userID, tok.ID)
		if err != nil {
			return nil, fmt.Errorf("load holding: %w", err)
		}
		if hold.Balance.LessThan(q.TokenAmount) {
			return nil, model.ErrInsufficientBalance
		}
		p, err = quote.Price(c, tok.CumulativeSold, model.Sell, q.TokenAmount, l.cfg.FeeRate)
		if err != nil {
			return nil, err
		}
		if p.Total.LessThan(q.Total.Mul(floor)) {
			return nil, model.ErrSlippageExceeded
		}
		accountDelta = p.Total
		holdingDelta = p.Tokens.Neg()
	}

	state, err := c.StateAt(p.SoldAfter, tok.FundingTarget)
	if err != nil {
		return nil, fmt.Errorf("token %s state: %w", tok.ID, err)
	}

	now := l.now()
	next := *tok
	next.CumulativeSold = p.SoldAfter
	next.CurrentPrice = state.Price
	next.MarketCap = state.MarketCap
	next.BondingProgress = state.Progress

	// Listing compares the unrounded reserve; progress is display precision.
	listing := false
	if q.Direction == model.Buy {
		reserve, err := c.Reserve(p.SoldAfter)
		if err != nil {
			return nil, fmt.Errorf("token %s reserve: %w", tok.ID, err)
		}
		listing = reserve.GreaterThanOrEqual(tok.FundingTarget)
	}
	if listing {
		next.IsListed = true
		next.ListedAt = &now
	}

	trade := &model.TradeRecord{
		ID:               uuid.New().String(),
		TokenID:          tok.ID,
		UserID:           userID,
		Direction:        q.Direction,
		Payment:          p.Payment,
		Tokens:           p.Tokens,
		Price:            p.AvgPrice,
		Fee:              p.Fee,
		SoldAfter:        p.SoldAfter,
		QuoteID:          q.ID,
		TriggeredListing: listing,
		ExecutedAt:       now,
	}

	committed, err := l.store.ApplySettlement(ctx, &store.Settlement{
		Token:        &next,
		UserID:       userID,
		AccountDelta: accountDelta,
		HoldingDelta: holdingDelta,
		Trade:        trade,
		PaymentID:    paymentID,
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrFulfilled):
		return nil, err
	case errors.Is(err, store.ErrInsufficientFunds):
		return nil, model.ErrInsufficientBalance
	case errors.Is(err, store.ErrNotFound):
		return nil, model.ErrTokenNotFound
	default:
		return nil, fmt.Errorf("apply settlement: %w", err)
	}

	return &Result{
		Trade:    committed.Trade,
		Token:    committed.Token,
		Holding:  committed.Holding,
		Account:  committed.Account,
		Repriced: tok.Version != q.TokenVersion,
	}, nil
}

// Deposit credits the user's payment-currency account. A non-empty reference
// (e.g. "payment:<external id>") credits at most once; a repeat returns an
// error wrapping store.ErrDuplicate and changes nothing.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (*model.Account, error) {
	if userID == "" {
		return nil, model.ErrInvalidUser
	}
	if !amount.IsPositive() {
		return nil, model.ErrInvalidAmount
	}

	acct, err := l.store.Credit(ctx, userID, amount, reference)
	if err != nil {
		return nil, fmt.Errorf("credit %s: %w", userID, err)
	}

	slog.Info("deposit credited", "user", userID, "amount", amount.String(), "balance", acct.Balance.String(), "reference", reference)
	l.notifier.BalanceChanged(ctx, notify.BalanceUpdate{
		UserID:  userID,
		Balance: acct.Balance,
		At:      l.now(),
	})
	return acct, nil
}

// ActivateToken makes a token tradable once its creation fee is confirmed.
func (l *Ledger) ActivateToken(ctx context.Context, tokenID string) (*model.Token, error) {
	unlock, err := l.locks.acquire(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tok, err := l.store.ActivateToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, model.ErrTokenNotFound
		}
		return nil, fmt.Errorf("activate %s: %w", tokenID, err)
	}

	slog.Info("token activated", "token", tok.ID, "ticker", tok.Ticker)
	l.notifier.PriceChanged(ctx, priceUpdate(tok, l.now()))
	return tok, nil
}

func (l *Ledger) retryPolicy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = l.cfg.RetryInitialInterval
	exp.MaxInterval = l.cfg.RetryMaxInterval
	exp.MaxElapsedTime = 0

	retries := l.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

func (l *Ledger) publish(ctx context.Context, res *Result) {
	l.notifier.PriceChanged(ctx, priceUpdate(&res.Token, res.Trade.ExecutedAt))
	l.notifier.BalanceChanged(ctx, notify.BalanceUpdate{
		UserID:  res.Holding.UserID,
		TokenID: res.Holding.TokenID,
		Holding: res.Holding.Balance,
		Balance: res.Account.Balance,
		At:      res.Trade.ExecutedAt,
	})
}

func priceUpdate(t *model.Token, at time.Time) notify.PriceUpdate {
	return notify.PriceUpdate{
		TokenID:         t.ID,
		Price:           t.CurrentPrice,
		Supply:          t.CumulativeSold,
		MarketCap:       t.MarketCap,
		BondingProgress: t.BondingProgress,
		IsListed:        t.IsListed,
		At:              at,
	}
}

// reason maps a settlement error to a metrics label.
func reason(err error) string {
	switch {
	case errors.Is(err, model.ErrSlippageExceeded):
		return "slippage"
	case errors.Is(err, model.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, model.ErrInsufficientSupply):
		return "insufficient_supply"
	case errors.Is(err, model.ErrTokenListed):
		return "token_listed"
	case errors.Is(err, model.ErrTokenInactive):
		return "token_inactive"
	case errors.Is(err, model.ErrTokenNotFound):
		return "token_not_found"
	case errors.Is(err, model.ErrStorageConflict):
		return "conflict"
	case errors.Is(err, model.ErrInvalidSlippage):
		return "invalid_slippage"
	case errors.Is(err, store.ErrFulfilled):
		return "payment_fulfilled"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
