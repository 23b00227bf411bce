// Package quote turns a trade intent into a priced, time-boxed Quote
// without mutating any state.
//
// Price is the single pricing routine for both quoting and settlement: the
// ledger re-runs it against live supply at commit time, so the quoted and
// executed numbers come from the same code.
package quote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/airxtech/newfinal-sub000/internal/curve"
	"github.com/airxtech/newfinal-sub000/internal/model"
	"github.com/airxtech/newfinal-sub000/internal/store"
)

var hundred = decimal.NewFromInt(100)

// Config holds the quoting knobs.
type Config struct {
	FeeRate            decimal.Decimal // fraction, 0.01 = 1%
	ValidityWindow     time.Duration
	DefaultSlippagePct decimal.Decimal
}

// DefaultConfig returns a 1% fee, 60s validity and 1% default slippage.
func DefaultConfig() Config {
	return Config{
		FeeRate:            decimal.NewFromFloat(0.01),
		ValidityWindow:     60 * time.Second,
		DefaultSlippagePct: decimal.NewFromInt(1),
	}
}

// TokenReader is the read side the engine needs.
type TokenReader interface {
	GetToken(ctx context.Context, id string) (*model.Token, error)
}

// Request is a trade intent. Amount is payment currency for BUY and token
// units for SELL. A nil SlippagePct takes the configured default.
type Request struct {
	TokenID     string
	Direction   model.Direction
	Amount      decimal.Decimal
	SlippagePct *decimal.Decimal
}

// Engine prices trade intents against a token's curve.
type Engine struct {
	tokens TokenReader
	book   Book
	cfg    Config
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithBook stores every issued quote so it can be settled by id.
func WithBook(b Book) Option {
	return func(e *Engine) { e.book = b }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a quote engine.
func NewEngine(tokens TokenReader, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		tokens: tokens,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FeeRate returns the configured fee fraction.
func (e *Engine) FeeRate() decimal.Decimal {
	return e.cfg.FeeRate
}

// Quote validates the request, prices it against a snapshot of the token
// and returns a quote valid for the configured window.
func (e *Engine) Quote(ctx context.Context, req Request) (*model.Quote, error) {
	slippage, err := e.validate(req)
	if err != nil {
		return nil, err
	}

	tok, err := e.tokens.GetToken(ctx, req.TokenID)
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
	p, err := Price(c, tok.CumulativeSold, req.Direction, req.Amount, e.cfg.FeeRate)
	if err != nil {
		return nil, err
	}

	issued := e.now()
	q := &model.Quote{
		ID:             uuid.New().String(),
		TokenID:        tok.ID,
		Direction:      req.Direction,
		InputAmount:    req.Amount,
		TokenAmount:    p.Tokens,
		PaymentAmount:  p.Payment,
		AvgPrice:       p.AvgPrice,
		Fee:            p.Fee,
		Total:          p.Total,
		PriceImpactPct: p.ImpactPct,
		SlippagePct:    slippage,
		TokenVersion:   tok.Version,
		IssuedAt:       issued,
		ExpiresAt:      issued.Add(e.cfg.ValidityWindow),
	}

	if e.book != nil {
		if err := e.book.Put(ctx, q); err != nil {
			return nil, fmt.Errorf("store quote: %w", err)
		}
	}
	return q, nil
}

// Lookup returns a previously issued quote by id.
func (e *Engine) Lookup(ctx context.Context, id string) (*model.Quote, error) {
	if e.book == nil {
		return nil, model.ErrQuoteNotFound
	}
	return e.book.Get(ctx, id)
}

func (e *Engine) validate(req Request) (decimal.Decimal, error) {
	if !req.Direction.Valid() {
		return decimal.Zero, model.ErrInvalidDirection
	}
	if !req.Amount.IsPositive() {
		return decimal.Zero, model.ErrInvalidAmount
	}
	slippage := e.cfg.DefaultSlippagePct
	if req.SlippagePct != nil {
		slippage = *req.SlippagePct
	}
	if slippage.IsNegative() || slippage.GreaterThan(hundred) {
		return decimal.Zero, model.ErrInvalidSlippage
	}
	return slippage, nil
}

// Pricing is the outcome of pricing one trade at a supply point.
type Pricing struct {
	Tokens      decimal.Decimal // token units moved
	Payment     decimal.Decimal // gross curve amount, fee excluded
	Fee         decimal.Decimal
	Total       decimal.Decimal // BUY: debited; SELL: credited
	AvgPrice    decimal.Decimal
	PriceBefore decimal.Decimal
	PriceAfter  decimal.Decimal
	ImpactPct   decimal.Decimal
	SoldAfter   decimal.Decimal
}

// Price prices a trade of amount at sold. BUY spends amount (fee on top) and
// receives the whole tokens it covers; SELL sells amount whole tokens and
// receives the curve payout less the fee.
func Price(c *curve.Curve, sold decimal.Decimal, dir model.Direction, amount, feeRate decimal.Decimal) (*Pricing, error) {
	if !amount.IsPositive() {
		return nil, model.ErrInvalidAmount
	}

	before, err := c.Price(sold)
	if err != nil {
		return nil, fmt.Errorf("price before: %w", err)
	}

	p := &Pricing{PriceBefore: before}
	switch dir {
	case model.Buy:
		tokens, err := c.TokensForPayment(sold, amount)
		if errors.Is(err, curve.ErrOutOfRange) {
			return nil, model.ErrInsufficientSupply
		}
		if err != nil {
			return nil, fmt.Errorf("tokens for payment: %w", err)
		}
		if tokens.IsZero() {
			return nil, model.ErrInvalidAmount
		}
		p.Tokens = tokens
		p.Payment = amount
		p.Fee = amount.Mul(feeRate).Round(curve.PaymentScale)
		p.Total = amount.Add(p.Fee)
		p.SoldAfter = sold.Add(tokens)

	case model.Sell:
		if !amount.Equal(amount.Truncate(0)) {
			return nil, model.ErrInvalidAmount
		}
		if amount.GreaterThan(sold) {
			return nil, model.ErrInsufficientSupply
		}
		payment, err := c.CostToBuy(sold.Sub(amount), sold)
		if err != nil {
			return nil, fmt.Errorf("sell payout: %w", err)
		}
		p.Tokens = amount
		p.Payment = payment
		p.Fee = payment.Mul(feeRate).Round(curve.PaymentScale)
		p.Total = payment.Sub(p.Fee)
		p.SoldAfter = sold.Sub(amount)

	default:
		return nil, model.ErrInvalidDirection
	}

	p.AvgPrice = p.Payment.Div(p.Tokens).Round(curve.PriceScale)
	p.PriceAfter, err = c.Price(p.SoldAfter)
	if err != nil {
		return nil, fmt.Errorf("price after: %w", err)
	}
	p.ImpactPct = p.PriceAfter.Sub(before).Div(before).Mul(hundred).Abs().Round(curve.ProgressScale)
	return p, nil
}
