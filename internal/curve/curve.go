// Package curve implements the bonding curve that prices every launchpad
// token while it trades before listing.
//
// The curve is a continuous exponential in cumulative tokens sold:
//
//	price(s) = P0 · e^(k·s),  k = ln(P1/P0) / S
//
// so that price(0) = P0 and price(S) = P1 exactly. Its integral and the
// inverse of the integral both have closed forms, so buying with a payment
// amount needs no numerical search.
//
// All monetary values use shopspring/decimal. Transcendental math runs in
// float64 and results are immediately converted to decimal and rounded.
package curve

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/airxtech/newfinal-sub000/internal/model"
)

var (
	// ErrInvalidParams is returned for a non-positive supply or price, or a
	// final price below the initial price.
	ErrInvalidParams = errors.New("curve: invalid curve parameters")

	// ErrOutOfRange is returned when a supply point falls outside
	// [0, total supply], including purchases that would exceed the supply.
	ErrOutOfRange = errors.New("curve: supply outside [0, total supply]")

	// ErrInvalidInterval is returned when from > to.
	ErrInvalidInterval = errors.New("curve: interval start exceeds end")

	// ErrNegativeAmount is returned for negative payment amounts.
	ErrNegativeAmount = errors.New("curve: amount must not be negative")

	// ErrConvergence is returned when the inverse produces a non-finite
	// result. The closed form never iterates, so this signals overflow.
	ErrConvergence = errors.New("curve: inverse did not converge")

	// PriceScale is the number of decimal places prices are rounded to.
	PriceScale int32 = 12

	// PaymentScale is the number of decimal places payment amounts are
	// rounded to (nano units of the payment currency).
	PaymentScale int32 = 9

	// ProgressScale is the number of decimal places for bonding progress.
	ProgressScale int32 = 4
)

var hundred = decimal.NewFromInt(100)

// Params fixes a curve. TotalSupply is a whole number of token units.
type Params struct {
	TotalSupply  decimal.Decimal
	InitialPrice decimal.Decimal
	FinalPrice   decimal.Decimal
}

// Curve is the pricing function for one token. It is stateless: the
// cumulative sold amount is passed as an argument, not stored.
type Curve struct {
	supply decimal.Decimal
	p0     decimal.Decimal
	p1     decimal.Decimal

	s   float64
	p0f float64
	k   float64 // 0 for a flat curve
}

// New validates params and builds a curve.
func New(p Params) (*Curve, error) {
	if !p.TotalSupply.IsPositive() || !p.TotalSupply.Equal(p.TotalSupply.Truncate(0)) {
		return nil, ErrInvalidParams
	}
	if !p.InitialPrice.IsPositive() || p.FinalPrice.LessThan(p.InitialPrice) {
		return nil, ErrInvalidParams
	}

	s := p.TotalSupply.InexactFloat64()
	p0 := p.InitialPrice.InexactFloat64()
	p1 := p.FinalPrice.InexactFloat64()

	return &Curve{
		supply: p.TotalSupply,
		p0:     p.InitialPrice,
		p1:     p.FinalPrice,
		s:      s,
		p0f:    p0,
		k:      math.Log(p1/p0) / s,
	}, nil
}

// ForToken builds the curve a token was created with.
func ForToken(t *model.Token) (*Curve, error) {
	return New(Params{
		TotalSupply:  t.TotalSupply,
		InitialPrice: t.InitialPrice,
		FinalPrice:   t.FinalPrice,
	})
}

// TotalSupply returns S.
func (c *Curve) TotalSupply() decimal.Decimal {
	return c.supply
}

func (c *Curve) inRange(sold decimal.Decimal) bool {
	return !sold.IsNegative() && sold.LessThanOrEqual(c.supply)
}

// Price returns the instantaneous price after sold tokens have been sold.
// The endpoints return the configured prices exactly.
func (c *Curve) Price(sold decimal.Decimal) (decimal.Decimal, error) {
	if !c.inRange(sold) {
		return decimal.Zero, ErrOutOfRange
	}
	switch {
	case sold.IsZero():
		return c.p0, nil
	case sold.Equal(c.supply):
		return c.p1, nil
	}

	p := c.p0f * math.Exp(c.k*sold.InexactFloat64())
	price := decimal.NewFromFloat(p).Round(PriceScale)

	// Rounding must not step outside the endpoint prices.
	if price.LessThan(c.p0) {
		return c.p0, nil
	}
	if price.GreaterThan(c.p1) {
		return c.p1, nil
	}
	return price, nil
}

// CostToBuy returns the payment needed to move supply from `from` to `to`,
// the definite integral of Price over [from, to]:
//
//	cost = (P0/k) · e^(k·from) · (e^(k·(to−from)) − 1)
//
// expm1 keeps small intervals accurate. Selling is the same integral read
// the other way: selling x tokens at sold s pays CostToBuy(s−x, s).
func (c *Curve) CostToBuy(from, to decimal.Decimal) (decimal.Decimal, error) {
	if !c.inRange(from) || !c.inRange(to) {
		return decimal.Zero, ErrOutOfRange
	}
	if from.GreaterThan(to) {
		return decimal.Zero, ErrInvalidInterval
	}
	if from.Equal(to) {
		return decimal.Zero, nil
	}

	a := from.InexactFloat64()
	delta := to.Sub(from).InexactFloat64()

	var cost float64
	if c.k == 0 {
		cost = c.p0f * delta
	} else {
		cost = c.p0f / c.k * math.Exp(c.k*a) * math.Expm1(c.k*delta)
	}
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return decimal.Zero, ErrConvergence
	}
	return decimal.NewFromFloat(cost).Round(PaymentScale), nil
}

// TokensForPayment inverts CostToBuy: how many whole tokens does payment
// buy starting at `from`?
//
//	tokens = ln(1 + payment·k / (P0·e^(k·from))) / k
//
// The result is floored to whole token units, so the buyer never receives
// more than the payment covers. Purchases beyond the supply fail with
// ErrOutOfRange.
func (c *Curve) TokensForPayment(from, payment decimal.Decimal) (decimal.Decimal, error) {
	if !c.inRange(from) {
		return decimal.Zero, ErrOutOfRange
	}
	if payment.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	if payment.IsZero() {
		return decimal.Zero, nil
	}

	a := from.InexactFloat64()
	pay := payment.InexactFloat64()

	var tokens float64
	if c.k == 0 {
		tokens = pay / c.p0f
	} else {
		spot := c.p0f * math.Exp(c.k*a)
		tokens = math.Log1p(pay*c.k/spot) / c.k
	}
	if math.IsNaN(tokens) || math.IsInf(tokens, 0) {
		return decimal.Zero, ErrConvergence
	}

	out := decimal.NewFromFloat(math.Floor(tokens))
	if from.Add(out).GreaterThan(c.supply) {
		return decimal.Zero, ErrOutOfRange
	}
	return out, nil
}

// MarketCap returns price(sold) · sold.
func (c *Curve) MarketCap(sold decimal.Decimal) (decimal.Decimal, error) {
	price, err := c.Price(sold)
	if err != nil {
		return decimal.Zero, err
	}
	return price.Mul(sold).Round(PaymentScale), nil
}

// Reserve returns the payment currency the curve holds at sold, i.e. the
// cost of buying the whole sold amount from zero.
func (c *Curve) Reserve(sold decimal.Decimal) (decimal.Decimal, error) {
	return c.CostToBuy(decimal.Zero, sold)
}

// FullReserve returns the reserve after the entire supply has been sold.
func (c *Curve) FullReserve() decimal.Decimal {
	r, _ := c.Reserve(c.supply)
	return r
}

// RawProgress returns Reserve(sold) / target · 100 without clamping. A value
// ≥ 100 means the funding target has been reached.
func (c *Curve) RawProgress(sold, target decimal.Decimal) (decimal.Decimal, error) {
	if !target.IsPositive() {
		return decimal.Zero, ErrInvalidParams
	}
	reserve, err := c.Reserve(sold)
	if err != nil {
		return decimal.Zero, err
	}
	return reserve.Mul(hundred).Div(target).Round(ProgressScale), nil
}

// Progress is RawProgress clamped to [0, 100].
func (c *Curve) Progress(sold, target decimal.Decimal) (decimal.Decimal, error) {
	p, err := c.RawProgress(sold, target)
	if err != nil {
		return decimal.Zero, err
	}
	if p.GreaterThan(hundred) {
		return hundred, nil
	}
	return p, nil
}

// State is the derived economics of a token at a supply point.
type State struct {
	Price       decimal.Decimal
	MarketCap   decimal.Decimal
	Progress    decimal.Decimal // clamped
	RawProgress decimal.Decimal
}

// StateAt derives price, market cap and bonding progress at sold.
func (c *Curve) StateAt(sold, target decimal.Decimal) (State, error) {
	price, err := c.Price(sold)
	if err != nil {
		return State{}, err
	}
	raw, err := c.RawProgress(sold, target)
	if err != nil {
		return State{}, err
	}
	progress := raw
	if progress.GreaterThan(hundred) {
		progress = hundred
	}
	return State{
		Price:       price,
		MarketCap:   price.Mul(sold).Round(PaymentScale),
		Progress:    progress,
		RawProgress: raw,
	}, nil
}
