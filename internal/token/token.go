// Package token handles launchpad token creation: ticker parsing, validation
// of curve economics, and the creation-fee payment that activates a token.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/airxtech/newfinal-sub000/internal/curve"
	"github.com/airxtech/newfinal-sub000/internal/model"
	"github.com/airxtech/newfinal-sub000/internal/payment"
	"github.com/airxtech/newfinal-sub000/internal/store"
)

// tickerRegex matches 1 to 10 uppercase letters or digits, e.g. PEPE, DOGE2.
var tickerRegex = regexp.MustCompile(`^[A-Z0-9]{1,10}$`)

const maxNameLength = 64

var (
	ErrInvalidTicker    = errors.New("token: invalid ticker format")
	ErrInvalidName      = errors.New("token: name must be 1 to 64 characters")
	ErrInvalidCreator   = errors.New("token: creator id is required")
	ErrInvalidEconomics = errors.New("token: invalid curve economics")

	ErrAlreadyActive     = errors.New("token: token is already active")
	ErrActivationPending = errors.New("token: creation fee received, activation in progress")
)

// Spec is a token creation request. Zero economics take the defaults.
type Spec struct {
	Ticker        string          `json:"ticker"`
	Name          string          `json:"name"`
	CreatorID     string          `json:"creator_id"`
	TotalSupply   decimal.Decimal `json:"total_supply"`
	InitialPrice  decimal.Decimal `json:"initial_price"`
	FinalPrice    decimal.Decimal `json:"final_price"`
	FundingTarget decimal.Decimal `json:"funding_target"`
}

// Defaults fill the economics a Spec leaves out.
type Defaults struct {
	TotalSupply  decimal.Decimal
	InitialPrice decimal.Decimal
	FinalPrice   decimal.Decimal
	// TargetFraction sets the default funding target as a fraction of the
	// full-curve reserve.
	TargetFraction decimal.Decimal
	// CreationFee is charged before a token trades. Zero activates at once.
	CreationFee decimal.Decimal
}

// DefaultDefaults returns the stock launchpad curve: 300M supply priced
// from 0.00001 to 0.0001, listing at 85% of the full reserve.
func DefaultDefaults() Defaults {
	return Defaults{
		TotalSupply:    decimal.NewFromInt(300_000_000),
		InitialPrice:   decimal.New(1, -5),
		FinalPrice:     decimal.New(1, -4),
		TargetFraction: decimal.NewFromFloat(0.85),
		CreationFee:    decimal.NewFromFloat(0.5),
	}
}

// ParseTicker normalizes and validates a ticker.
func ParseTicker(ticker string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if !tickerRegex.MatchString(t) {
		return "", fmt.Errorf("%w: %q (expected 1-10 of A-Z, 0-9)", ErrInvalidTicker, ticker)
	}
	return t, nil
}

// Normalize validates s and fills omitted economics from defs.
func Normalize(s Spec, defs Defaults) (Spec, error) {
	ticker, err := ParseTicker(s.Ticker)
	if err != nil {
		return Spec{}, err
	}
	s.Ticker = ticker

	s.Name = strings.TrimSpace(s.Name)
	if n := utf8.RuneCountInString(s.Name); n == 0 || n > maxNameLength {
		return Spec{}, ErrInvalidName
	}
	if s.CreatorID == "" {
		return Spec{}, ErrInvalidCreator
	}

	if s.TotalSupply.IsZero() {
		s.TotalSupply = defs.TotalSupply
	}
	if s.InitialPrice.IsZero() {
		s.InitialPrice = defs.InitialPrice
	}
	if s.FinalPrice.IsZero() {
		s.FinalPrice = defs.FinalPrice
	}
	if !s.TotalSupply.IsPositive() || !s.TotalSupply.Equal(s.TotalSupply.Truncate(0)) {
		return Spec{}, fmt.Errorf("%w: total supply must be a positive whole number", ErrInvalidEconomics)
	}
	if !s.InitialPrice.IsPositive() || s.FinalPrice.LessThan(s.InitialPrice) {
		return Spec{}, fmt.Errorf("%w: need 0 < initial price <= final price", ErrInvalidEconomics)
	}

	c, err := curve.New(curve.Params{
		TotalSupply:  s.TotalSupply,
		InitialPrice: s.InitialPrice,
		FinalPrice:   s.FinalPrice,
	})
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %v", ErrInvalidEconomics, err)
	}

	full := c.FullReserve()
	if s.FundingTarget.IsZero() {
		s.FundingTarget = full.Mul(defs.TargetFraction).Round(curve.PaymentScale)
	}
	if !s.FundingTarget.IsPositive() || s.FundingTarget.GreaterThan(full) {
		return Spec{}, fmt.Errorf("%w: funding target must be in (0, %s]", ErrInvalidEconomics, full.String())
	}
	return s, nil
}

// PaymentRequester records the creation-fee payment.
type PaymentRequester interface {
	Request(ctx context.Context, in payment.Intent) (*model.PendingPayment, error)
}

// Service creates tokens.
type Service struct {
	store    store.Store
	payments PaymentRequester
	defaults Defaults
	now      func() time.Time
}

// NewService creates a token service.
func NewService(st store.Store, payments PaymentRequester, defs Defaults) *Service {
	return &Service{
		store:    st,
		payments: payments,
		defaults: defs,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Created is the outcome of Create. Payment is nil when no creation fee is
// charged and the token is active at once.
type Created struct {
	Token   *model.Token          `json:"token"`
	Payment *model.PendingPayment `json:"payment,omitempty"`
}

// Create persists a new token at supply zero. The token stays inactive until
// its creation fee is confirmed. A taken ticker returns store.ErrDuplicate.
func (s *Service) Create(ctx context.Context, spec Spec) (*Created, error) {
	spec, err := Normalize(spec, s.defaults)
	if err != nil {
		return nil, err
	}

	free := !s.defaults.CreationFee.IsPositive()
	tok := &model.Token{
		ID:              uuid.New().String(),
		Ticker:          spec.Ticker,
		Name:            spec.Name,
		CreatorID:       spec.CreatorID,
		TotalSupply:     spec.TotalSupply,
		InitialPrice:    spec.InitialPrice,
		FinalPrice:      spec.FinalPrice,
		FundingTarget:   spec.FundingTarget,
		CumulativeSold:  decimal.Zero,
		CurrentPrice:    spec.InitialPrice,
		MarketCap:       decimal.Zero,
		BondingProgress: decimal.Zero,
		Active:          free,
		CreatedAt:       s.now(),
	}
	if err := s.store.CreateToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("create token %s: %w", tok.Ticker, err)
	}

	out := &Created{Token: tok}
	if !free {
		p, err := s.payments.Request(ctx, payment.Intent{
			Kind:    model.PaymentCreationFee,
			Amount:  s.defaults.CreationFee,
			TokenID: tok.ID,
			UserID:  tok.CreatorID,
		})
		if err != nil {
			// The token exists; the creator can ask for the fee again.
			return nil, fmt.Errorf("creation fee for %s (token %s): %w", tok.Ticker, tok.ID, err)
		}
		out.Payment = p
	}

	slog.Info("token created", "token", tok.ID, "ticker", tok.Ticker, "target", tok.FundingTarget.String(), "active", tok.Active)
	return out, nil
}

// RenewCreationFee returns a payable creation-fee request for an inactive
// token: the open one if a request is still pending, or a new one when
// earlier requests expired or were never recorded.
func (s *Service) RenewCreationFee(ctx context.Context, tokenID string) (*Created, error) {
	tok, err := s.store.GetToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, model.ErrTokenNotFound
		}
		return nil, fmt.Errorf("load token %s: %w", tokenID, err)
	}
	if tok.Active {
		return nil, ErrAlreadyActive
	}

	confirmed, err := s.store.ListUnfulfilledPayments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unfulfilled payments: %w", err)
	}
	for _, p := range confirmed {
		if p.Kind == model.PaymentCreationFee && p.TokenID == tok.ID {
			return nil, ErrActivationPending
		}
	}

	pending, err := s.store.ListPendingPayments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}
	now := s.now()
	for i := range pending {
		p := &pending[i]
		if p.Kind == model.PaymentCreationFee && p.TokenID == tok.ID && p.ExpiresAt.After(now) {
			return &Created{Token: tok, Payment: p}, nil
		}
	}

	p, err := s.payments.Request(ctx, payment.Intent{
		Kind:    model.PaymentCreationFee,
		Amount:  s.defaults.CreationFee,
		TokenID: tok.ID,
		UserID:  tok.CreatorID,
	})
	if err != nil {
		return nil, fmt.Errorf("creation fee for %s: %w", tok.Ticker, err)
	}

	slog.Info("creation fee renewed", "token", tok.ID, "ticker", tok.Ticker, "payment", p.ID)
	return &Created{Token: tok, Payment: p}, nil
}
