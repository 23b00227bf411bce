// Package model defines the core domain types shared across the launchpad engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a curve trade.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Valid reports whether d is BUY or SELL.
func (d Direction) Valid() bool {
	return d == Buy || d == Sell
}

// Token is a launchpad token trading against its bonding curve until listed.
type Token struct {
	ID        string `json:"id" db:"id"`
	Ticker    string `json:"ticker" db:"ticker"`
	Name      string `json:"name" db:"name"`
	CreatorID string `json:"creator_id" db:"creator_id"`

	// Curve parameters, fixed at creation.
	TotalSupply   decimal.Decimal `json:"total_supply" db:"total_supply"`
	InitialPrice  decimal.Decimal `json:"initial_price" db:"initial_price"`
	FinalPrice    decimal.Decimal `json:"final_price" db:"final_price"`
	FundingTarget decimal.Decimal `json:"funding_target" db:"funding_target"`

	// Economics, mutated only by the settlement ledger.
	CumulativeSold  decimal.Decimal `json:"cumulative_sold" db:"cumulative_sold"`
	CurrentPrice    decimal.Decimal `json:"current_price" db:"current_price"`
	MarketCap       decimal.Decimal `json:"market_cap" db:"market_cap"`
	BondingProgress decimal.Decimal `json:"bonding_progress" db:"bonding_progress"` // 0–100

	// Active is false until the creation fee payment is confirmed.
	Active   bool       `json:"active" db:"active"`
	IsListed bool       `json:"is_listed" db:"is_listed"`
	ListedAt *time.Time `json:"listed_at,omitempty" db:"listed_at"`

	// Version is bumped on every committed mutation (optimistic concurrency).
	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Tradable reports whether the token currently trades against its curve.
func (t *Token) Tradable() bool {
	return t.Active && !t.IsListed
}

// Account is a user's payment-currency balance.
type Account struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Holding is a user's balance of one token. Created lazily, never deleted.
type Holding struct {
	UserID    string          `json:"user_id" db:"user_id"`
	TokenID   string          `json:"token_id" db:"token_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// TradeRecord is an immutable record of a settled curve trade.
// Once created, these are never modified or deleted.
type TradeRecord struct {
	ID        string          `json:"id" db:"id"`
	Seq       int64           `json:"seq" db:"seq"` // per-store append order
	TokenID   string          `json:"token_id" db:"token_id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Direction Direction       `json:"direction" db:"direction"`
	Payment   decimal.Decimal `json:"payment" db:"payment"`           // gross, fee excluded
	Tokens    decimal.Decimal `json:"tokens" db:"tokens"`             // token units moved
	Price     decimal.Decimal `json:"price" db:"price"`               // average execution price
	Fee       decimal.Decimal `json:"fee" db:"fee"`                   // fee charged on top (BUY) or withheld (SELL)
	SoldAfter decimal.Decimal `json:"sold_after" db:"sold_after"`     // cumulative sold after this trade
	QuoteID   string          `json:"quote_id,omitempty" db:"quote_id"`

	// TriggeredListing marks the trade that crossed the funding target.
	TriggeredListing bool      `json:"triggered_listing" db:"triggered_listing"`
	ExecutedAt       time.Time `json:"executed_at" db:"executed_at"`
}

// PaymentKind is what an externally settled payment pays for.
type PaymentKind string

const (
	PaymentCreationFee PaymentKind = "CREATION_FEE"
	PaymentExternalBuy PaymentKind = "EXTERNAL_BUY"
)

// PaymentStatus is the reconciliation state of a pending payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentConfirmed PaymentStatus = "CONFIRMED"
	PaymentExpired   PaymentStatus = "EXPIRED"
)

// PendingPayment tracks an off-chain payment the platform is waiting for.
type PendingPayment struct {
	ID             string          `json:"id" db:"id"`
	Kind           PaymentKind     `json:"kind" db:"kind"`
	Status         PaymentStatus   `json:"status" db:"status"`
	ExpectedAmount decimal.Decimal `json:"expected_amount" db:"expected_amount"`
	Payer          string          `json:"payer,omitempty" db:"payer"`
	Recipient      string          `json:"recipient" db:"recipient"`
	TokenID        string          `json:"token_id" db:"token_id"`
	UserID         string          `json:"user_id" db:"user_id"`
	SlippagePct    decimal.Decimal `json:"slippage_pct" db:"slippage_pct"`

	ExternalPaymentID string          `json:"external_payment_id,omitempty" db:"external_payment_id"`
	ConfirmedAmount   decimal.Decimal `json:"confirmed_amount" db:"confirmed_amount"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt         time.Time       `json:"expires_at" db:"expires_at"`
	ConfirmedAt       *time.Time      `json:"confirmed_at,omitempty" db:"confirmed_at"`

	// FulfilledAt is set once the payment's action (activation or buy) has
	// run to a final outcome.
	FulfilledAt *time.Time `json:"fulfilled_at,omitempty" db:"fulfilled_at"`
}

// Quote is a time-boxed price for a trade intent. Never persisted.
type Quote struct {
	ID          string          `json:"id"`
	TokenID     string          `json:"token_id"`
	Direction   Direction       `json:"direction"`
	InputAmount decimal.Decimal `json:"input_amount"` // payment for BUY, tokens for SELL

	TokenAmount    decimal.Decimal `json:"token_amount"`
	PaymentAmount  decimal.Decimal `json:"payment_amount"` // gross curve amount, fee excluded
	AvgPrice       decimal.Decimal `json:"avg_price"`
	Fee            decimal.Decimal `json:"fee"`
	Total          decimal.Decimal `json:"total"` // BUY: paid incl. fee; SELL: received net of fee
	PriceImpactPct decimal.Decimal `json:"price_impact_pct"`
	SlippagePct    decimal.Decimal `json:"slippage_pct"`

	// TokenVersion is the token state the quote was priced against.
	TokenVersion int64     `json:"token_version"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the quote is no longer valid at now.
func (q *Quote) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}
