// Package store defines the persistence interface for the launchpad engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// token cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/airxtech/newfinal-sub000/internal/model"
)

var (
	ErrNotFound          = errors.New("store: not found")
	ErrDuplicate         = errors.New("store: already exists")
	ErrConflict          = errors.New("store: version conflict")
	ErrInsufficientFunds = errors.New("store: balance would go negative")
	ErrNotPending        = errors.New("store: payment is not pending")
	ErrNotConfirmed      = errors.New("store: payment is not confirmed")
	ErrFulfilled         = errors.New("store: payment already fulfilled")
)

// Settlement is one curve trade applied as a single atomic unit: the token's
// new economic state, the user's balance deltas and the ledger record.
// ApplySettlement either commits all of it or none of it.
type Settlement struct {
	// Token carries the post-trade state. Token.Version must equal the version
	// the trade was priced against; the store bumps it on commit.
	Token *model.Token

	UserID       string
	AccountDelta decimal.Decimal // payment currency, negative for BUY
	HoldingDelta decimal.Decimal // token units, negative for SELL

	Trade *model.TradeRecord

	// PaymentID, when set, marks that confirmed payment fulfilled in the same
	// unit. ErrFulfilled means another settlement already did.
	PaymentID string
}

// SettlementResult is the committed state after ApplySettlement.
type SettlementResult struct {
	Token   model.Token
	Account model.Account
	Holding model.Holding
	Trade   model.TradeRecord
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for token snapshots.
type Store interface {
	// --- Token operations ---

	// CreateToken persists a new token. A taken id or ticker returns ErrDuplicate.
	CreateToken(ctx context.Context, token *model.Token) error

	// GetToken retrieves a token by its ID.
	GetToken(ctx context.Context, id string) (*model.Token, error)

	// ListTokens returns all tokens, newest first.
	ListTokens(ctx context.Context) ([]model.Token, error)

	// ActivateToken marks a token tradable and bumps its version. Activating
	// an active token is a no-op.
	ActivateToken(ctx context.Context, id string) (*model.Token, error)

	// --- Balances ---

	// GetAccount returns the user's account, zero-valued if never funded.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// GetHolding returns the user's holding of a token, zero-valued if none.
	GetHolding(ctx context.Context, userID, tokenID string) (*model.Holding, error)

	// ListHoldings returns every holding of a user.
	ListHoldings(ctx context.Context, userID string) ([]model.Holding, error)

	// Credit adds amount to the user's account. A result below zero returns
	// ErrInsufficientFunds and changes nothing. A non-empty reference is
	// applied at most once; reusing it returns ErrDuplicate.
	Credit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (*model.Account, error)

	// --- Settlement and immutable ledger ---

	// ApplySettlement commits a trade atomically. It returns ErrConflict when
	// the token version moved and ErrInsufficientFunds when a balance would
	// go negative.
	ApplySettlement(ctx context.Context, s *Settlement) (*SettlementResult, error)

	// ListTrades returns a token's trades in append order.
	ListTrades(ctx context.Context, tokenID string) ([]model.TradeRecord, error)

	// ListAllTrades returns every trade in append order.
	ListAllTrades(ctx context.Context) ([]model.TradeRecord, error)

	// --- Pending payments ---

	// CreatePayment persists a new PENDING payment.
	CreatePayment(ctx context.Context, p *model.PendingPayment) error

	// GetPayment retrieves a payment by its ID.
	GetPayment(ctx context.Context, id string) (*model.PendingPayment, error)

	// GetPaymentByExternalID returns the payment an external id is bound to.
	GetPaymentByExternalID(ctx context.Context, externalID string) (*model.PendingPayment, error)

	// ListPendingPayments returns PENDING payments, oldest first.
	ListPendingPayments(ctx context.Context) ([]model.PendingPayment, error)

	// ConfirmPayment moves a payment PENDING -> CONFIRMED and binds the
	// external id. Returns ErrNotPending if it already left PENDING and
	// ErrDuplicate if the external id is bound to another payment.
	ConfirmPayment(ctx context.Context, id, externalID string, amount decimal.Decimal, at time.Time) (*model.PendingPayment, error)

	// ListUnfulfilledPayments returns CONFIRMED payments whose action has not
	// completed, oldest first.
	ListUnfulfilledPayments(ctx context.Context) ([]model.PendingPayment, error)

	// MarkPaymentFulfilled records that a confirmed payment's action completed.
	// Returns ErrFulfilled if it already was and ErrNotConfirmed if the
	// payment is not CONFIRMED.
	MarkPaymentFulfilled(ctx context.Context, id string, at time.Time) (*model.PendingPayment, error)

	// ExpirePayments moves every PENDING payment whose deadline is at or
	// before now to EXPIRED and returns them.
	ExpirePayments(ctx context.Context, now time.Time) ([]model.PendingPayment, error)
}
