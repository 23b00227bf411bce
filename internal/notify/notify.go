// Package notify fans committed balance and price changes out to the
// realtime layers (websocket hub, NATS subscribers).
package notify

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceUpdate is emitted after every committed settlement for the token.
type PriceUpdate struct {
	TokenID         string          `json:"token_id"`
	Price           decimal.Decimal `json:"price"`
	Supply          decimal.Decimal `json:"supply"` // cumulative sold
	MarketCap       decimal.Decimal `json:"market_cap"`
	BondingProgress decimal.Decimal `json:"bonding_progress"`
	IsListed        bool            `json:"is_listed"`
	At              time.Time       `json:"at"`
}

// BalanceUpdate is emitted after every committed settlement for the trader.
type BalanceUpdate struct {
	UserID  string          `json:"user_id"`
	TokenID string          `json:"token_id"`
	Holding decimal.Decimal `json:"holding"`
	Balance decimal.Decimal `json:"balance"` // payment currency
	At      time.Time       `json:"at"`
}

// Notifier receives post-commit events. Implementations must not block the
// caller on slow consumers; delivery is best effort.
type Notifier interface {
	PriceChanged(ctx context.Context, u PriceUpdate)
	BalanceChanged(ctx context.Context, u BalanceUpdate)
}

// Multi fans every event out to each notifier in order.
type Multi []Notifier

func (m Multi) PriceChanged(ctx context.Context, u PriceUpdate) {
	for _, n := range m {
		n.PriceChanged(ctx, u)
	}
}

func (m Multi) BalanceChanged(ctx context.Context, u BalanceUpdate) {
	for _, n := range m {
		n.BalanceChanged(ctx, u)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) PriceChanged(context.Context, PriceUpdate)     {}
func (Nop) BalanceChanged(context.Context, BalanceUpdate) {}
