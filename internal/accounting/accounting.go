// Package accounting derives platform-level escrow and profit figures by
// replaying the trade ledger from empty state. It keeps no counters of its
// own, so every figure can be rebuilt at any time.
package accounting

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/airxtech/newfinal-sub000/internal/metrics"
	"github.com/airxtech/newfinal-sub000/internal/model"
)

// TokenFigures is one token's share of a Summary.
type TokenFigures struct {
	TokenID    string          `json:"token_id"`
	Bought     decimal.Decimal `json:"bought"` // Σ BUY gross
	Sold       decimal.Decimal `json:"sold"`   // Σ SELL gross
	Fees       decimal.Decimal `json:"fees"`
	Escrow     decimal.Decimal `json:"escrow"` // zero once listed
	Listed     bool            `json:"listed"`
	TradeCount int             `json:"trades"`
}

// Summary is the result of replaying a ledger.
type Summary struct {
	Tokens         []TokenFigures  `json:"tokens"`
	TotalEscrow    decimal.Decimal `json:"total_escrow"`
	FeeRevenue     decimal.Decimal `json:"fee_revenue"`
	Listings       int             `json:"listings"`
	ListingProfit  decimal.Decimal `json:"listing_profit"`
	RealizedProfit decimal.Decimal `json:"realized_profit"`
	Trades         int             `json:"trades"`
}

// Escrow returns the escrow of tokenID, zero if it never traded.
func (s *Summary) Escrow(tokenID string) decimal.Decimal {
	for _, t := range s.Tokens {
		if t.TokenID == tokenID {
			return t.Escrow
		}
	}
	return decimal.Zero
}

// Replay folds trades into a Summary. Escrow per unlisted token is Σ BUY gross
// minus Σ SELL gross; a listed token's funds have migrated and report zero.
// Realized profit is every fee plus listingProfit once per listed token.
func Replay(trades []model.TradeRecord, listingProfit decimal.Decimal) Summary {
	byToken := make(map[string]*TokenFigures)
	sum := Summary{
		TotalEscrow:    decimal.Zero,
		FeeRevenue:     decimal.Zero,
		ListingProfit:  decimal.Zero,
		RealizedProfit: decimal.Zero,
	}

	for _, tr := range trades {
		f, ok := byToken[tr.TokenID]
		if !ok {
			f = &TokenFigures{TokenID: tr.TokenID, Bought: decimal.Zero, Sold: decimal.Zero, Fees: decimal.Zero}
			byToken[tr.TokenID] = f
		}
		switch tr.Direction {
		case model.Buy:
			f.Bought = f.Bought.Add(tr.Payment)
		case model.Sell:
			f.Sold = f.Sold.Add(tr.Payment)
		}
		f.Fees = f.Fees.Add(tr.Fee)
		f.TradeCount++
		if tr.TriggeredListing {
			f.Listed = true
		}
		sum.Trades++
	}

	for _, f := range byToken {
		if f.Listed {
			f.Escrow = decimal.Zero
			sum.Listings++
		} else {
			f.Escrow = f.Bought.Sub(f.Sold)
		}
		sum.TotalEscrow = sum.TotalEscrow.Add(f.Escrow)
		sum.FeeRevenue = sum.FeeRevenue.Add(f.Fees)
		sum.Tokens = append(sum.Tokens, *f)
	}
	sort.Slice(sum.Tokens, func(i, j int) bool { return sum.Tokens[i].TokenID < sum.Tokens[j].TokenID })

	sum.ListingProfit = listingProfit.Mul(decimal.NewFromInt(int64(sum.Listings)))
	sum.RealizedProfit = sum.FeeRevenue.Add(sum.ListingProfit)
	return sum
}

// TradeReader is the ledger read side the view replays.
type TradeReader interface {
	ListTrades(ctx context.Context, tokenID string) ([]model.TradeRecord, error)
	ListAllTrades(ctx context.Context) ([]model.TradeRecord, error)
}

// View answers accounting queries by replaying the ledger on demand.
type View struct {
	trades        TradeReader
	listingProfit decimal.Decimal
}

// NewView creates a view. listingProfit is recognized once per listed token.
func NewView(trades TradeReader, listingProfit decimal.Decimal) *View {
	return &View{trades: trades, listingProfit: listingProfit}
}

// EscrowedFunds returns the payment currency held by tokenID's curve.
func (v *View) EscrowedFunds(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	trades, err := v.trades.ListTrades(ctx, tokenID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list trades for %s: %w", tokenID, err)
	}
	s := Replay(trades, v.listingProfit)
	return s.Escrow(tokenID), nil
}

// RealizedProfit returns fee revenue plus listing profit across all tokens.
func (v *View) RealizedProfit(ctx context.Context) (decimal.Decimal, error) {
	s, err := v.Snapshot(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return s.RealizedProfit, nil
}

// Snapshot replays the whole ledger and refreshes the accounting gauges.
func (v *View) Snapshot(ctx context.Context) (*Summary, error) {
	trades, err := v.trades.ListAllTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	s := Replay(trades, v.listingProfit)

	for _, t := range s.Tokens {
		metrics.EscrowedFunds.WithLabelValues(t.TokenID).Set(t.Escrow.InexactFloat64())
	}
	metrics.RealizedProfit.Set(s.RealizedProfit.InexactFloat64())
	return &s, nil
}
