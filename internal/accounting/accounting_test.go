package accounting_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airxtech/newfinal-sub000/internal/accounting"
	"github.com/airxtech/newfinal-sub000/internal/curve"
	"github.com/airxtech/newfinal-sub000/internal/ledger"
	"github.com/airxtech/newfinal-sub000/internal/model"
	"github.com/airxtech/newfinal-sub000/internal/quote"
	"github.com/airxtech/newfinal-sub000/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func trade(token string, dir model.Direction, payment, fee string, listed bool) model.TradeRecord {
	return model.TradeRecord{
		TokenID:          token,
		Direction:        dir,
		Payment:          d(payment),
		Fee:              d(fee),
		TriggeredListing: listed,
	}
}

func TestReplay_Empty(t *testing.T) {
	s := accounting.Replay(nil, d("100"))
	assert.True(t, s.TotalEscrow.IsZero())
	assert.True(t, s.RealizedProfit.IsZero())
	assert.Equal(t, 0, s.Listings)
}

func TestReplay_EscrowAndProfit(t *testing.T) {
	trades := []model.TradeRecord{
		trade("a", model.Buy, "100", "1", false),
		trade("a", model.Sell, "40", "0.4", false),
		trade("b", model.Buy, "500", "5", false),
		trade("b", model.Buy, "600", "6", true),
	}

	s := accounting.Replay(trades, d("250"))

	assert.True(t, s.Escrow("a").Equal(d("60")))
	assert.True(t, s.Escrow("b").IsZero(), "listed token's escrow has migrated")
	assert.True(t, s.Escrow("unknown").IsZero())
	assert.True(t, s.TotalEscrow.Equal(d("60")))
	assert.True(t, s.FeeRevenue.Equal(d("12.4")))
	assert.Equal(t, 1, s.Listings)
	assert.True(t, s.RealizedProfit.Equal(d("262.4")))
	assert.Equal(t, 4, s.Trades)
}

func TestReplay_IsDeterministic(t *testing.T) {
	trades := []model.TradeRecord{
		trade("x", model.Buy, "3", "0.03", false),
		trade("y", model.Buy, "7", "0.07", false),
	}
	assert.Equal(t, accounting.Replay(trades, d("1")), accounting.Replay(trades, d("1")))
}

// Every unit of payment currency deposited is either in an account, in a
// curve's escrow, or fee revenue.
func TestView_PaymentConservationAgainstLedger(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	tok := &model.Token{
		ID: "tok-1", Ticker: "PEPE", Name: "Pepe", CreatorID: "c",
		TotalSupply: d("300000000"), InitialPrice: d("0.00001"), FinalPrice: d("0.0001"),
		CurrentPrice: d("0.00001"), Active: true, CreatedAt: time.Now().UTC(),
	}
	c, err := curve.ForToken(tok)
	require.NoError(t, err)
	tok.FundingTarget = c.FullReserve()
	require.NoError(t, st.CreateToken(ctx, tok))

	qe := quote.NewEngine(st, quote.DefaultConfig())
	l := ledger.New(st, ledger.DefaultConfig())
	for _, u := range []string{"alice", "bob"} {
		_, err := l.Deposit(ctx, u, d("100"), "")
		require.NoError(t, err)
	}

	settle := func(user string, dir model.Direction, amount decimal.Decimal) *ledger.Result {
		q, err := qe.Quote(ctx, quote.Request{TokenID: "tok-1", Direction: dir, Amount: amount})
		require.NoError(t, err)
		res, err := l.Settle(ctx, q, user)
		require.NoError(t, err)
		return res
	}

	a := settle("alice", model.Buy, d("30"))
	settle("bob", model.Buy, d("45"))
	settle("alice", model.Sell, a.Trade.Tokens.Div(decimal.NewFromInt(2)).Floor())

	v := accounting.NewView(st, d("50"))
	escrow, err := v.EscrowedFunds(ctx, "tok-1")
	require.NoError(t, err)
	snap, err := v.Snapshot(ctx)
	require.NoError(t, err)

	balances := decimal.Zero
	for _, u := range []string{"alice", "bob"} {
		acct, _ := st.GetAccount(ctx, u)
		balances = balances.Add(acct.Balance)
	}
	assert.True(t, balances.Add(escrow).Add(snap.FeeRevenue).Equal(d("200")),
		"balances %s + escrow %s + fees %s", balances, escrow, snap.FeeRevenue)

	profit, err := v.RealizedProfit(ctx)
	require.NoError(t, err)
	assert.True(t, profit.Equal(snap.FeeRevenue), "nothing listed yet")
}
