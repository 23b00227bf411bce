package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu   sync.Mutex
	msgs map[string][]byte
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msgs == nil {
		f.msgs = make(map[string][]byte)
	}
	f.msgs[subj] = data
	return nil
}

func (f *fakeConn) Close() {}

type recorder struct {
	prices   []PriceUpdate
	balances []BalanceUpdate
}

func (r *recorder) PriceChanged(_ context.Context, u PriceUpdate)     { r.prices = append(r.prices, u) }
func (r *recorder) BalanceChanged(_ context.Context, u BalanceUpdate) { r.balances = append(r.balances, u) }

func TestNATSPublisher_Subjects(t *testing.T) {
	fc := &fakeConn{}
	p := newNATSPublisher(fc, "")

	p.PriceChanged(context.Background(), PriceUpdate{TokenID: "tok-1", Price: decimal.RequireFromString("0.00002")})
	p.BalanceChanged(context.Background(), BalanceUpdate{UserID: "alice", TokenID: "tok-1", Holding: decimal.NewFromInt(5)})

	require.Contains(t, fc.msgs, "launchpad.price.tok-1")
	require.Contains(t, fc.msgs, "launchpad.balance.alice")

	var got PriceUpdate
	require.NoError(t, json.Unmarshal(fc.msgs["launchpad.price.tok-1"], &got))
	assert.True(t, got.Price.Equal(decimal.RequireFromString("0.00002")))
}

func TestMulti_FansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi{a, Nop{}, b}

	m.PriceChanged(context.Background(), PriceUpdate{TokenID: "tok-1"})
	m.BalanceChanged(context.Background(), BalanceUpdate{UserID: "alice"})

	assert.Len(t, a.prices, 1)
	assert.Len(t, b.prices, 1)
	assert.Len(t, a.balances, 1)
	assert.Len(t, b.balances, 1)
}
