package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/airxtech/newfinal-sub000/internal/model"
	"github.com/airxtech/newfinal-sub000/internal/store"
	"github.com/airxtech/newfinal-sub000/internal/store/migrations"
)

// setupPostgres starts a PostgreSQL container, applies the embedded
// migrations and returns a store backed by it.
func setupPostgres(t *testing.T) *store.PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, migrations.Apply(ctx, pool))
	// Applying twice must be harmless.
	require.NoError(t, migrations.Apply(ctx, pool))

	return store.NewPostgresStore(pool)
}

func TestPostgresStore_TokenRoundTrip(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	tok := newToken("t1", "PEPE")
	tok.Active = false
	require.NoError(t, s.CreateToken(ctx, tok))
	assert.ErrorIs(t, s.CreateToken(ctx, newToken("t2", "PEPE")), store.ErrDuplicate)

	got, err := s.GetToken(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "PEPE", got.Ticker)
	assert.True(t, got.TotalSupply.Equal(d("1000000")))
	assert.True(t, got.InitialPrice.Equal(d("0.001")))
	assert.False(t, got.Active)

	act, err := s.ActivateToken(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, act.Active)
	assert.Equal(t, int64(1), act.Version)

	_, err = s.GetToken(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgresStore_ApplySettlement(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	require.NoError(t, s.CreateToken(ctx, newToken("t1", "PEPE")))
	_, err := s.Credit(ctx, "alice", d("10"), "")
	require.NoError(t, err)

	tok, err := s.GetToken(ctx, "t1")
	require.NoError(t, err)

	res, err := s.ApplySettlement(ctx, buySettlement(*tok, "alice", "4.5", "1000"))
	require.NoError(t, err)
	assert.True(t, res.Account.Balance.Equal(d("5.5")))
	assert.True(t, res.Holding.Balance.Equal(d("1000")))
	assert.Equal(t, tok.Version+1, res.Token.Version)
	assert.Positive(t, res.Trade.Seq)

	// Same stale version again: conflict, nothing written.
	_, err = s.ApplySettlement(ctx, buySettlement(*tok, "alice", "1", "10"))
	assert.ErrorIs(t, err, store.ErrConflict)

	// Overdraft: rejected by the guarded update.
	fresh, _ := s.GetToken(ctx, "t1")
	_, err = s.ApplySettlement(ctx, buySettlement(*fresh, "alice", "100", "10"))
	assert.ErrorIs(t, err, store.ErrInsufficientFunds)

	trades, err := s.ListTrades(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Payment.Equal(d("4.5")))
	assert.Equal(t, model.Buy, trades[0].Direction)
}

func TestPostgresStore_ConcurrentSettlementsSerialize(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	require.NoError(t, s.CreateToken(ctx, newToken("t1", "PEPE")))
	_, err := s.Credit(ctx, "alice", d("100"), "")
	require.NoError(t, err)
	tok, _ := s.GetToken(ctx, "t1")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := buySettlement(*tok, "alice", "1", "10")
			st.Trade.ID = st.Trade.ID + "-" + time.Now().Format(time.RFC3339Nano)
			if _, err := s.ApplySettlement(ctx, st); err == nil {
				mu.Lock()
				committed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, committed, "only one settlement per token version may commit")
}

func TestPostgresStore_PaymentLifecycle(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	p := &model.PendingPayment{
		ID: "p1", Kind: model.PaymentExternalBuy, Status: model.PaymentPending,
		ExpectedAmount: d("2.5"), Recipient: "wallet", TokenID: "t1", UserID: "alice",
		SlippagePct: d("1"), CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, s.CreatePayment(ctx, p))
	require.NoError(t, s.CreatePayment(ctx, &model.PendingPayment{
		ID: "p2", Kind: model.PaymentCreationFee, Status: model.PaymentPending,
		ExpectedAmount: d("1"), Recipient: "wallet", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))

	pending, err := s.ListPendingPayments(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "p2", pending[0].ID, "oldest first")

	confirmed, err := s.ConfirmPayment(ctx, "p1", "ext-1", d("2.5"), now)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentConfirmed, confirmed.Status)
	assert.Equal(t, "ext-1", confirmed.ExternalPaymentID)

	_, err = s.ConfirmPayment(ctx, "p1", "ext-1", d("2.5"), now)
	assert.ErrorIs(t, err, store.ErrNotPending)

	expired, err := s.ExpirePayments(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "p2", expired[0].ID)

	_, err = s.ConfirmPayment(ctx, "p2", "ext-1", d("1"), now)
	assert.ErrorIs(t, err, store.ErrNotPending)

	bound, err := s.GetPaymentByExternalID(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "p1", bound.ID)

	open, err := s.ListUnfulfilledPayments(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "p1", open[0].ID)

	_, err = s.MarkPaymentFulfilled(ctx, "p2", now)
	assert.ErrorIs(t, err, store.ErrNotConfirmed)
	fulfilled, err := s.MarkPaymentFulfilled(ctx, "p1", now)
	require.NoError(t, err)
	require.NotNil(t, fulfilled.FulfilledAt)
	_, err = s.MarkPaymentFulfilled(ctx, "p1", now)
	assert.ErrorIs(t, err, store.ErrFulfilled)

	open, err = s.ListUnfulfilledPayments(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPostgresStore_CreditReferenceAppliedOnce(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	_, err := s.Credit(ctx, "alice", d("5"), "payment:ext-1")
	require.NoError(t, err)
	_, err = s.Credit(ctx, "alice", d("5"), "payment:ext-1")
	assert.ErrorIs(t, err, store.ErrDuplicate)

	acct, err := s.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("5")))
}
