package quote_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/airxtech/newfinal-sub000/internal/model"
	"github.com/airxtech/newfinal-sub000/internal/quote"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisBook_PutGet(t *testing.T) {
	rdb := setupRedis(t)
	book := quote.NewRedisBook(rdb)
	ctx := context.Background()

	q := &model.Quote{
		ID:          "q-1",
		TokenID:     "tok-1",
		Direction:   model.Buy,
		InputAmount: d("10"),
		TokenAmount: d("996181"),
		ExpiresAt:   time.Now().Add(time.Minute),
	}
	require.NoError(t, book.Put(ctx, q))

	got, err := book.Get(ctx, "q-1")
	require.NoError(t, err)
	assert.True(t, got.TokenAmount.Equal(d("996181")))
	assert.Equal(t, model.Buy, got.Direction)

	ttl, err := rdb.TTL(ctx, "launchpad:quote:q-1").Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, time.Minute)

	_, err = book.Get(ctx, "q-missing")
	assert.ErrorIs(t, err, model.ErrQuoteNotFound)
}

func TestRedisBook_RejectsExpired(t *testing.T) {
	rdb := setupRedis(t)
	book := quote.NewRedisBook(rdb)

	err := book.Put(context.Background(), &model.Quote{ID: "q-old", ExpiresAt: time.Now().Add(-time.Second)})
	assert.ErrorIs(t, err, model.ErrQuoteExpired)
}
