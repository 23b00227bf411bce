package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/airxtech/newfinal-sub000/internal/model"
)

// Book keeps issued quotes until they expire so a client can settle by id.
// Quotes are a lease on a price, not state: losing the book only forces a
// re-quote.
type Book interface {
	Put(ctx context.Context, q *model.Quote) error
	Get(ctx context.Context, id string) (*model.Quote, error)
}

// MemoryBook is an in-process Book. Expired entries are purged lazily on
// Put.
type MemoryBook struct {
	mu     sync.Mutex
	quotes map[string]model.Quote
	now    func() time.Time
}

// NewMemoryBook creates an empty in-memory book.
func NewMemoryBook() *MemoryBook {
	return &MemoryBook{
		quotes: make(map[string]model.Quote),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (b *MemoryBook) Put(_ context.Context, q *model.Quote) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for id, existing := range b.quotes {
		if existing.Expired(now) {
			delete(b.quotes, id)
		}
	}
	b.quotes[q.ID] = *q
	return nil
}

func (b *MemoryBook) Get(_ context.Context, id string) (*model.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.quotes[id]
	if !ok {
		return nil, model.ErrQuoteNotFound
	}
	if q.Expired(b.now()) {
		delete(b.quotes, id)
		return nil, model.ErrQuoteExpired
	}
	return &q, nil
}

// RedisBook stores quotes as JSON with a TTL equal to the quote's remaining
// validity. A key that Redis already evicted reads as not found.
type RedisBook struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// NewRedisBook creates a Redis-backed book.
func NewRedisBook(rdb redis.UniversalClient) *RedisBook {
	return &RedisBook{
		rdb: rdb,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (b *RedisBook) Put(ctx context.Context, q *model.Quote) error {
	ttl := q.ExpiresAt.Sub(b.now())
	if ttl <= 0 {
		return model.ErrQuoteExpired
	}
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal quote: %w", err)
	}
	return b.rdb.Set(ctx, quoteKey(q.ID), data, ttl).Err()
}

func (b *RedisBook) Get(ctx context.Context, id string) (*model.Quote, error) {
	data, err := b.rdb.Get(ctx, quoteKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrQuoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get quote %s: %w", id, err)
	}

	var q model.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("decode quote %s: %w", id, err)
	}
	if q.Expired(b.now()) {
		return nil, model.ErrQuoteExpired
	}
	return &q, nil
}

func quoteKey(id string) string { return fmt.Sprintf("launchpad:quote:%s", id) }
