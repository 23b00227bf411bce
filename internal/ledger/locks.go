package ledger

import (
	"context"
	"sync"
)

// tokenLocks hands out one mutual-exclusion slot per token id. Entries are
// reference counted and dropped when the last holder or waiter leaves, so
// the map only holds tokens with settlements in flight.
type tokenLocks struct {
	mu    sync.Mutex
	locks map[string]*tokenLock
}

type tokenLock struct {
	slot chan struct{}
	refs int
}

func newTokenLocks() *tokenLocks {
	return &tokenLocks{locks: make(map[string]*tokenLock)}
}

// acquire blocks until the token's slot is free or ctx is done.
func (t *tokenLocks) acquire(ctx context.Context, tokenID string) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[tokenID]
	if !ok {
		l = &tokenLock{slot: make(chan struct{}, 1)}
		t.locks[tokenID] = l
	}
	l.refs++
	t.mu.Unlock()

	select {
	case l.slot <- struct{}{}:
		return func() {
			<-l.slot
			t.release(tokenID, l)
		}, nil
	case <-ctx.Done():
		t.release(tokenID, l)
		return nil, ctx.Err()
	}
}

func (t *tokenLocks) release(tokenID string, l *tokenLock) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(t.locks, tokenID)
	}
}
