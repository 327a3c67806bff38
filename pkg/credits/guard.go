package credits

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Guard serializes ledger mutations per account. Acquire suspends the caller
// until the account's slot is free; the returned release function must run on
// every exit path of the guarded operation. The guard covers a single
// process only.
type Guard struct {
	mu    sync.Mutex
	slots map[string]*semaphore.Weighted
}

// NewGuard returns an empty Guard.
func NewGuard() *Guard {
	return &Guard{slots: make(map[string]*semaphore.Weighted)}
}

// Acquire blocks until the account's slot is free or ctx is done.
func (guard *Guard) Acquire(ctx context.Context, accountKey string) (func(), error) {
	slot := guard.slot(accountKey)
	if err := slot.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { slot.Release(1) }, nil
}

func (guard *Guard) slot(accountKey string) *semaphore.Weighted {
	guard.mu.Lock()
	defer guard.mu.Unlock()
	slot, exists := guard.slots[accountKey]
	if !exists {
		slot = semaphore.NewWeighted(1)
		guard.slots[accountKey] = slot
	}
	return slot
}
