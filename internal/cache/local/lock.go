// Package local provides single-process implementations of the cache, lock
// and bus interfaces for memory mode and tests.
package local

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// LockManager is a keyed try-lock. Locks are released by the returned
// unlock func or after ttl, whichever comes first.
type LockManager struct {
	mu    sync.Mutex
	held  map[string]uint64
	nonce uint64
}

var _ domain.LockManager = (*LockManager)(nil)

// NewLockManager returns an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]uint64)}
}

// Acquire returns domain.ErrLockHeld when key is already held.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lm.mu.Lock()
	if _, ok := lm.held[key]; ok {
		lm.mu.Unlock()
		return nil, domain.ErrLockHeld
	}
	lm.nonce++
	token := lm.nonce
	lm.held[key] = token
	lm.mu.Unlock()

	release := func() {
		lm.mu.Lock()
		if lm.held[key] == token {
			delete(lm.held, key)
		}
		lm.mu.Unlock()
	}

	var timer *time.Timer
	if ttl > 0 {
		timer = time.AfterFunc(ttl, release)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if timer != nil {
				timer.Stop()
			}
			release()
		})
	}, nil
}
