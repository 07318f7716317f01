package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

const lockRetryInterval = 25 * time.Millisecond

// AcquireLock retries lm.Acquire until it succeeds, wait elapses or ctx is
// done. The returned error wraps domain.ErrLockHeld on timeout.
func AcquireLock(ctx context.Context, lm domain.LockManager, key string, ttl, wait time.Duration) (func(), error) {
	deadline := time.Now().Add(wait)
	for {
		unlock, err := lm.Acquire(ctx, key, ttl)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("lock %s after %s: %w", key, wait, domain.ErrLockHeld)
		}

		timer := time.NewTimer(lockRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}
