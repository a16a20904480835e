package privilege

import (
	"context"
	"fmt"
	"time"
)

// RunLockHelper invokes lock up to attempts times. The wait after the n-th
// failure is n*backoff. It returns nil on the first success and the last
// error otherwise.
func RunLockHelper(ctx context.Context, lock func() error, attempts int, backoff time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		if lastErr = lock(); lastErr == nil {
			return nil
		}
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("lock aborted after %d attempts: %w", i, lastErr)
		case <-time.After(time.Duration(i) * backoff):
		}
	}
	return fmt.Errorf("lock failed after %d attempts: %w", attempts, lastErr)
}
