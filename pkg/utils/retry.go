package utils

import (
	"context"
	"fmt"
	"time"
)

// CallWithRetry calls fn, retrying up to maxAttempts times with a fixed backoff
// between attempts. The last error is returned when every attempt fails.
func CallWithRetry[T any](ctx context.Context, fn func() (T, error), maxAttempts int, backoff time.Duration) (T, error) {
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		t, err := fn()
		if err == nil {
			return t, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
	}
	var zero T
	return zero, fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}
