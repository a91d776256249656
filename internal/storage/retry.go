package storage

import (
	"context"
	"errors"
	"time"
)

const baseBackoff = 100 * time.Millisecond

// retryWithBackoff runs op up to maxRetries+1 times, doubling the pause
// between attempts. A missing object is final and never retried.
func retryWithBackoff(ctx context.Context, maxRetries int, op func() error) error {
	var err error
	pause := baseBackoff
	for attempt := 0; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err = op(); err == nil || errors.Is(err, ErrObjectNotFound) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		pause *= 2
	}
}
