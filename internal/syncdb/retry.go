package syncdb

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

const (
	// retryAttempts is 5: serialization conflicts clear quickly under
	// contention; anything still failing after five tries is surfaced.
	retryAttempts = 5
	// retryBaseDelay is 10ms, doubled per attempt with up to 50% jitter.
	retryBaseDelay = 10 * time.Millisecond
)

// WithRetry runs fn, retrying bounded times with jittered backoff when the
// dialect classifies the error as a transaction serialization failure. All
// other errors return immediately.
func WithRetry(ctx context.Context, d *Dialect, label string, fn func() error) error {
	var err error
	delay := retryBaseDelay
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err = fn()
		if err == nil || !d.SerializationFailure(err) {
			return err
		}
		if attempt == retryAttempts-1 {
			break
		}

		jittered := delay + time.Duration(rand.Int64N(int64(delay)))/2
		slog.Debug("retrying after serialization failure",
			"op", label, "attempt", attempt+1, "backoff", jittered.String(), "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
		delay *= 2
	}
	return err
}
