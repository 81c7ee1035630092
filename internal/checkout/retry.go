package checkout

import (
	"context"
	"time"

	"marketplace-service/internal/apperr"
)

// transient reports whether err may succeed when repeated with the same
// idempotency key.
func transient(err error) bool {
	switch apperr.Kind(err) {
	case "internal", "intent_failed":
		return true
	}
	return false
}

// retry calls fn up to attempts times with exponential backoff while the
// error is transient and ctx is alive.
func retry[T any](ctx context.Context, attempts int, backoff time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if attempts < 1 {
		attempts = 1
	}
	var (
		v   T
		err error
	)
	for i := 0; i < attempts; i++ {
		v, err = fn(ctx)
		if err == nil || !transient(err) || i == attempts-1 {
			return v, err
		}
		select {
		case <-ctx.Done():
			return v, err
		case <-time.After(backoff << i):
		}
	}
	return v, err
}
