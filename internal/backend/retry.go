package backend

import (
	"context"
	"fmt"
	"time"
)

// ConnectionError is returned when a backend cannot be reached after all
// configured attempts.
type ConnectionError struct {
	Backend  string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s backend: connection failed after %d attempt(s): %v", e.Backend, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ConnectWithRetry calls fn up to attempts times, doubling the delay after
// each failure starting at base. It stops early when ctx is done and
// returns ctx.Err() in that case.
func ConnectWithRetry(ctx context.Context, name string, attempts int, base time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	delay := base

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}

	return &ConnectionError{Backend: name, Attempts: attempts, Err: lastErr}
}
