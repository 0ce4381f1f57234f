package budget

import (
	"context"
	"time"
)

// defaultCountdownInterval is the interval for live countdown updates
const defaultCountdownInterval = 1 * time.Second

// WaiterLogger receives countdown updates while a rate-limit wait is pending
type WaiterLogger interface {
	LogRateLimitCountdown(remaining, total time.Duration)
}

// Waiter blocks for a rate-limit wait and can be interrupted by its context
type Waiter struct {
	interval time.Duration
	logger   WaiterLogger // can be nil
}

// NewWaiter creates a waiter. A non-positive interval uses the 1s default.
func NewWaiter(interval time.Duration, logger WaiterLogger) *Waiter {
	if interval <= 0 {
		interval = defaultCountdownInterval
	}
	return &Waiter{interval: interval, logger: logger}
}

// Wait blocks for d or until ctx is done. It always returns the time that
// actually elapsed, so a cancelled wait reports less than d together with
// the context error.
func (w *Waiter) Wait(ctx context.Context, d time.Duration) (time.Duration, error) {
	start := time.Now()
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return 0, nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if w.logger != nil {
		w.logger.LogRateLimitCountdown(d, d)
	}

	for {
		select {
		case <-ctx.Done():
			return time.Since(start), ctx.Err()

		case <-timer.C:
			return time.Since(start), nil

		case now := <-ticker.C:
			remaining := d - now.Sub(start)
			if remaining > 0 && w.logger != nil {
				w.logger.LogRateLimitCountdown(remaining, d)
			}
		}
	}
}
