package budget

import (
	"time"

	"github.com/harrison/looper/internal/models"
)

// BackoffConfig tunes the rate-limit controller.
type BackoffConfig struct {
	BaseDelay      time.Duration // first wait when no reset time is known
	MaxDelay       time.Duration // ceiling for exponential backoff
	MaxConsecutive int           // consecutive rate limits tolerated before giving up
	MaxWait        time.Duration // longest single wait accepted; 0 = no limit
}

// DefaultBackoffConfig returns the controller defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelay:      30 * time.Second,
		MaxDelay:       15 * time.Minute,
		MaxConsecutive: 5,
		MaxWait:        6 * time.Hour,
	}
}

// Controller turns consecutive rate-limit conditions into wait durations.
// It is owned by a single run and is not safe for concurrent use.
type Controller struct {
	cfg         BackoffConfig
	consecutive int
	now         func() time.Time
}

// NewController creates a controller with zero consecutive rate limits.
func NewController(cfg BackoffConfig) *Controller {
	return &Controller{cfg: cfg, now: time.Now}
}

// Register records one more consecutive rate limit and reports whether the
// configured maximum is now exceeded.
func (c *Controller) Register() bool {
	c.consecutive++
	return c.consecutive > c.cfg.MaxConsecutive
}

// Reset clears the consecutive count after any non-rate-limited outcome.
func (c *Controller) Reset() {
	c.consecutive = 0
}

// Consecutive returns the current consecutive rate-limit count.
func (c *Controller) Consecutive() int {
	return c.consecutive
}

// WaitFor computes how long to wait before retrying. A known reset time
// wins; otherwise the delay doubles per consecutive rate limit starting at
// BaseDelay, capped at MaxDelay.
func (c *Controller) WaitFor(err *models.RateLimitError) time.Duration {
	if err != nil && !err.ResetAt.IsZero() {
		return max(err.ResetAt.Sub(c.now()), 0)
	}
	return c.backoff()
}

func (c *Controller) backoff() time.Duration {
	n := max(c.consecutive-1, 0)
	d := c.cfg.BaseDelay
	for range n {
		if c.cfg.MaxDelay > 0 && d >= c.cfg.MaxDelay {
			break
		}
		d *= 2
	}
	if c.cfg.MaxDelay > 0 && d > c.cfg.MaxDelay {
		d = c.cfg.MaxDelay
	}
	return d
}

// Acceptable reports whether a wait of d is within MaxWait.
func (c *Controller) Acceptable(d time.Duration) bool {
	return c.cfg.MaxWait <= 0 || d <= c.cfg.MaxWait
}
