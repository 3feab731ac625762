package wpapi

import (
	"math"
	"time"

	"github.com/pevans/wpharvest/config"
)

// Backoff is an exponential backoff policy with jitter.
type Backoff struct {
	// MaxAttempts counts every attempt, including the first.
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	// MaxDelay caps computed delays; zero leaves them uncapped. A server's
	// Retry-After hint is not subject to the cap.
	MaxDelay time.Duration
	// Jitter stretches each delay by up to this fraction. It is capped at
	// Multiplier-1 so consecutive delays never decrease.
	Jitter float64
}

// DefaultBackoff returns the policy used when none is configured.
func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		Multiplier:  2,
		MaxDelay:    time.Minute,
		Jitter:      0.25,
	}
}

// BackoffFromConfig converts the retry section of the configuration.
func BackoffFromConfig(rc config.RetryConfig) Backoff {
	return Backoff{
		MaxAttempts: rc.MaxAttempts,
		BaseDelay:   rc.BaseDelay(),
		Multiplier:  rc.Multiplier,
		MaxDelay:    rc.MaxDelay(),
		Jitter:      rc.Jitter,
	}
}

// Delay returns how long to wait after the given failed attempt (1-based)
// before trying again. r is a random value in [0, 1).
func (b Backoff) Delay(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	jitter := math.Min(math.Max(b.Jitter, 0), mult-1)
	r = math.Min(math.Max(r, 0), 1)

	d := float64(b.BaseDelay) * math.Pow(mult, float64(attempt-1))
	d *= 1 + jitter*r

	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (b Backoff) attempts() int {
	if b.MaxAttempts < 1 {
		return 1
	}
	return b.MaxAttempts
}
