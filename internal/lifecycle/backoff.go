package lifecycle

import (
	"math"
	"time"

	"github.com/therealutkarshpriyadarshi/encodejobs/internal/config"
)

// DefaultBackoff is the short, medium and long retry tier
var DefaultBackoff = []time.Duration{5 * time.Minute, 15 * time.Minute, 60 * time.Minute}

// BackoffPolicy maps the attempt number just recorded to the delay before
// the job becomes retry-eligible again.
type BackoffPolicy interface {
	Delay(attempt int) time.Duration
}

// TableBackoff indexes a fixed delay table by the number of failures that
// preceded this one, so the first failure waits Delays[0]. Attempts past the
// end of the table reuse the last delay.
type TableBackoff struct {
	Delays []time.Duration
}

// Delay implements BackoffPolicy
func (b TableBackoff) Delay(attempt int) time.Duration {
	delays := b.Delays
	if len(delays) == 0 {
		delays = DefaultBackoff
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(delays)-1 {
		idx = len(delays) - 1
	}
	return delays[idx]
}

// ExponentialBackoff computes base * multiplier^(attempt-1), capped
type ExponentialBackoff struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
}

// Delay implements BackoffPolicy
func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Base) * math.Pow(b.Multiplier, float64(attempt-1))
	if delay > float64(b.Cap) || math.IsInf(delay, 1) {
		return b.Cap
	}
	return time.Duration(delay)
}

// PolicyFromConfig builds the configured policy
func PolicyFromConfig(cfg config.LifecycleConfig) BackoffPolicy {
	if cfg.BackoffMode == "exponential" {
		return ExponentialBackoff{
			Base:       cfg.BackoffBase,
			Multiplier: cfg.BackoffMultiplier,
			Cap:        cfg.BackoffCap,
		}
	}
	return TableBackoff{Delays: cfg.Backoff}
}

// NextRetryAt returns when a job that has just recorded its attempt-th
// failure becomes retry-eligible, or nil once attempts are exhausted.
func NextRetryAt(policy BackoffPolicy, now time.Time, attempt, maxAttempts int) *time.Time {
	if attempt >= maxAttempts {
		return nil
	}
	at := now.Add(policy.Delay(attempt))
	return &at
}
