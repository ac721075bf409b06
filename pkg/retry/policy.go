package retry

import (
	"fmt"
	"math"
	"time"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
)

// DefaultDelay is the constant backoff used when none is configured.
const DefaultDelay = 60 * time.Second

// MaxDelay is the largest wait a backoff returns; longer waits saturate to it.
const MaxDelay = time.Duration(math.MaxInt64)

// BackoffFunc maps an attempt number (1 = first attempt just failed) to a wait.
type BackoffFunc func(attempt int) time.Duration

// Constant waits d before every retry.
func Constant(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}

// Quadratic waits base * attempt², saturating at MaxDelay.
func Quadratic(base time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		if base <= 0 {
			return base
		}
		n := int64(attempt)
		if n > math.MaxInt64/n || n*n > int64(MaxDelay/base) {
			return MaxDelay
		}
		return base * time.Duration(n*n)
	}
}

// Exponential waits base * 2^(attempt-1), capped at max when max > 0 and
// saturating at MaxDelay otherwise.
func Exponential(base, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := base
		for i := 1; i < attempt; i++ {
			if d > MaxDelay/2 {
				d = MaxDelay
				break
			}
			d *= 2
			if max > 0 && d >= max {
				return max
			}
		}
		if max > 0 && d > max {
			return max
		}
		return d
	}
}

// ParseBackoff builds a BackoffFunc from its config name.
func ParseBackoff(name string, base, max time.Duration) (BackoffFunc, error) {
	switch name {
	case "", "constant":
		return Constant(base), nil
	case "quadratic":
		return Quadratic(base), nil
	case "exponential":
		return Exponential(base, max), nil
	}
	return nil, fmt.Errorf("unknown backoff %q (want constant | quadratic | exponential)", name)
}

// Policy decides whether a failed execution is attempted again and how long to wait.
// It holds no state and reads no clock.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	Backoff    BackoffFunc
}

// DefaultPolicy retries three times with a constant 60s delay.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, Backoff: Constant(DefaultDelay)}
}

// ShouldRetry reports whether another attempt follows attempt (1-based count of
// attempts made so far) which failed with kind.
func (p Policy) ShouldRetry(attempt int, kind domain.ErrorKind) bool {
	return kind.Retryable() && attempt <= p.MaxRetries
}

// Delay returns the wait before the attempt following attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Backoff == nil {
		return DefaultDelay
	}
	return p.Backoff(attempt)
}
