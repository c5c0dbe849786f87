package workflow

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

// ErrorClass tells the engine whether a failed attempt may be retried.
type ErrorClass int

const (
	Retryable ErrorClass = iota
	Fatal
)

func (c ErrorClass) String() string {
	if c == Fatal {
		return "fatal"
	}
	return "retryable"
}

// Classifier maps a step error to an ErrorClass.
type Classifier func(err error) ErrorClass

// upper bound for a computed delay when no MaxDelay is set
const maxBackoff = float64(24 * time.Hour)

type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy configures how a step is attempted.
// The zero value runs a step once with the engine's default timeout.
type RetryPolicy struct {
	MaxAttempts  int
	Backoff      BackoffKind
	Delay        time.Duration
	MaxDelay     time.Duration
	Jitter       float64 // fraction of the delay, applied as +/-
	Timeout      time.Duration
	TimeoutFatal bool
	Classifier   Classifier
}

// DefaultPolicy runs a step exactly once.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, Backoff: BackoffFixed}
}

// FixedRetry retries up to maxAttempts with a constant delay between attempts.
func FixedRetry(maxAttempts int, delay time.Duration) RetryPolicy {
	return RetryPolicy{MaxAttempts: maxAttempts, Backoff: BackoffFixed, Delay: delay}
}

// ExponentialRetry doubles the delay after every failed attempt, capped at maxDelay.
func ExponentialRetry(maxAttempts int, delay, maxDelay time.Duration, jitter float64) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Backoff:     BackoffExponential,
		Delay:       delay,
		MaxDelay:    maxDelay,
		Jitter:      jitter,
	}
}

// Attempts returns the effective number of attempts, never less than one.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// BackoffFor returns how long to wait after the given failed attempt (1-based)
// before starting the next one.
func (p RetryPolicy) BackoffFor(attempt int) time.Duration {
	if p.Delay <= 0 || attempt < 1 {
		return 0
	}
	delay := float64(p.Delay)
	if p.Backoff == BackoffExponential {
		delay *= math.Pow(2, float64(attempt-1))
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delay *= 1 + (rand.Float64()*2-1)*p.Jitter
		if delay < float64(time.Millisecond) {
			delay = float64(time.Millisecond)
		}
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return time.Duration(delay)
}

// Classify decides whether err may be retried under this policy.
func (p RetryPolicy) Classify(err error) ErrorClass {
	if errors.Is(err, context.DeadlineExceeded) {
		if p.TimeoutFatal {
			return Fatal
		}
		return Retryable
	}
	if p.Classifier != nil {
		return p.Classifier(err)
	}
	return DefaultClassifier(err)
}

// DefaultClassifier treats validation, not-found and cancellation errors as
// fatal and everything else as retryable.
func DefaultClassifier(err error) ErrorClass {
	switch CodeOf(err) {
	case CodeValidation, CodeNotFound, CodeCancelled:
		return Fatal
	default:
		return Retryable
	}
}

// RetryAll is a Classifier that retries every error.
func RetryAll(error) ErrorClass {
	return Retryable
}
