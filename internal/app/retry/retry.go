// Package retry wraps an operation in bounded retries with exponential
// backoff, classifying errors as recoverable or not by message content.
package retry

import (
	"context"
	"strings"
	"time"
)

// nonRecoverableTerms marks errors that retrying cannot fix. Matched
// case-insensitively against the error message.
var nonRecoverableTerms = []string{
	"permission-denied",
	"permission denied",
	"not-found",
	"not found",
	"invalid",
	"expired",
	"unauthorized",
	"forbidden",
}

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// OnAttempt, if set, is invoked after each failed attempt.
	OnAttempt func(attempt int, err error)
	// Classify overrides the default term-based recoverability check.
	Classify func(err error) bool
}

// Recoverable reports whether err is worth retrying.
func Recoverable(err error) bool {
	if err == nil {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, term := range nonRecoverableTerms {
		if strings.Contains(msg, term) {
			return false
		}
	}
	return true
}

// Backoff returns the delay before the given attempt (1-based): base
// doubled per attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
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

// Run invokes fn up to cfg.MaxAttempts times. A non-recoverable error is
// returned immediately without further attempts. Sleeps between attempts
// honor ctx cancellation.
func Run[T any](ctx context.Context, cfg Config, fn func(context.Context) (T, error)) (T, error) {
	classify := cfg.Classify
	if classify == nil {
		classify = Recoverable
	}
	var zero T
	var last error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		last = err
		if !classify(err) {
			return zero, err
		}
		if cfg.OnAttempt != nil {
			cfg.OnAttempt(attempt, err)
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(Backoff(attempt, cfg.BaseDelay, cfg.MaxDelay)):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, last
}
