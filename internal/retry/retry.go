// Package retry runs provider calls with a per-attempt timeout and bounded
// exponential backoff on transient failures.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/signvault/internal/clock"
	"github.com/smallbiznis/signvault/internal/domain"
)

// Policy bounds a retried call.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Timeout applies to each attempt. Zero means no per-attempt timeout.
	Timeout time.Duration
	Clock   clock.Clock
	// OnRetry is called before each backoff wait.
	OnRetry func(attempt int, err error)
}

// DefaultBaseDelay is the first backoff of the default policy.
const DefaultBaseDelay = 500 * time.Millisecond

// Default is three attempts from 500ms with a 30s per-attempt timeout.
func Default() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: DefaultBaseDelay, Timeout: 30 * time.Second, Clock: clock.Real()}
}

// Budget is the longest Do can run under p: every attempt hitting its
// timeout plus every backoff. It is zero when attempts are unbounded in
// time.
func (p Policy) Budget() time.Duration {
	if p.Timeout <= 0 {
		return 0
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	budget := time.Duration(attempts) * p.Timeout
	for attempt := 1; attempt < attempts; attempt++ {
		budget += p.BaseDelay * time.Duration(1<<(attempt-1))
	}
	return budget
}

// Transient reports whether err is worth retrying. A per-attempt deadline
// counts as transient, cancellation of the parent context does not.
func Transient(err error) bool {
	return errors.Is(err, domain.ErrTransientProvider) || errors.Is(err, context.DeadlineExceeded)
}

// Do calls fn until it succeeds, fails permanently, or attempts run out.
// The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.Real()
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if p.OnRetry != nil {
				p.OnRetry(attempt, lastErr)
			}
			backoff := p.BaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clk.After(backoff):
			}
		}

		lastErr = call(ctx, p.Timeout, fn)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || !Transient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
