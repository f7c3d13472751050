package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// RetryPolicy bounds how hard the client tries before giving up on a command.
type RetryPolicy struct {
	MaxAttempts    int
	Backoff        time.Duration // delay before the second attempt, doubled afterwards
	MaxDelay       time.Duration // 0 means uncapped
	PerCallTimeout time.Duration // 0 means the caller's deadline only

	// Retryable classifies errors; nil uses DefaultRetryable.
	Retryable func(error) bool

	// OnRetry is called before each retry. Optional.
	OnRetry func(op string, attempt int, err error)
}

// DefaultRetryable retries everything except a miss, a script-level refusal
// and the caller's own cancellation.
func DefaultRetryable(err error) bool {
	switch {
	case errors.Is(err, redis.Nil), errors.Is(err, ErrMiss):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		// Server replied; repeating the command gets the same answer.
		return false
	}
	return true
}

// neverSent reports whether err proves the command did not reach the
// server. Only such failures are safe to repeat for a non-idempotent write.
func neverSent(err error) bool {
	var operr *net.OpError
	return errors.As(err, &operr) && operr.Op == "dial"
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// do runs fn under the policy. A non-retryable error is returned as is; an
// exhausted policy returns an error wrapping ErrUnavailable.
func (p RetryPolicy) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return p.run(ctx, op, false, fn)
}

// doOnce runs a command that must not be applied twice. A timeout or a
// broken connection may hide a reply the server already acted on, so those
// fail with ErrUnavailable instead of being repeated. Dial failures are
// still retried.
func (p RetryPolicy) doOnce(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return p.run(ctx, op, true, fn)
}

func (p RetryPolicy) run(ctx context.Context, op string, once bool, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if p.OnRetry != nil {
				p.OnRetry(op, attempt, lastErr)
			}
			if d := p.delay(attempt - 1); d > 0 {
				t := time.NewTimer(d)
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-t.C:
				}
			}
		}

		callCtx := ctx
		cancel := context.CancelFunc(func() {})
		if p.PerCallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.PerCallTimeout)
		}
		err := fn(callCtx)
		cancel()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) {
			return err
		}
		if once && !neverSent(err) {
			return fmt.Errorf("%w: %s outcome unknown: %v", ErrUnavailable, op, err)
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrUnavailable, op, attempts, lastErr)
}
