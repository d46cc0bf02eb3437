package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/errs"
)

// Policy bounds a local retry loop. Delay doubles after every failed attempt
// and is capped at MaxDelay.
type Policy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

var Default = Policy{Attempts: 3, Delay: 50 * time.Millisecond, MaxDelay: time.Second}

// Do runs fn until it succeeds, returns a business error, or the policy is
// exhausted. Exhaustion wraps the last error in errs.ErrUnavailable.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	delay := p.Delay
	var last error
	for i := 0; i < p.Attempts; i++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errs.Business(err) {
			return err
		}
		last = err
		if i == p.Attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", errs.ErrUnavailable, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return fmt.Errorf("%w: %v", errs.ErrUnavailable, last)
}

// Value is Do for calls that produce a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
