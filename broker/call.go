package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Call runs a remote venue call under a deadline. The call gets a context
// that expires after timeout; if fn has not returned by then Call gives up
// and returns ErrTimeout, even when fn ignores its context. A non-positive
// timeout only inherits the parent's deadline.
func Call[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	var (
		cctx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		cctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && !errors.Is(r.err, ErrTimeout) {
			return zero, fmt.Errorf("%s: %w: %v", op, ErrTimeout, r.err)
		}
		return r.v, r.err
	case <-cctx.Done():
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return zero, fmt.Errorf("%s: %w after %s", op, ErrTimeout, timeout)
	}
}
