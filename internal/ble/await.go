package ble

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when a link operation exceeds its phase timeout.
var ErrTimeout = errors.New("ble: timed out")

type result[T any] struct {
	val T
	err error
}

// await runs fn in its own goroutine and waits for its one-shot result, the
// timeout or ctx. A zero timeout waits on ctx only. fn may keep running after
// await returns; its result is discarded.
func await[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	opCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		opCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	ch := make(chan result[T], 1)
	go func() {
		v, err := fn(opCtx)
		ch <- result[T]{v, err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-opCtx.Done():
		var zero T
		if ctx.Err() == nil {
			return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return zero, ctx.Err()
	}
}
