package pluginhost

import (
	"context"
	"fmt"
	"time"
)

type callResult struct {
	value any
	err   error
}

// callEntryPoint invokes entry through the loader, bounded by timeout.
// A panic inside the module is returned as ErrEntryPointPanic. A call that
// outlives its timeout is abandoned and reported as ErrCallTimeout.
func callEntryPoint(ctx context.Context, loader Loader, h Handle, entry EntryPoint, timeout time.Duration, args ...any) (any, error) {
	if h == nil {
		return nil, ErrHandleMissing
	}
	callCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("%w: %s: %v", ErrEntryPointPanic, entry, r)}
			}
		}()
		v, err := loader.Invoke(callCtx, h, entry, args...)
		done <- callResult{value: v, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s after %s", ErrCallTimeout, entry, timeout)
	}
}
