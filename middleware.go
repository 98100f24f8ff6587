package xtestbus

import (
	"context"
	"fmt"
	"time"
)

// ConsumeFunc processes a single published item for one consumer.
type ConsumeFunc func(ctx context.Context, producer Producer, data Data) error

// Middleware composes processing concerns around a ConsumeFunc.
type Middleware func(next ConsumeFunc) ConsumeFunc

// TimeoutMiddleware enforces a maximum processing time for a consumer.
// When exceeded, it returns context.DeadlineExceeded, which becomes a consumer fault.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next ConsumeFunc) ConsumeFunc { return next }
	}
	return func(next ConsumeFunc) ConsumeFunc {
		return func(ctx context.Context, producer Producer, data Data) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
					}
				}()
				errCh <- next(tctx, producer, data)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		}
	}
}

// RecoveryMiddleware converts consumer panics into errors so they are captured as faults.
func RecoveryMiddleware() Middleware {
	return func(next ConsumeFunc) ConsumeFunc {
		return func(ctx context.Context, producer Producer, data Data) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, producer, data)
		}
	}
}

// Chain composes middlewares around a ConsumeFunc in order.
func Chain(h ConsumeFunc, mws ...Middleware) ConsumeFunc {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
