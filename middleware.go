package xrsocket

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig controls retry behavior for processing middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt.
	Backoff func(attempt int) time.Duration
	// RetryIf returns true if the error should be retried. If nil, every
	// error except a payload decode failure is retried.
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff.
	Jitter time.Duration
}

// RetryMiddleware retries fire-and-forget and request/response handlers.
// Streaming handlers have already emitted when they fail and pass through.
func RetryMiddleware(cfg RetryConfig) Middleware {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	shouldRetry := cfg.RetryIf
	if shouldRetry == nil {
		shouldRetry = func(err error) bool { return !errors.Is(err, ErrPayloadDecode) }
	}
	return func(next Invoker) Invoker {
		return func(ctx context.Context, ex *Exchange) (any, error) {
			if !singleShot(ex.Interaction) {
				return next(ctx, ex)
			}
			var (
				res     any
				lastErr error
			)
			for i := 1; i <= attempts; i++ {
				res, lastErr = next(ctx, ex)
				if lastErr == nil {
					return res, nil
				}
				if ctx.Err() != nil {
					return nil, lastErr
				}
				if i == attempts || !shouldRetry(lastErr) {
					return nil, lastErr
				}
				if cfg.Backoff != nil {
					wait := cfg.Backoff(i)
					if cfg.Jitter > 0 {
						wait += time.Duration(rand.Int63n(int64(cfg.Jitter)))
					}
					select {
					case <-ctx.Done():
						return nil, lastErr
					case <-time.After(wait):
					}
				}
			}
			return nil, lastErr
		}
	}
}

// TimeoutMiddleware bounds fire-and-forget and request/response handlers.
// When exceeded, it returns context.DeadlineExceeded.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Invoker) Invoker { return next }
	}
	type result struct {
		v   any
		err error
	}
	return func(next Invoker) Invoker {
		return func(ctx context.Context, ex *Exchange) (any, error) {
			if !singleShot(ex.Interaction) {
				return next(ctx, ex)
			}
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			resCh := make(chan result, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						resCh <- result{err: fmt.Errorf("%w: %v", ErrHandlerPanic, r)}
					}
				}()
				v, err := next(tctx, ex)
				resCh <- result{v: v, err: err}
			}()

			select {
			case <-tctx.Done():
				return nil, tctx.Err()
			case r := <-resCh:
				return r.v, r.err
			}
		}
	}
}

// RecoveryMiddleware converts handler panics into errors wrapping ErrHandlerPanic.
func RecoveryMiddleware() Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, ex *Exchange) (res any, err error) {
			defer func() {
				if r := recover(); r != nil {
					res, err = nil, fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, ex)
		}
	}
}

// Chain composes middlewares around an invoker in order.
func Chain(h Invoker, mws ...Middleware) Invoker {
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

func singleShot(t InteractionType) bool {
	return t == FireAndForget || t == RequestResponse
}
