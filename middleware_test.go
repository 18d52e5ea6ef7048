package xrsocket

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func countingInvoker(calls *atomic.Int32, failures int32, err error) Invoker {
	return func(ctx context.Context, ex *Exchange) (any, error) {
		if calls.Add(1) <= failures {
			return nil, err
		}
		return "ok", nil
	}
}

func TestRetryMiddleware_RetriesSingleShot(t *testing.T) {
	for _, it := range []InteractionType{FireAndForget, RequestResponse} {
		t.Run(it.String(), func(t *testing.T) {
			var calls atomic.Int32
			inv := RetryMiddleware(RetryConfig{
				MaxAttempts: 3,
				Backoff:     func(int) time.Duration { return time.Millisecond },
			})(countingInvoker(&calls, 2, errFlaky))

			res, err := inv(context.Background(), &Exchange{Interaction: it})
			require.NoError(t, err)
			assert.Equal(t, "ok", res)
			assert.EqualValues(t, 3, calls.Load())
		})
	}
}

func TestRetryMiddleware_GivesUp(t *testing.T) {
	var calls atomic.Int32
	inv := RetryMiddleware(RetryConfig{MaxAttempts: 2})(countingInvoker(&calls, 10, errFlaky))

	_, err := inv(context.Background(), &Exchange{Interaction: RequestResponse})
	assert.ErrorIs(t, err, errFlaky)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRetryMiddleware_SkipsDecodeFailures(t *testing.T) {
	var calls atomic.Int32
	decodeErr := &PayloadDecodeError{MimeType: MimeJSON, Route: "r", Err: errFlaky}
	inv := RetryMiddleware(RetryConfig{MaxAttempts: 5})(countingInvoker(&calls, 10, decodeErr))

	_, err := inv(context.Background(), &Exchange{Interaction: FireAndForget})
	assert.ErrorIs(t, err, ErrPayloadDecode)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRetryMiddleware_CustomRetryIf(t *testing.T) {
	var calls atomic.Int32
	inv := RetryMiddleware(RetryConfig{
		MaxAttempts: 5,
		RetryIf:     func(err error) bool { return false },
	})(countingInvoker(&calls, 10, errFlaky))

	_, err := inv(context.Background(), &Exchange{Interaction: RequestResponse})
	assert.ErrorIs(t, err, errFlaky)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRetryMiddleware_PassesStreamsThrough(t *testing.T) {
	for _, it := range []InteractionType{RequestStream, RequestChannel} {
		var calls atomic.Int32
		inv := RetryMiddleware(RetryConfig{MaxAttempts: 3})(countingInvoker(&calls, 10, errFlaky))

		_, err := inv(context.Background(), &Exchange{Interaction: it})
		assert.ErrorIs(t, err, errFlaky)
		assert.EqualValues(t, 1, calls.Load(), it.String())
	}
}

func TestRetryMiddleware_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	inv := RetryMiddleware(RetryConfig{
		MaxAttempts: 5,
		Backoff:     func(int) time.Duration { return time.Hour },
	})(func(ctx context.Context, ex *Exchange) (any, error) {
		calls.Add(1)
		cancel()
		return nil, errFlaky
	})

	_, err := inv(ctx, &Exchange{Interaction: RequestResponse})
	assert.ErrorIs(t, err, errFlaky)
	assert.EqualValues(t, 1, calls.Load())
}

func TestTimeoutMiddleware(t *testing.T) {
	slow := func(ctx context.Context, ex *Exchange) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return "late", nil
		}
	}

	t.Run("exceeded", func(t *testing.T) {
		inv := TimeoutMiddleware(20 * time.Millisecond)(slow)
		_, err := inv(context.Background(), &Exchange{Interaction: RequestResponse})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("within budget", func(t *testing.T) {
		inv := TimeoutMiddleware(time.Second)(func(ctx context.Context, ex *Exchange) (any, error) {
			return 7, nil
		})
		res, err := inv(context.Background(), &Exchange{Interaction: FireAndForget})
		require.NoError(t, err)
		assert.Equal(t, 7, res)
	})

	t.Run("panic inside", func(t *testing.T) {
		inv := TimeoutMiddleware(time.Second)(func(ctx context.Context, ex *Exchange) (any, error) {
			panic("boom")
		})
		_, err := inv(context.Background(), &Exchange{Interaction: RequestResponse})
		assert.ErrorIs(t, err, ErrHandlerPanic)
	})

	t.Run("streams unbounded", func(t *testing.T) {
		inv := TimeoutMiddleware(time.Millisecond)(func(ctx context.Context, ex *Exchange) (any, error) {
			time.Sleep(10 * time.Millisecond)
			return nil, ctx.Err()
		})
		_, err := inv(context.Background(), &Exchange{Interaction: RequestStream})
		assert.NoError(t, err)
	})

	t.Run("zero disables", func(t *testing.T) {
		inv := TimeoutMiddleware(0)(slow)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := inv(ctx, &Exchange{Interaction: RequestResponse})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	inv := RecoveryMiddleware()(func(ctx context.Context, ex *Exchange) (any, error) {
		panic(errFlaky)
	})
	res, err := inv(context.Background(), &Exchange{Interaction: RequestChannel})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Contains(t, err.Error(), "flaky")
}

func TestChain_OrderAndNil(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next Invoker) Invoker {
			return func(ctx context.Context, ex *Exchange) (any, error) {
				order = append(order, name)
				return next(ctx, ex)
			}
		}
	}
	h := func(ctx context.Context, ex *Exchange) (any, error) {
		order = append(order, "handler")
		return nil, nil
	}

	_, err := Chain(h, tag("a"), nil, tag("b"))(context.Background(), &Exchange{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "handler"}, order)

	order = nil
	_, _ = Chain(h)(context.Background(), &Exchange{})
	assert.Equal(t, []string{"handler"}, order)
}
