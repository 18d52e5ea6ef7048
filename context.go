package xrsocket

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type ctxKey uint8

const (
	loggerKey ctxKey = iota + 1
	clockKey
	requestKey
)

func valueFrom[T comparable](ctx context.Context, key ctxKey) (T, bool) {
	var zero T
	v, ok := ctx.Value(key).(T)
	return v, ok && v != zero
}

// LoggerFromContext returns the logger the dispatcher scoped to the current
// stream, carrying its route and stream id.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	return valueFrom[*xlog.Logger](ctx, loggerKey)
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	return valueFrom[xclock.Clock](ctx, clockKey)
}

// RequestFromContext returns the request being handled.
func RequestFromContext(ctx context.Context) (*Request, bool) {
	return valueFrom[*Request](ctx, requestKey)
}

func injectRequest(ctx context.Context, r *Request) context.Context {
	if r == nil {
		return ctx
	}
	return context.WithValue(ctx, requestKey, r)
}

// InjectAll attaches logger and clock so handlers and middleware can reach
// them. Nil values are skipped.
func InjectAll(ctx context.Context, logger *xlog.Logger, clock xclock.Clock) context.Context {
	if logger != nil {
		ctx = context.WithValue(ctx, loggerKey, logger)
	}
	if clock != nil {
		ctx = context.WithValue(ctx, clockKey, clock)
	}
	return ctx
}
