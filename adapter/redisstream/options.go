package redisstream

import (
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xrsocket"
)

// Option configures the xrsocket.Dispatcher construction when calling Use.
type Option func(*xrsocket.DispatcherBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xrsocket.DispatcherBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xrsocket.DispatcherBuilder) { b.WithClock(c) }
}

// WithCodecs sets the codec registry.
func WithCodecs(r *xrsocket.CodecRegistry) Option {
	return func(b *xrsocket.DispatcherBuilder) { b.WithCodecs(r) }
}

// WithMiddleware adds processing middlewares.
func WithMiddleware(mw ...xrsocket.Middleware) Option {
	return func(b *xrsocket.DispatcherBuilder) { b.WithMiddleware(mw...) }
}

// WithHandlerTimeout bounds fire-and-forget and request/response handlers.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *xrsocket.DispatcherBuilder) { b.WithHandlerTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xrsocket.Observer) Option {
	return func(b *xrsocket.DispatcherBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures the async observer pool.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xrsocket.DispatcherBuilder) { b.WithObserverPool(workers, bufferSize) }
}
