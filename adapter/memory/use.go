package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xrsocket"
)

// Use builds a Dispatcher together with an in-memory transport built from
// cfg through the transport registry. Neither is started; run
// d.Serve(ctx, t) and Dial t from the requester side.
//
// Example:
//
//	d, t := memory.Use(memory.Config{StreamBuffer: 512},
//	    memory.WithLogger(logger),
//	    memory.WithObserver(observer),
//	)
//	go d.Serve(ctx, t)
func Use(cfg Config, opts ...Option) (*xrsocket.Dispatcher, *Transport) {
	db := xrsocket.NewDispatcherBuilder()
	for _, o := range opts {
		if o != nil {
			o(db)
		}
	}

	d, err := db.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	tr, err := xrsocket.NewTransport(TransportName, cfg.toMap())
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	return d, tr.(*Transport)
}

// toMap converts Config to the generic map expected by the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"stream_buffer": c.StreamBuffer,
		"dial_timeout":  c.DialTimeout,
		"assign_ids":    c.AssignIDs,
	}
}

// Option configures the xrsocket.Dispatcher when calling Use.
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

// WithDataMimeType sets the default payload MIME type (default: application/json).
func WithDataMimeType(mime string) Option {
	return func(b *xrsocket.DispatcherBuilder) { b.WithDataMimeType(mime) }
}

// WithMiddleware adds processing middlewares (retry, timeout, etc).
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

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xrsocket.DispatcherBuilder) { b.WithObserverPool(workers, bufferSize) }
}
