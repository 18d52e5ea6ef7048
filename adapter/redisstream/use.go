package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xrsocket"
)

// Adapter: Redis Streams Transport (Strategy + Adapter patterns)

const TransportName = "redis-streams"

func init() {
	if err := xrsocket.RegisterTransport(TransportName, func(cfg map[string]any) (xrsocket.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xrsocket: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Dispatcher and a Redis Streams transport from cfg through the
// transport registry. Neither is started; run d.Serve(ctx, t) on the
// responder and t.Dial on the requester.
func Use(cfg Config, opts ...Option) (*xrsocket.Dispatcher, xrsocket.Transport) {
	db := xrsocket.NewDispatcherBuilder()
	for _, o := range opts {
		if o != nil {
			o(db)
		}
	}
	d, err := db.Build()
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	t, err := xrsocket.NewTransport(TransportName, cfg.toMap())
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	return d, t
}
