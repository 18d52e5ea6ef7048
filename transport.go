package xrsocket

import (
	"context"
	"errors"
	"sync"
)

// Transport is the Strategy interface for carrying framed messages between
// requesters and a responder.
type Transport interface {
	// Serve delivers inbound frames to r until ctx is done or the transport
	// is closed.
	Serve(ctx context.Context, r Responder) error
	// Dial establishes a requester connection, sending setup first.
	Dial(ctx context.Context, setup *Message) (Channel, error)
	// Close releases resources.
	Close(ctx context.Context) error
}

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (Transport, error)

var (
	transportRegistryMu sync.RWMutex
	transportRegistry   = map[string]TransportFactory{}
)

// RegisterTransport registers a backend adapter.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("transport name must not be empty")
	}
	if factory == nil {
		return errors.New("transport factory must not be nil")
	}
	transportRegistryMu.Lock()
	transportRegistry[name] = factory
	transportRegistryMu.Unlock()
	return nil
}

// NewTransport constructs a transport by name with config.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	transportRegistryMu.RLock()
	f, ok := transportRegistry[name]
	transportRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport{name: name}
	}
	return f(cfg)
}
