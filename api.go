package xrsocket

import (
	"context"
)

// Outbound receives the frames a responder produces for one stream. Calls
// for a given stream are serialized; OnComplete or OnError is the last call.
type Outbound interface {
	OnNext(ctx context.Context, p Payload) error
	OnComplete(ctx context.Context) error
	OnError(ctx context.Context, err error) error
}

// Responder is the surface a transport drives with inbound frames.
type Responder interface {
	// Accept handles a connection setup. A non-nil error refuses the connection.
	Accept(ctx context.Context, setup *Message) error
	// MetadataPush handles a metadata-push frame. No response is produced.
	MetadataPush(ctx context.Context, msg *Message) error
	// Dispatch routes and invokes a request. ctx scopes the returned stream.
	Dispatch(ctx context.Context, msg *Message, out Outbound) (*Stream, error)
}

// Channel is the requester side of one established connection.
type Channel interface {
	Open(ctx context.Context, msg *Message) (ClientStream, error)
	MetadataPush(ctx context.Context, msg *Message) error
	Close(ctx context.Context) error
}

// ClientStream is the requester's view of one stream.
type ClientStream interface {
	// Recv returns the next payload, io.EOF after completion, or the error
	// the responder terminated the stream with.
	Recv(ctx context.Context) (Payload, error)
	// Request grants the responder n more units.
	Request(n int64) error
	// Cancel stops the stream; nothing is received afterwards.
	Cancel()
	// Send and CloseSend feed a request-channel.
	Send(ctx context.Context, p Payload) error
	CloseSend() error
}

// Observer receives dispatcher lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the complete dispatcher surface.
type API interface {
	Responder
	HandleFireAndForget(pattern string, fn FireAndForgetFunc) error
	HandleRequestResponse(pattern string, fn RequestResponseFunc) error
	HandleRequestStream(pattern string, fn RequestStreamFunc) error
	HandleRequestChannel(pattern string, fn RequestChannelFunc) error
	Connect(pattern string, fn ConnectFunc) error
	Serve(ctx context.Context, t Transport) error
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}
