package xrsocket

import (
	"context"
	"fmt"
)

// Request is what a handler sees of one inbound message.
type Request struct {
	ID    string
	Route string
	Vars  RouteVars
	// Metadata holds the extracted metadata, including RouteKey.
	Metadata     Metadata
	DataMimeType string
	Data         []byte
	// Interaction is what the peer asked for, which may differ from the
	// handler's own interaction (see Handler).
	Interaction InteractionType

	decode DecodeFunc
}

// Var returns the route variable bound to name.
func (r *Request) Var(name string) string { return r.Vars.Get(name) }

// Decode decodes the payload into v with the decoder for DataMimeType.
func (r *Request) Decode(v any) error {
	if r.decode == nil {
		return &PayloadDecodeError{MimeType: r.DataMimeType, Route: r.Route}
	}
	if err := r.decode(r.Data, v); err != nil {
		return &PayloadDecodeError{MimeType: r.DataMimeType, Route: r.Route, Err: err}
	}
	return nil
}

// Decode is a helper to decode a request payload into a typed value.
func Decode[T any](r *Request) (T, error) {
	var v T
	if err := r.Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}

// Exchange is the unit middlewares operate on.
type Exchange struct {
	Request *Request
	// Interaction of the bound handler.
	Interaction InteractionType
	// Inbound is set for request-channel handlers.
	Inbound *Inbound
	// Sink is set for request/stream and request-channel handlers.
	Sink *Sink
}

// Invoker runs a handler for one exchange. The result is only meaningful for
// request/response handlers.
type Invoker func(ctx context.Context, ex *Exchange) (any, error)

// Middleware composes processing concerns around an Invoker.
type Middleware func(next Invoker) Invoker

// Handler is one of FireAndForgetFunc, RequestResponseFunc,
// RequestStreamFunc or RequestChannelFunc.
type Handler interface {
	Interaction() InteractionType
	invoker() Invoker
}

// FireAndForgetFunc handles messages that expect no response.
type FireAndForgetFunc func(ctx context.Context, req *Request) error

func (FireAndForgetFunc) Interaction() InteractionType { return FireAndForget }

func (f FireAndForgetFunc) invoker() Invoker {
	return func(ctx context.Context, ex *Exchange) (any, error) {
		return nil, f(ctx, ex.Request)
	}
}

// RequestResponseFunc returns a single value, or nil for an empty response.
type RequestResponseFunc func(ctx context.Context, req *Request) (any, error)

func (RequestResponseFunc) Interaction() InteractionType { return RequestResponse }

func (f RequestResponseFunc) invoker() Invoker {
	return func(ctx context.Context, ex *Exchange) (any, error) {
		return f(ctx, ex.Request)
	}
}

// RequestStreamFunc emits any number of values through sink.
type RequestStreamFunc func(ctx context.Context, req *Request, sink *Sink) error

func (RequestStreamFunc) Interaction() InteractionType { return RequestStream }

func (f RequestStreamFunc) invoker() Invoker {
	return func(ctx context.Context, ex *Exchange) (any, error) {
		return nil, f(ctx, ex.Request, ex.Sink)
	}
}

// RequestChannelFunc consumes in and emits through sink.
type RequestChannelFunc func(ctx context.Context, req *Request, in *Inbound, sink *Sink) error

func (RequestChannelFunc) Interaction() InteractionType { return RequestChannel }

func (f RequestChannelFunc) invoker() Invoker {
	return func(ctx context.Context, ex *Exchange) (any, error) {
		return nil, f(ctx, ex.Request, ex.Inbound, ex.Sink)
	}
}

// ConnectFunc handles setup and metadata-push frames. An error returned for
// a setup refuses the connection.
type ConnectFunc func(ctx context.Context, req *Request) error

// HandlerBinding ties a compiled pattern to a handler.
type HandlerBinding struct {
	Pattern     *RoutePattern
	Interaction InteractionType
	Handler     Handler

	invoke Invoker
}

// NewBinding validates h against the (in, out) cardinalities and returns an
// unregistered binding.
func NewBinding(in, out Cardinality, h Handler) (*HandlerBinding, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	it := Resolve(in, out)
	if h.Interaction() != it {
		return nil, fmt.Errorf("%w: %s handler for %s/%s (%s)", ErrInteractionMismatch, h.Interaction(), in, out, it)
	}
	return &HandlerBinding{Interaction: it, Handler: h, invoke: h.invoker()}, nil
}

// Response adapts a typed function into a request/response handler.
func Response[In, Out any](fn func(ctx context.Context, in In) (Out, error)) RequestResponseFunc {
	return func(ctx context.Context, req *Request) (any, error) {
		in, err := Decode[In](req)
		if err != nil {
			return nil, err
		}
		return fn(ctx, in)
	}
}

// Consume adapts a typed function into a fire-and-forget handler.
func Consume[In any](fn func(ctx context.Context, in In) error) FireAndForgetFunc {
	return func(ctx context.Context, req *Request) error {
		in, err := Decode[In](req)
		if err != nil {
			return err
		}
		return fn(ctx, in)
	}
}
