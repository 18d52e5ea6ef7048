package xrsocket

// Cardinality is the number of payloads on one side of an exchange.
type Cardinality uint8

const (
	None Cardinality = iota
	One
	Many
)

func (c Cardinality) String() string {
	switch c {
	case None:
		return "none"
	case One:
		return "one"
	case Many:
		return "many"
	default:
		return "invalid"
	}
}

// InteractionType classifies an exchange by input and output cardinality.
type InteractionType uint8

const (
	FireAndForget InteractionType = iota + 1
	RequestResponse
	RequestStream
	RequestChannel
)

func (t InteractionType) String() string {
	switch t {
	case FireAndForget:
		return "fire-and-forget"
	case RequestResponse:
		return "request/response"
	case RequestStream:
		return "request/stream"
	case RequestChannel:
		return "request-channel"
	default:
		return "unknown"
	}
}

// Responds reports whether the peer expects frames back.
func (t InteractionType) Responds() bool {
	return t != FireAndForget
}

// Resolve maps an (input, output) cardinality pair to its interaction type.
// The mapping is total.
func Resolve(in, out Cardinality) InteractionType {
	if in == Many {
		return RequestChannel
	}
	switch out {
	case None:
		return FireAndForget
	case Many:
		return RequestStream
	default:
		return RequestResponse
	}
}

// serves reports whether a handler bound as t can answer a frame asking for
// requested. Fire-and-forget handlers answer request/response frames with an
// empty completion. Request/response handlers answer request/stream frames
// with a single element and fire-and-forget frames with nothing.
func (t InteractionType) serves(requested InteractionType) bool {
	switch {
	case t == requested:
		return true
	case t == FireAndForget && requested == RequestResponse:
		return true
	case t == RequestResponse && requested == FireAndForget:
		return true
	case t == RequestResponse && requested == RequestStream:
		return true
	}
	return false
}
