package xrsocket

import (
	"time"

	"github.com/trickstertwo/xrsocket/composite"
)

// FrameKind is the class of an inbound frame as delivered by a transport.
type FrameKind uint8

const (
	FrameSetup FrameKind = iota + 1
	FrameMetadataPush
	FrameFireAndForget
	FrameRequestResponse
	FrameRequestStream
	FrameRequestChannel
)

func (k FrameKind) String() string {
	switch k {
	case FrameSetup:
		return "setup"
	case FrameMetadataPush:
		return "metadata_push"
	case FrameFireAndForget:
		return "fire_and_forget"
	case FrameRequestResponse:
		return "request_response"
	case FrameRequestStream:
		return "request_stream"
	case FrameRequestChannel:
		return "request_channel"
	default:
		return "unknown"
	}
}

// Cardinalities returns the request and response cardinality a request
// frame implies when its payload is present. Setup and metadata-push frames
// have none.
func (k FrameKind) Cardinalities() (in, out Cardinality, ok bool) {
	switch k {
	case FrameFireAndForget:
		return One, None, true
	case FrameRequestResponse:
		return One, One, true
	case FrameRequestStream:
		return One, Many, true
	case FrameRequestChannel:
		return Many, Many, true
	default:
		return None, None, false
	}
}

// Interaction returns the interaction a request frame asks for.
// Setup and metadata-push frames have none.
func (k FrameKind) Interaction() (InteractionType, bool) {
	in, out, ok := k.Cardinalities()
	if !ok {
		return 0, false
	}
	return Resolve(in, out), true
}

// Message is one inbound frame. It is produced at transport ingress and must
// not be mutated once handed to a Responder.
type Message struct {
	// ID correlates responses and control signals with this request.
	ID   string
	Kind FrameKind
	// Route is used when the metadata carries no routing entry.
	Route string

	MetadataMimeType string
	Metadata         []byte

	DataMimeType string
	Data         []byte

	// Cardinality is the request-side cardinality hint. None means the
	// message carries no payload to decode.
	Cardinality Cardinality
	// InitialDemand is the number of units a stream may emit before the
	// peer requests more.
	InitialDemand int64

	ProducedAt time.Time
}

// Interaction resolves the interaction m asks for from its request
// cardinality and the response cardinality of its frame kind. A
// request-channel frame always carries Many. Many on any other request frame
// is a protocol violation.
func (m *Message) Interaction() (InteractionType, error) {
	in, out, ok := m.Kind.Cardinalities()
	if !ok {
		return 0, &StreamProtocolError{StreamID: m.ID, Reason: "frame " + m.Kind.String() + " is not a request"}
	}
	if in != Many {
		if m.Cardinality == Many {
			return 0, &StreamProtocolError{StreamID: m.ID, Reason: "cardinality many on a " + m.Kind.String() + " frame"}
		}
		in = m.Cardinality
	}
	return Resolve(in, out), nil
}

// HasPayload reports whether m carries request data. Data on a message whose
// cardinality is None is ignored.
func (m *Message) HasPayload() bool {
	return m.Cardinality != None && len(m.Data) > 0
}

// MetadataEntry is one independently typed metadata value.
type MetadataEntry struct {
	MimeType string
	Data     []byte
}

// MetadataEntries returns the metadata entries of m in wire order. A
// non-composite buffer is a single entry of MetadataMimeType.
func (m *Message) MetadataEntries() ([]MetadataEntry, error) {
	if len(m.Metadata) == 0 {
		return nil, nil
	}
	if !IsComposite(m.MetadataMimeType) {
		return []MetadataEntry{{MimeType: m.MetadataMimeType, Data: m.Metadata}}, nil
	}
	var out []MetadataEntry
	r := composite.NewReader(m.Metadata)
	for r.Next() {
		e := r.Entry()
		out = append(out, MetadataEntry{MimeType: e.MimeType, Data: e.Data})
	}
	return out, r.Err()
}

// Payload is one outbound (or channel inbound) unit.
type Payload struct {
	Metadata []byte
	Data     []byte
}
