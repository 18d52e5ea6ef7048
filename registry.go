package xrsocket

import (
	"sync"
)

// DecodeFunc decodes data into the value pointed to by v.
type DecodeFunc func(data []byte, v any) error

// EncodeFunc encodes v into bytes.
type EncodeFunc func(v any) ([]byte, error)

type codecEntry struct {
	decode DecodeFunc
	encode EncodeFunc
}

// CodecRegistry maps MIME types to decoders and encoders.
//
// Registration is expected to finish before traffic starts; lookups are safe
// to run concurrently with each other and with late registrations.
type CodecRegistry struct {
	mu     sync.RWMutex
	codecs map[string]codecEntry
}

// NewCodecRegistry returns a registry holding the built-in codecs.
func NewCodecRegistry() *CodecRegistry {
	r := NewEmptyCodecRegistry()
	for _, c := range []Codec{JSONCodec{}, YAMLCodec{}, ProtobufCodec{}, TextCodec{}, BytesCodec{}} {
		r.RegisterCodec(c)
	}
	return r
}

// NewEmptyCodecRegistry returns a registry with no codecs.
func NewEmptyCodecRegistry() *CodecRegistry {
	return &CodecRegistry{codecs: make(map[string]codecEntry)}
}

// Register binds decode and encode to mimeType, replacing any previous
// registration. Either function may be nil.
func (r *CodecRegistry) Register(mimeType string, decode DecodeFunc, encode EncodeFunc) {
	r.mu.Lock()
	r.codecs[mimeType] = codecEntry{decode: decode, encode: encode}
	r.mu.Unlock()
}

// RegisterCodec registers c under c.Name().
func (r *CodecRegistry) RegisterCodec(c Codec) {
	if c == nil {
		return
	}
	r.Register(c.Name(), c.Unmarshal, c.Marshal)
}

// DecoderFor returns the decoder registered for mimeType.
func (r *CodecRegistry) DecoderFor(mimeType string) (DecodeFunc, bool) {
	r.mu.RLock()
	e, ok := r.codecs[mimeType]
	r.mu.RUnlock()
	if !ok || e.decode == nil {
		return nil, false
	}
	return e.decode, true
}

// EncoderFor returns the encoder registered for mimeType.
func (r *CodecRegistry) EncoderFor(mimeType string) (EncodeFunc, bool) {
	r.mu.RLock()
	e, ok := r.codecs[mimeType]
	r.mu.RUnlock()
	if !ok || e.encode == nil {
		return nil, false
	}
	return e.encode, true
}

// RegisterAs registers c under mimeType instead of c.Name(), e.g. the JSON
// codec for "application/vnd.myapp.metadata+json".
func (r *CodecRegistry) RegisterAs(mimeType string, c Codec) {
	if c == nil {
		return
	}
	r.Register(mimeType, c.Unmarshal, c.Marshal)
}
