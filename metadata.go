package xrsocket

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/trickstertwo/xrsocket/composite"
)

// RouteKey is the reserved key routing metadata is extracted under.
const RouteKey = "route"

// Metadata holds decoded metadata values by logical key.
type Metadata map[string]any

// Get returns the value stored under key.
func (m Metadata) Get(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}

// Route returns the extracted route, if any.
func (m Metadata) Route() (string, bool) {
	s, ok := m[RouteKey].(string)
	return s, ok && s != ""
}

// String returns the value under key when it is a string.
func (m Metadata) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Keys returns the keys in lexical order.
func (m Metadata) Keys() []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

// extraction describes what to do with an entry of one MIME type.
type extraction struct {
	key    string
	target func() any
	value  func(ptr any) any
	merge  func(v any, out Metadata)
}

// MetadataExtractor decodes metadata buffers into Metadata using the decoders
// of a CodecRegistry. Routing metadata is always decoded under RouteKey;
// other MIME types must be registered with ExtractAs, ExtractInto or
// ExtractMap.
type MetadataExtractor struct {
	codecs *CodecRegistry

	mu            sync.RWMutex
	registrations map[string]extraction
}

// NewMetadataExtractor returns an extractor decoding through codecs.
func NewMetadataExtractor(codecs *CodecRegistry) *MetadataExtractor {
	if codecs == nil {
		codecs = NewCodecRegistry()
	}
	return &MetadataExtractor{
		codecs:        codecs,
		registrations: make(map[string]extraction),
	}
}

func (e *MetadataExtractor) register(mimeType string, x extraction) {
	e.mu.Lock()
	e.registrations[mimeType] = x
	e.mu.Unlock()
}

// ExtractAs stores entries of mimeType, decoded as T, under key.
func ExtractAs[T any](e *MetadataExtractor, mimeType, key string) {
	e.register(mimeType, extraction{
		key:    key,
		target: func() any { return new(T) },
		value:  func(p any) any { return *(p.(*T)) },
	})
}

// ExtractInto decodes entries of mimeType as T and hands them to merge,
// which writes into the output Metadata.
func ExtractInto[T any](e *MetadataExtractor, mimeType string, merge func(v T, out Metadata)) {
	e.register(mimeType, extraction{
		target: func() any { return new(T) },
		value:  func(p any) any { return *(p.(*T)) },
		merge:  func(v any, out Metadata) { merge(v.(T), out) },
	})
}

// ExtractMap decodes entries of mimeType as a map and merges it key by key.
func ExtractMap(e *MetadataExtractor, mimeType string) {
	ExtractInto(e, mimeType, func(v map[string]any, out Metadata) {
		for k, val := range v {
			out[k] = val
		}
	})
}

// Extract decodes data, whose outer MIME type is mimeType. Entries with no
// registration or no decoder are skipped; only malformed composite framing
// is an error.
func (e *MetadataExtractor) Extract(data []byte, mimeType string) (Metadata, error) {
	return e.extract(data, mimeType, nil)
}

func (e *MetadataExtractor) extract(data []byte, mimeType string, skipped func(*UnsupportedMetadataTypeError)) (Metadata, error) {
	out := make(Metadata)
	if len(data) == 0 {
		return out, nil
	}
	if !IsComposite(mimeType) {
		e.extractEntry(mimeType, data, out, skipped)
		return out, nil
	}
	r := composite.NewReader(data)
	for r.Next() {
		ent := r.Entry()
		e.extractEntry(ent.MimeType, ent.Data, out, skipped)
	}
	if err := r.Err(); err != nil {
		return out, &PayloadDecodeError{MimeType: mimeType, Err: err}
	}
	return out, nil
}

func (e *MetadataExtractor) extractEntry(mimeType string, data []byte, out Metadata, skipped func(*UnsupportedMetadataTypeError)) {
	skip := func(err error) {
		if skipped != nil {
			skipped(&UnsupportedMetadataTypeError{MimeType: mimeType, Err: err})
		}
	}

	if mimeType == MimeRouting {
		tags, err := composite.DecodeRoute(data)
		if err != nil {
			skip(err)
			return
		}
		out[RouteKey] = tags[0]
		return
	}

	e.mu.RLock()
	x, ok := e.registrations[mimeType]
	e.mu.RUnlock()
	if !ok {
		skip(nil)
		return
	}
	decode, ok := e.codecs.DecoderFor(mimeType)
	if !ok {
		skip(nil)
		return
	}

	target := x.target()
	if err := decode(data, target); err != nil {
		skip(err)
		return
	}
	v := x.value(target)
	if x.merge != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					skip(fmt.Errorf("merge panic: %v", r))
				}
			}()
			x.merge(v, out)
		}()
		return
	}
	out[x.key] = v
}
