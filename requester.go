package xrsocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// RequesterConfig sets the MIME types a Requester encodes with.
type RequesterConfig struct {
	// DataMimeType defaults to MimeJSON.
	DataMimeType string
	// MetadataMimeType is used by Metadata when no MIME type is given.
	// Defaults to MimeJSON.
	MetadataMimeType string
}

// Requester builds requests over an established Channel. Metadata is always
// sent as composite metadata with the routing entry first.
type Requester struct {
	ch           Channel
	codecs       *CodecRegistry
	dataMime     string
	metadataMime string
}

// NewRequester returns a requester encoding through codecs.
func NewRequester(ch Channel, codecs *CodecRegistry, cfg RequesterConfig) *Requester {
	if codecs == nil {
		codecs = NewCodecRegistry()
	}
	if cfg.DataMimeType == "" {
		cfg.DataMimeType = MimeJSON
	}
	if cfg.MetadataMimeType == "" {
		cfg.MetadataMimeType = MimeJSON
	}
	return &Requester{ch: ch, codecs: codecs, dataMime: cfg.DataMimeType, metadataMime: cfg.MetadataMimeType}
}

// Route starts a request. Each "{...}" placeholder in template is replaced,
// in order, by the formatted value of the next var.
func (r *Requester) Route(template string, vars ...any) *RequestSpec {
	route, err := expandRoute(template, vars)
	return &RequestSpec{r: r, route: route, err: err}
}

// MetadataPush sends v as a single metadata entry of mimeType.
func (r *Requester) MetadataPush(ctx context.Context, v any, mimeType string) error {
	e, err := r.metadataEntry(v, mimeType)
	if err != nil {
		return err
	}
	md, err := ComposeMetadata(e)
	if err != nil {
		return err
	}
	return r.ch.MetadataPush(ctx, &Message{
		Kind:             FrameMetadataPush,
		MetadataMimeType: MimeCompositeMetadata,
		Metadata:         md,
	})
}

// Close closes the underlying channel.
func (r *Requester) Close(ctx context.Context) error { return r.ch.Close(ctx) }

func (r *Requester) metadataEntry(v any, mimeType string) (MetadataEntry, error) {
	if mimeType == "" {
		mimeType = r.metadataMime
	}
	if b, ok := v.([]byte); ok {
		return MetadataEntry{MimeType: mimeType, Data: b}, nil
	}
	enc, ok := r.codecs.EncoderFor(mimeType)
	if !ok {
		return MetadataEntry{}, fmt.Errorf("xrsocket: no encoder for metadata %q", mimeType)
	}
	b, err := enc(v)
	if err != nil {
		return MetadataEntry{}, fmt.Errorf("xrsocket: encode metadata %q: %w", mimeType, err)
	}
	return MetadataEntry{MimeType: mimeType, Data: b}, nil
}

func (r *Requester) encodeData(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case Payload:
		return t.Data, nil
	}
	enc, ok := r.codecs.EncoderFor(r.dataMime)
	if !ok {
		return nil, fmt.Errorf("xrsocket: no encoder for data %q", r.dataMime)
	}
	return enc(v)
}

func expandRoute(template string, vars []any) (string, error) {
	var b strings.Builder
	rest := template
	n := 0
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return "", fmt.Errorf("%w: %q has an unclosed variable", ErrInvalidPattern, template)
		}
		if n >= len(vars) {
			return "", fmt.Errorf("%w: %q needs more than %d variables", ErrInvalidPattern, template, len(vars))
		}
		b.WriteString(rest[:open])
		b.WriteString(fmt.Sprint(vars[n]))
		n++
		rest = rest[open+end+1:]
	}
	if n != len(vars) {
		return "", fmt.Errorf("%w: %q takes %d variables, got %d", ErrInvalidPattern, template, n, len(vars))
	}
	return b.String(), nil
}

// RequestSpec is one request being assembled.
type RequestSpec struct {
	r       *Requester
	route   string
	entries []MetadataEntry
	data    any
	err     error
}

// Metadata adds v as a metadata entry of mimeType. A []byte value is sent
// as is.
func (s *RequestSpec) Metadata(v any, mimeType string) *RequestSpec {
	if s.err != nil {
		return s
	}
	e, err := s.r.metadataEntry(v, mimeType)
	if err != nil {
		s.err = err
		return s
	}
	s.entries = append(s.entries, e)
	return s
}

// Data sets the payload. For request-channel it is the first unit.
func (s *RequestSpec) Data(v any) *RequestSpec {
	s.data = v
	return s
}

func (s *RequestSpec) message(kind FrameKind, demand int64) (*Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	re, err := RouteEntry(s.route)
	if err != nil {
		return nil, err
	}
	md, err := ComposeMetadata(append([]MetadataEntry{re}, s.entries...)...)
	if err != nil {
		return nil, err
	}
	data, err := s.r.encodeData(s.data)
	if err != nil {
		return nil, err
	}
	msg := &Message{
		Kind:             kind,
		Route:            s.route,
		MetadataMimeType: MimeCompositeMetadata,
		Metadata:         md,
		DataMimeType:     s.r.dataMime,
		Data:             data,
		InitialDemand:    demand,
	}
	switch {
	case kind == FrameRequestChannel:
		msg.Cardinality = Many
	case len(data) > 0:
		msg.Cardinality = One
	}
	return msg, nil
}

// Send fires the request and forgets it.
func (s *RequestSpec) Send(ctx context.Context) error {
	msg, err := s.message(FrameFireAndForget, 0)
	if err != nil {
		return err
	}
	_, err = s.r.ch.Open(ctx, msg)
	return err
}

// Retrieve performs a request/response exchange and decodes the response
// into out. An empty response leaves out untouched.
func (s *RequestSpec) Retrieve(ctx context.Context, out any) error {
	msg, err := s.message(FrameRequestResponse, 0)
	if err != nil {
		return err
	}
	cs, err := s.r.ch.Open(ctx, msg)
	if err != nil {
		return err
	}
	p, err := cs.Recv(ctx)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}
	// Consume the completion that follows the value.
	if _, err := cs.Recv(ctx); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if out == nil || len(p.Data) == 0 {
		return nil
	}
	return s.r.decode(p.Data, out)
}

// RetrieveStream opens a request/stream granting demand units up front.
func (s *RequestSpec) RetrieveStream(ctx context.Context, demand int64) (*ResponseStream, error) {
	return s.open(ctx, FrameRequestStream, demand)
}

// Channel opens a request-channel granting demand units up front. The data
// set with Data, if any, is the first unit sent.
func (s *RequestSpec) Channel(ctx context.Context, demand int64) (*ResponseStream, error) {
	return s.open(ctx, FrameRequestChannel, demand)
}

func (s *RequestSpec) open(ctx context.Context, kind FrameKind, demand int64) (*ResponseStream, error) {
	msg, err := s.message(kind, demand)
	if err != nil {
		return nil, err
	}
	cs, err := s.r.ch.Open(ctx, msg)
	if err != nil {
		return nil, err
	}
	return &ResponseStream{r: s.r, cs: cs}, nil
}

func (r *Requester) decode(data []byte, out any) error {
	if b, ok := out.(*[]byte); ok {
		*b = append((*b)[:0], data...)
		return nil
	}
	dec, ok := r.codecs.DecoderFor(r.dataMime)
	if !ok {
		return &PayloadDecodeError{MimeType: r.dataMime}
	}
	if err := dec(data, out); err != nil {
		return &PayloadDecodeError{MimeType: r.dataMime, Err: err}
	}
	return nil
}

// ResponseStream is the requester side of a request/stream or
// request-channel.
type ResponseStream struct {
	r  *Requester
	cs ClientStream
}

// Next returns the next payload, io.EOF on completion, or the responder's error.
func (rs *ResponseStream) Next(ctx context.Context) (Payload, error) {
	return rs.cs.Recv(ctx)
}

// Decode reads the next payload into v.
func (rs *ResponseStream) Decode(ctx context.Context, v any) error {
	p, err := rs.cs.Recv(ctx)
	if err != nil {
		return err
	}
	return rs.r.decode(p.Data, v)
}

// Request grants n more units.
func (rs *ResponseStream) Request(n int64) error { return rs.cs.Request(n) }

// Cancel stops the stream.
func (rs *ResponseStream) Cancel() { rs.cs.Cancel() }

// Send encodes v and sends it as the next channel unit.
func (rs *ResponseStream) Send(ctx context.Context, v any) error {
	data, err := rs.r.encodeData(v)
	if err != nil {
		return err
	}
	return rs.cs.Send(ctx, Payload{Data: data})
}

// CloseSend completes the requester's side of a channel.
func (rs *ResponseStream) CloseSend() error { return rs.cs.CloseSend() }

// Receive is a helper to decode the next stream element into a typed value.
func Receive[T any](ctx context.Context, rs *ResponseStream) (T, error) {
	var v T
	err := rs.Decode(ctx, &v)
	return v, err
}
