package xrsocket

import (
	"context"
	"io"
	"math"
	"sync"
	"sync/atomic"
)

// demand counts the units a producer may still emit.
type demand struct {
	mu     sync.Mutex
	n      int64
	signal chan struct{}
}

func newDemand(initial int64) *demand {
	if initial < 0 {
		initial = 0
	}
	return &demand{n: initial, signal: make(chan struct{}, 1)}
}

func (d *demand) add(n int64) {
	d.mu.Lock()
	if d.n > math.MaxInt64-n {
		d.n = math.MaxInt64
	} else {
		d.n += n
	}
	d.mu.Unlock()
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// acquire takes one unit, waiting until one is granted or ctx is done.
func (d *demand) acquire(ctx context.Context) error {
	for {
		d.mu.Lock()
		if d.n > 0 {
			d.n--
			d.mu.Unlock()
			return nil
		}
		d.mu.Unlock()
		select {
		case <-d.signal:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *demand) outstanding() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

// Stream is the responder-side handle of one dispatched request. Transports
// forward the peer's REQUEST_N, CANCEL and channel frames to it.
type Stream struct {
	id          string
	route       string
	requested   InteractionType
	ctx         context.Context
	cancel      context.CancelFunc
	demand      *demand
	inbound     *Inbound
	done        chan struct{}
	err         error
	peerCancel  atomic.Bool
	violationMu sync.Mutex
	violation   error
}

func newStream(parent context.Context, id, route string, requested InteractionType, initialDemand int64) *Stream {
	ctx, cancel := context.WithCancel(parent)
	s := &Stream{
		id:        id,
		route:     route,
		requested: requested,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	switch requested {
	case RequestStream, RequestChannel:
		s.demand = newDemand(initialDemand)
	default:
		s.demand = newDemand(math.MaxInt64)
	}
	return s
}

// ID returns the correlation id of the request.
func (s *Stream) ID() string { return s.id }

// Interaction returns the interaction the peer asked for.
func (s *Stream) Interaction() InteractionType { return s.requested }

// Request grants n more units. Demand on a fire-and-forget or
// request/response stream, or a non-positive n, is a protocol violation
// that terminates this stream.
func (s *Stream) Request(n int64) error {
	switch {
	case s.requested != RequestStream && s.requested != RequestChannel:
		return s.fail("demand is not allowed")
	case n <= 0:
		return s.fail("demand must be positive")
	}
	s.demand.add(n)
	return nil
}

// Cancel stops the producer at its next emission boundary. No terminal
// frame is sent for a cancelled stream.
func (s *Stream) Cancel() {
	s.peerCancel.Store(true)
	s.cancel()
}

// Send delivers one request-channel unit to the handler, waiting for buffer
// space.
func (s *Stream) Send(ctx context.Context, p Payload) error {
	if s.inbound == nil {
		return s.fail("send on a stream without inbound")
	}
	return s.inbound.push(ctx, s.ctx.Done(), p)
}

// CloseSend signals that the peer will send no more channel units.
func (s *Stream) CloseSend() error {
	if s.inbound == nil {
		return s.fail("close-send on a stream without inbound")
	}
	s.inbound.closeSend()
	return nil
}

// Done is closed once the handler has returned and the terminal frame, if
// any, was written.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the error the stream terminated with. It is nil for completed
// and cancelled streams and only valid after Done is closed.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Outstanding returns the demand not yet consumed.
func (s *Stream) Outstanding() int64 { return s.demand.outstanding() }

func (s *Stream) fail(reason string) error {
	err := &StreamProtocolError{StreamID: s.id, Interaction: s.requested, Reason: reason}
	s.violationMu.Lock()
	if s.violation == nil {
		s.violation = err
	}
	s.violationMu.Unlock()
	s.cancel()
	return err
}

func (s *Stream) violated() error {
	s.violationMu.Lock()
	defer s.violationMu.Unlock()
	return s.violation
}

// Sink emits the values of one stream in order, honoring demand and
// cancellation. It is safe for concurrent use; emissions are serialized.
type Sink struct {
	stream   *Stream
	out      Outbound
	encode   EncodeFunc
	mimeType string

	mu      sync.Mutex
	closed  bool
	emitted atomic.Int64
	onEmit  func()
}

// Next encodes v with the stream's data codec and emits it once demand is
// available. A Payload value is emitted as is. Next returns
// ErrStreamCancelled once the stream is cancelled, at which point the
// handler should return.
func (s *Sink) Next(ctx context.Context, v any) error {
	if p, ok := v.(Payload); ok {
		return s.emit(ctx, p)
	}
	if s.encode == nil {
		return &PayloadDecodeError{MimeType: s.mimeType, Route: s.stream.route, Err: errNoEncoder}
	}
	data, err := s.encode(v)
	if err != nil {
		return &PayloadDecodeError{MimeType: s.mimeType, Route: s.stream.route, Err: err}
	}
	return s.emit(ctx, Payload{Data: data})
}

func (s *Sink) emit(ctx context.Context, p Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	if err := s.stream.ctx.Err(); err != nil {
		return ErrStreamCancelled
	}

	wait := s.stream.ctx
	if ctx != nil && ctx != s.stream.ctx {
		var stop context.CancelFunc
		wait, stop = context.WithCancel(s.stream.ctx)
		defer stop()
		unlink := context.AfterFunc(ctx, stop)
		defer unlink()
	}
	if err := s.stream.demand.acquire(wait); err != nil {
		if s.stream.ctx.Err() != nil {
			return ErrStreamCancelled
		}
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	// Cancellation observed after the demand wait still stops this unit.
	if s.stream.ctx.Err() != nil {
		return ErrStreamCancelled
	}
	if err := s.out.OnNext(s.stream.ctx, p); err != nil {
		return err
	}
	s.emitted.Add(1)
	if s.onEmit != nil {
		s.onEmit()
	}
	return nil
}

// Emitted returns the number of units written so far.
func (s *Sink) Emitted() int64 { return s.emitted.Load() }

// close marks the sink terminated; later emissions fail.
func (s *Sink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Inbound delivers the peer's request-channel units to a handler.
type Inbound struct {
	ch       chan Payload
	eof      chan struct{}
	eofOnce  sync.Once
	decode   DecodeFunc
	mimeType string
	route    string
}

func newInbound(buffer int, decode DecodeFunc, mimeType, route string) *Inbound {
	if buffer < 1 {
		buffer = 1
	}
	return &Inbound{
		ch:       make(chan Payload, buffer),
		eof:      make(chan struct{}),
		decode:   decode,
		mimeType: mimeType,
		route:    route,
	}
}

func (in *Inbound) push(ctx context.Context, done <-chan struct{}, p Payload) error {
	select {
	case <-in.eof:
		return ErrStreamClosed
	default:
	}
	select {
	case in.ch <- p:
		return nil
	case <-done:
		return ErrStreamCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *Inbound) closeSend() {
	in.eofOnce.Do(func() { close(in.eof) })
}

// Next returns the next unit, or io.EOF once the peer completed and every
// buffered unit was consumed.
func (in *Inbound) Next(ctx context.Context) (Payload, error) {
	select {
	case p := <-in.ch:
		return p, nil
	default:
	}
	select {
	case p := <-in.ch:
		return p, nil
	case <-in.eof:
		select {
		case p := <-in.ch:
			return p, nil
		default:
			return Payload{}, io.EOF
		}
	case <-ctx.Done():
		return Payload{}, ctx.Err()
	}
}

// Decode reads the next unit and decodes it into v.
func (in *Inbound) Decode(ctx context.Context, v any) error {
	p, err := in.Next(ctx)
	if err != nil {
		return err
	}
	if in.decode == nil {
		return &PayloadDecodeError{MimeType: in.mimeType, Route: in.route}
	}
	if err := in.decode(p.Data, v); err != nil {
		return &PayloadDecodeError{MimeType: in.mimeType, Route: in.route, Err: err}
	}
	return nil
}

// DecodeNext is a helper to decode the next channel unit into a typed value.
func DecodeNext[T any](ctx context.Context, in *Inbound) (T, error) {
	var v T
	err := in.Decode(ctx, &v)
	return v, err
}
