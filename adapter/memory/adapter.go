package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xrsocket"
)

const TransportName = "memory"

var (
	ErrClosed         = errors.New("memory transport is closed")
	ErrAlreadyServing = errors.New("memory transport is already serving")
)

func init() {
	if err := xrsocket.RegisterTransport(TransportName, func(cfg map[string]any) (xrsocket.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xrsocket/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// StreamBuffer is the number of frames buffered per stream towards the
	// requester (default: 256).
	StreamBuffer int
	// DialTimeout bounds how long Dial waits for Serve (default: 5s).
	DialTimeout time.Duration
	// AssignIDs assigns ids to requests with an empty ID (default: true).
	AssignIDs bool
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	return Config{
		StreamBuffer: max(1, getInt("stream_buffer", 256)),
		DialTimeout:  getDur("dial_timeout", 5*time.Second),
		AssignIDs:    getBool("assign_ids", true),
	}
}

// Transport connects requesters and a responder inside one process. Frames
// are handed over through channels; nothing is serialized beyond the
// payload bytes.
type Transport struct {
	cfg Config

	mu        sync.Mutex
	responder xrsocket.Responder
	serveCtx  context.Context
	conns     map[*Conn]struct{}

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closed    atomic.Bool

	metrics *transportMetrics
}

type transportMetrics struct {
	dialed   atomic.Uint64
	rejected atomic.Uint64
	opened   atomic.Uint64
	frames   atomic.Uint64
	pushes   atomic.Uint64
}

var _ xrsocket.Transport = (*Transport)(nil)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.StreamBuffer < 1 {
		cfg.StreamBuffer = 256
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Transport{
		cfg:     cfg,
		conns:   make(map[*Conn]struct{}),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		metrics: &transportMetrics{},
	}
}

// Serve makes r reachable by Dial and blocks until ctx is done or the
// transport is closed.
func (t *Transport) Serve(ctx context.Context, r xrsocket.Responder) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.mu.Lock()
	if t.responder != nil {
		t.mu.Unlock()
		return ErrAlreadyServing
	}
	t.responder = r
	t.serveCtx = ctx
	t.mu.Unlock()
	t.readyOnce.Do(func() { close(t.ready) })

	select {
	case <-ctx.Done():
		t.closeConns()
		return ctx.Err()
	case <-t.done:
		return nil
	}
}

// Dial sends setup to the responder and returns the connection once it is
// accepted.
func (t *Transport) Dial(ctx context.Context, setup *xrsocket.Message) (xrsocket.Channel, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	wait, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	select {
	case <-t.ready:
	case <-t.done:
		return nil, ErrClosed
	case <-wait.Done():
		return nil, fmt.Errorf("memory: waiting for responder: %w", wait.Err())
	}

	t.mu.Lock()
	r, sctx := t.responder, t.serveCtx
	t.mu.Unlock()

	if setup == nil {
		setup = &xrsocket.Message{Kind: xrsocket.FrameSetup}
	}
	t.metrics.dialed.Add(1)
	if err := r.Accept(ctx, setup); err != nil {
		t.metrics.rejected.Add(1)
		return nil, err
	}

	cctx, ccancel := context.WithCancel(sctx)
	c := &Conn{t: t, responder: r, ctx: cctx, cancel: ccancel}
	t.mu.Lock()
	t.conns[c] = struct{}{}
	t.mu.Unlock()
	return c, nil
}

// Close gracefully shuts down the transport and its connections.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.done)
	t.closeConns()
	return nil
}

func (t *Transport) closeConns() {
	t.mu.Lock()
	conns := make([]*Conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(context.Background())
	}
}

// Stats returns transport telemetry.
type Stats struct {
	Dialed   uint64
	Rejected uint64
	Opened   uint64
	Frames   uint64
	Pushes   uint64
	Conns    int
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	conns := len(t.conns)
	t.mu.Unlock()
	return Stats{
		Dialed:   t.metrics.dialed.Load(),
		Rejected: t.metrics.rejected.Load(),
		Opened:   t.metrics.opened.Load(),
		Frames:   t.metrics.frames.Load(),
		Pushes:   t.metrics.pushes.Load(),
		Conns:    conns,
	}
}

// Conn is one accepted requester connection.
type Conn struct {
	t         *Transport
	responder xrsocket.Responder
	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
}

var _ xrsocket.Channel = (*Conn)(nil)

// Open dispatches msg and returns the requester's view of the stream.
// Rejections of response-bearing requests arrive through Recv, as they
// would over a network.
func (c *Conn) Open(ctx context.Context, msg *xrsocket.Message) (xrsocket.ClientStream, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if msg == nil {
		return nil, errors.New("memory: nil message")
	}
	m := *msg
	if c.t.cfg.AssignIDs && m.ID == "" {
		m.ID = nextID()
	}
	if m.ProducedAt.IsZero() {
		m.ProducedAt = time.Now()
	}

	cs := newClientStream(c.t.cfg.StreamBuffer, c.t.metrics)
	c.t.metrics.opened.Add(1)
	s, err := c.responder.Dispatch(c.ctx, &m, cs)
	if err != nil {
		cs.fail(err)
		return cs, nil
	}
	cs.bind(s)
	return cs, nil
}

func (c *Conn) MetadataPush(ctx context.Context, msg *xrsocket.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.t.metrics.pushes.Add(1)
	return c.responder.MetadataPush(c.ctx, msg)
}

// Close cancels the connection's running streams.
func (c *Conn) Close(_ context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	c.t.mu.Lock()
	delete(c.t.conns, c)
	c.t.mu.Unlock()
	return nil
}

type frame struct {
	p        xrsocket.Payload
	err      error
	complete bool
}

// clientStream is both the responder's Outbound and the requester's
// ClientStream for one stream.
type clientStream struct {
	frames  chan frame
	metrics *transportMetrics
	stream  atomic.Pointer[xrsocket.Stream]

	termOnce   sync.Once
	cancelled  chan struct{}
	cancelOnce sync.Once

	mu    sync.Mutex
	final error
}

func newClientStream(buffer int, m *transportMetrics) *clientStream {
	return &clientStream{
		frames:    make(chan frame, buffer),
		metrics:   m,
		cancelled: make(chan struct{}),
	}
}

func (cs *clientStream) bind(s *xrsocket.Stream) { cs.stream.Store(s) }

func (cs *clientStream) push(ctx context.Context, f frame) error {
	select {
	case cs.frames <- f:
		cs.metrics.frames.Add(1)
		return nil
	case <-cs.cancelled:
		return xrsocket.ErrStreamCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *clientStream) OnNext(ctx context.Context, p xrsocket.Payload) error {
	return cs.push(ctx, frame{p: p})
}

func (cs *clientStream) OnComplete(ctx context.Context) error {
	var err error
	cs.termOnce.Do(func() { err = cs.push(ctx, frame{complete: true}) })
	return err
}

func (cs *clientStream) OnError(ctx context.Context, e error) error {
	var err error
	cs.termOnce.Do(func() { err = cs.push(ctx, frame{err: e}) })
	return err
}

// fail terminates a stream the responder refused to start.
func (cs *clientStream) fail(err error) {
	_ = cs.OnError(context.Background(), err)
}

func (cs *clientStream) Recv(ctx context.Context) (xrsocket.Payload, error) {
	cs.mu.Lock()
	final := cs.final
	cs.mu.Unlock()
	if final != nil {
		return xrsocket.Payload{}, final
	}

	select {
	case f := <-cs.frames:
		switch {
		case f.complete:
			cs.setFinal(io.EOF)
			return xrsocket.Payload{}, io.EOF
		case f.err != nil:
			cs.setFinal(f.err)
			return xrsocket.Payload{}, f.err
		}
		return f.p, nil
	case <-cs.cancelled:
		return xrsocket.Payload{}, xrsocket.ErrStreamCancelled
	case <-ctx.Done():
		return xrsocket.Payload{}, ctx.Err()
	}
}

func (cs *clientStream) setFinal(err error) {
	cs.mu.Lock()
	cs.final = err
	cs.mu.Unlock()
}

func (cs *clientStream) Request(n int64) error {
	s := cs.stream.Load()
	if s == nil {
		return xrsocket.ErrStreamClosed
	}
	return s.Request(n)
}

func (cs *clientStream) Cancel() {
	cs.cancelOnce.Do(func() {
		close(cs.cancelled)
		if s := cs.stream.Load(); s != nil {
			s.Cancel()
		}
	})
}

func (cs *clientStream) Send(ctx context.Context, p xrsocket.Payload) error {
	s := cs.stream.Load()
	if s == nil {
		return xrsocket.ErrStreamClosed
	}
	return s.Send(ctx, p)
}

func (cs *clientStream) CloseSend() error {
	s := cs.stream.Load()
	if s == nil {
		return xrsocket.ErrStreamClosed
	}
	return s.CloseSend()
}

// Simple monotonic ID generator (not distributed; dev/testing only).
var idSeq atomic.Uint64

func nextID() string {
	return fmt.Sprintf("mem-%d", idSeq.Add(1))
}
