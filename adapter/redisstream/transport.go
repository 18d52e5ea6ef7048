package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xrsocket"
)

var ErrClosed = errors.New("redisstream: transport is closed")

type transport struct {
	cfg    Config
	client *redis.Client

	closed atomic.Bool
	done   chan struct{}

	clientsMu sync.Mutex
	clients   map[*conn]struct{}
	connSeq   atomic.Uint64

	// metrics for observability
	metrics *transportMetrics
}

// transportMetrics tracks performance telemetry
type transportMetrics struct {
	written     atomic.Uint64
	read        atomic.Uint64
	acked       atomic.Uint64
	accepted    atomic.Uint64
	rejected    atomic.Uint64
	writeErrors atomic.Uint64
	readErrors  atomic.Uint64
}

// Stats returns transport telemetry.
type Stats struct {
	Written     uint64
	Read        uint64
	Acked       uint64
	Accepted    uint64
	Rejected    uint64
	WriteErrors uint64
	ReadErrors  uint64
}

var _ xrsocket.Transport = (*transport)(nil)

func NewTransport(cfg Config) (xrsocket.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 5,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &transport{
		cfg:     cfg,
		client:  client,
		done:    make(chan struct{}),
		clients: make(map[*conn]struct{}),
		metrics: &transportMetrics{},
	}, nil
}

// Stats returns current transport metrics.
func (t *transport) Stats() Stats {
	return Stats{
		Written:     t.metrics.written.Load(),
		Read:        t.metrics.read.Load(),
		Acked:       t.metrics.acked.Load(),
		Accepted:    t.metrics.accepted.Load(),
		Rejected:    t.metrics.rejected.Load(),
		WriteErrors: t.metrics.writeErrors.Load(),
		ReadErrors:  t.metrics.readErrors.Load(),
	}
}

func (t *transport) xadd(ctx context.Context, stream string, vals map[string]any) error {
	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*", // Let Redis generate ID
		Values: vals,
	}
	// Approximate trimming to keep stream bounded
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		t.metrics.writeErrors.Add(1)
		return err
	}
	t.metrics.written.Add(1)
	return nil
}

// Serve reads setups from the shared stream and connection entries from
// this responder's private stream until ctx is done or the transport is
// closed.
func (t *transport) Serve(ctx context.Context, r xrsocket.Responder) error {
	if t.closed.Load() {
		return ErrClosed
	}
	s := &server{
		t:       t,
		r:       r,
		private: t.cfg.privateStream(),
		conns:   make(map[string]*serverConn),
	}

	if t.cfg.AutoCreate {
		for _, stream := range []string{t.cfg.Stream, s.private} {
			if err := t.client.XGroupCreateMkStream(ctx, stream, t.cfg.Group, "$").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
				return fmt.Errorf("redisstream: create group on %q: %w", stream, err)
			}
		}
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-sctx.Done():
		}
	}()
	s.ctx = sctx

	var wg sync.WaitGroup
	// Optional pending setup recovery (claims setups stuck on dead consumers)
	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 && t.cfg.ClaimBatch > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.claimLoop(sctx)
		}()
	}

	s.pollerLoop(sctx)
	cancel()
	wg.Wait()
	s.closeAll()

	if t.closed.Load() {
		return nil
	}
	return ctx.Err()
}

// Close gracefully shuts down the transport.
func (t *transport) Close(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil // Already closed
	}
	close(t.done)

	t.clientsMu.Lock()
	conns := make([]*conn, 0, len(t.clients))
	for c := range t.clients {
		conns = append(conns, c)
	}
	t.clientsMu.Unlock()
	for _, c := range conns {
		_ = c.Close(ctx)
	}

	return t.client.Close()
}

// server is the responder side of one Serve call.
type server struct {
	t       *transport
	r       xrsocket.Responder
	ctx     context.Context
	private string

	mu    sync.Mutex
	conns map[string]*serverConn
}

type serverConn struct {
	id      string
	replyTo string
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	streams map[string]*xrsocket.Stream
}

// pollerLoop reads both responder streams and handles entries in order.
func (s *server) pollerLoop(ctx context.Context) {
	xArgs := &redis.XReadGroupArgs{
		Group:    s.t.cfg.Group,
		Consumer: s.t.cfg.Consumer,
		Streams:  []string{s.t.cfg.Stream, s.private, ">", ">"},
		Count:    int64(max(1, s.t.cfg.BatchSize)),
		Block:    s.t.cfg.Block,
		NoAck:    false,
	}

	backoff := time.Millisecond * 100
	maxBackoff := time.Second * 5

	for {
		// Fast exit on context cancellation
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := s.t.client.XReadGroup(ctx, xArgs).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				// Block timeout (expected), continue polling
				backoff = time.Millisecond * 100
				continue
			}

			// Transient error: exponential backoff
			s.t.metrics.readErrors.Add(1)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}

		backoff = time.Millisecond * 100
		for _, stream := range res {
			for _, msg := range stream.Messages {
				s.process(stream.Stream, msg)
			}
		}
	}
}

// claimLoop periodically takes over setups left pending by dead consumers.
func (s *server) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(s.t.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs, _, err := s.t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   s.t.cfg.Stream,
			Group:    s.t.cfg.Group,
			Consumer: s.t.cfg.Consumer,
			MinIdle:  s.t.cfg.ClaimMinIdle,
			Start:    "0-0",
			Count:    int64(max(1, s.t.cfg.ClaimBatch)),
		}).Result()
		if err != nil {
			continue
		}
		for _, msg := range msgs {
			s.process(s.t.cfg.Stream, msg)
		}
	}
}

func (s *server) process(stream string, msg redis.XMessage) {
	d := &delivery{t: s.t, stream: stream, id: msg.ID, values: msg.Values}
	s.t.metrics.read.Add(1)
	s.handle(d)
	_ = d.Ack(context.WithoutCancel(s.ctx))
}

func (s *server) handle(d *delivery) {
	kind := d.kind()
	connID := d.field(fieldConn)
	if kind == kindSetup {
		s.setup(d, connID)
		return
	}

	s.mu.Lock()
	c := s.conns[connID]
	s.mu.Unlock()
	if c == nil {
		// Entry for a connection this responder does not hold.
		return
	}

	if fk, ok := frameKinds[kind]; ok {
		if fk == xrsocket.FrameMetadataPush {
			_ = s.r.MetadataPush(c.ctx, decodeMessage(fk, d.values))
			return
		}
		s.dispatch(c, decodeMessage(fk, d.values))
		return
	}

	if kind == kindClose {
		s.drop(connID)
		return
	}

	st := c.stream(d.field(fieldID))
	if st == nil {
		return
	}
	switch kind {
	case kindRequestN:
		n, _ := toInt64(d.values[fieldDemand])
		// A bad demand terminates the stream with an error frame.
		_ = st.Request(n)
	case kindCancel:
		st.Cancel()
	case kindNext:
		_ = st.Send(c.ctx, xrsocket.Payload{
			Metadata: asBytes(d.values[fieldMetadata]),
			Data:     asBytes(d.values[fieldData]),
		})
	case kindComplete:
		_ = st.CloseSend()
	}
}

func (s *server) setup(d *delivery, connID string) {
	replyTo := d.field(fieldReplyTo)
	if connID == "" || replyTo == "" {
		return
	}
	if err := s.r.Accept(s.ctx, decodeMessage(xrsocket.FrameSetup, d.values)); err != nil {
		s.t.metrics.rejected.Add(1)
		_ = s.t.xadd(s.ctx, replyTo, map[string]any{
			fieldKind:    kindRejected,
			fieldConn:    connID,
			fieldCode:    xrsocket.ErrorCode(err),
			fieldMessage: err.Error(),
		})
		return
	}

	cctx, cancel := context.WithCancel(s.ctx)
	c := &serverConn{
		id:      connID,
		replyTo: replyTo,
		ctx:     cctx,
		cancel:  cancel,
		streams: make(map[string]*xrsocket.Stream),
	}
	s.mu.Lock()
	s.conns[connID] = c
	s.mu.Unlock()

	s.t.metrics.accepted.Add(1)
	if err := s.t.xadd(s.ctx, replyTo, map[string]any{
		fieldKind:   kindAccepted,
		fieldConn:   connID,
		fieldServer: s.private,
	}); err != nil {
		s.drop(connID)
	}
}

func (s *server) dispatch(c *serverConn, msg *xrsocket.Message) {
	out := &replyOutbound{t: s.t, replyTo: c.replyTo, conn: c.id, id: msg.ID}
	st, err := s.r.Dispatch(c.ctx, msg, out)
	if err != nil {
		// The error frame, if any, was already written through out.
		return
	}
	c.mu.Lock()
	c.streams[msg.ID] = st
	c.mu.Unlock()
	go func() {
		<-st.Done()
		c.mu.Lock()
		if c.streams[msg.ID] == st {
			delete(c.streams, msg.ID)
		}
		c.mu.Unlock()
	}()
}

func (c *serverConn) stream(id string) *xrsocket.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

func (s *server) drop(connID string) {
	s.mu.Lock()
	c := s.conns[connID]
	delete(s.conns, connID)
	s.mu.Unlock()
	if c != nil {
		c.cancel()
	}
}

func (s *server) closeAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*serverConn)
	s.mu.Unlock()
	for _, c := range conns {
		c.cancel()
	}
}

// replyOutbound writes one stream's frames to the connection's reply stream.
type replyOutbound struct {
	t       *transport
	replyTo string
	conn    string
	id      string
}

func (o *replyOutbound) frame(kind string) map[string]any {
	return map[string]any{fieldKind: kind, fieldConn: o.conn, fieldID: o.id}
}

func (o *replyOutbound) OnNext(ctx context.Context, p xrsocket.Payload) error {
	vals := o.frame(kindNext)
	if len(p.Metadata) > 0 {
		vals[fieldMetadata] = p.Metadata
	}
	if len(p.Data) > 0 {
		vals[fieldData] = p.Data
	}
	return o.t.xadd(ctx, o.replyTo, vals)
}

func (o *replyOutbound) OnComplete(ctx context.Context) error {
	return o.t.xadd(ctx, o.replyTo, o.frame(kindComplete))
}

func (o *replyOutbound) OnError(ctx context.Context, err error) error {
	vals := o.frame(kindError)
	vals[fieldCode] = xrsocket.ErrorCode(err)
	vals[fieldMessage] = err.Error()
	return o.t.xadd(ctx, o.replyTo, vals)
}

// Helper functions

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}

	return nil
}
