package redisstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xrsocket"
)

// Dial writes setup to the shared stream and waits on a fresh reply stream
// for the responder's verdict. A refusal is returned as a
// *xrsocket.RemoteError matching xrsocket.ErrConnectionRejected.
func (t *transport) Dial(ctx context.Context, setup *xrsocket.Message) (xrsocket.Channel, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	connID := fmt.Sprintf("%s-%d", t.cfg.Consumer, t.connSeq.Add(1))
	replyTo := t.cfg.replyStream(connID)

	vals := map[string]any{fieldKind: kindSetup, fieldConn: connID, fieldReplyTo: replyTo}
	if setup != nil {
		encodeMessage(vals, setup)
	}
	if err := t.xadd(ctx, t.cfg.Stream, vals); err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	last := "0-0"
	for {
		res, err := t.client.XRead(dctx, &redis.XReadArgs{
			Streams: []string{replyTo, last},
			Count:   16,
			Block:   min(t.cfg.Block, t.cfg.DialTimeout),
		}).Result()
		if errors.Is(err, redis.Nil) && dctx.Err() == nil {
			continue
		}
		if err != nil {
			t.client.Del(context.WithoutCancel(ctx), replyTo)
			return nil, fmt.Errorf("redisstream: waiting for setup reply: %w", err)
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				last = msg.ID
				switch asString(msg.Values[fieldKind]) {
				case kindAccepted:
					return t.newConn(connID, replyTo, asString(msg.Values[fieldServer]), last), nil
				case kindRejected:
					t.client.Del(context.WithoutCancel(ctx), replyTo)
					return nil, &xrsocket.RemoteError{
						Code:    asString(msg.Values[fieldCode]),
						Message: asString(msg.Values[fieldMessage]),
					}
				}
			}
		}
	}
}

// conn is the requester side of one accepted connection.
type conn struct {
	t       *transport
	id      string
	replyTo string
	server  string
	last    string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool

	mu      sync.Mutex
	streams map[string]*clientStream
	seq     atomic.Uint64
}

var _ xrsocket.Channel = (*conn)(nil)

func (t *transport) newConn(id, replyTo, server, last string) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		t:       t,
		id:      id,
		replyTo: replyTo,
		server:  server,
		last:    last,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		streams: make(map[string]*clientStream),
	}
	t.clientsMu.Lock()
	t.clients[c] = struct{}{}
	t.clientsMu.Unlock()
	go c.readLoop()
	return c
}

// readLoop demultiplexes the reply stream into client streams.
func (c *conn) readLoop() {
	defer close(c.done)

	backoff := time.Millisecond * 100
	maxBackoff := time.Second * 5
	for {
		if c.ctx.Err() != nil {
			return
		}
		res, err := c.t.client.XRead(c.ctx, &redis.XReadArgs{
			Streams: []string{c.replyTo, c.last},
			Count:   int64(max(1, c.t.cfg.BatchSize)),
			Block:   c.t.cfg.Block,
		}).Result()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				backoff = time.Millisecond * 100
				continue
			}
			c.t.metrics.readErrors.Add(1)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-c.ctx.Done():
				return
			}
			continue
		}

		backoff = time.Millisecond * 100
		for _, stream := range res {
			for _, msg := range stream.Messages {
				c.last = msg.ID
				c.t.metrics.read.Add(1)
				c.deliver(msg.Values)
			}
		}
	}
}

func (c *conn) deliver(vals map[string]any) {
	id := asString(vals[fieldID])
	c.mu.Lock()
	cs := c.streams[id]
	c.mu.Unlock()
	if cs == nil {
		return
	}
	switch asString(vals[fieldKind]) {
	case kindNext:
		cs.push(c.ctx, frame{p: xrsocket.Payload{
			Metadata: asBytes(vals[fieldMetadata]),
			Data:     asBytes(vals[fieldData]),
		}})
	case kindComplete:
		c.forget(id)
		cs.push(c.ctx, frame{complete: true})
	case kindError:
		c.forget(id)
		cs.push(c.ctx, frame{err: &xrsocket.RemoteError{
			Code:    asString(vals[fieldCode]),
			Message: asString(vals[fieldMessage]),
		}})
	}
}

func (c *conn) forget(id string) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

func (c *conn) send(ctx context.Context, kind, id string, fill func(map[string]any)) error {
	if c.closed.Load() {
		return ErrClosed
	}
	vals := map[string]any{fieldKind: kind, fieldConn: c.id}
	if id != "" {
		vals[fieldID] = id
	}
	if fill != nil {
		fill(vals)
	}
	return c.t.xadd(ctx, c.server, vals)
}

// Open writes msg to the responder's private stream. Fire-and-forget
// streams are not tracked and never receive frames.
func (c *conn) Open(ctx context.Context, msg *xrsocket.Message) (xrsocket.ClientStream, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if msg == nil {
		return nil, errors.New("redisstream: nil message")
	}
	if _, ok := msg.Kind.Interaction(); !ok {
		return nil, fmt.Errorf("redisstream: %s is not a request", msg.Kind)
	}
	kind, _ := entryKind(msg.Kind)

	m := *msg
	if m.ID == "" {
		m.ID = strconv.FormatUint(c.seq.Add(1), 10)
	}
	cs := &clientStream{
		c:         c,
		id:        m.ID,
		frames:    make(chan frame, c.t.cfg.StreamBuffer),
		cancelled: make(chan struct{}),
	}
	if m.Kind != xrsocket.FrameFireAndForget {
		c.mu.Lock()
		c.streams[m.ID] = cs
		c.mu.Unlock()
	}

	if err := c.send(ctx, kind, "", func(v map[string]any) { encodeMessage(v, &m) }); err != nil {
		c.forget(m.ID)
		return nil, err
	}
	return cs, nil
}

func (c *conn) MetadataPush(ctx context.Context, msg *xrsocket.Message) error {
	return c.send(ctx, kindMetadataPush, "", func(v map[string]any) {
		if msg != nil {
			encodeMessage(v, msg)
		}
	})
}

// Close tells the responder to drop the connection and removes the reply
// stream. Streams still open fail with ErrClosed.
func (c *conn) Close(ctx context.Context) error {
	if c.closed.Load() {
		return nil
	}
	err := c.send(ctx, kindClose, "", nil)
	c.closed.Store(true)
	c.cancel()
	<-c.done

	c.mu.Lock()
	streams := c.streams
	c.streams = make(map[string]*clientStream)
	c.mu.Unlock()
	for _, cs := range streams {
		select {
		case cs.frames <- frame{err: ErrClosed}:
		default:
		}
	}

	c.t.clientsMu.Lock()
	delete(c.t.clients, c)
	c.t.clientsMu.Unlock()

	if derr := c.t.client.Del(context.WithoutCancel(ctx), c.replyTo).Err(); err == nil {
		err = derr
	}
	return err
}

type frame struct {
	p        xrsocket.Payload
	err      error
	complete bool
}

type clientStream struct {
	c      *conn
	id     string
	frames chan frame

	cancelled  chan struct{}
	cancelOnce sync.Once

	mu    sync.Mutex
	final error
}

var _ xrsocket.ClientStream = (*clientStream)(nil)

func (cs *clientStream) push(ctx context.Context, f frame) {
	select {
	case cs.frames <- f:
	case <-cs.cancelled:
	case <-ctx.Done():
	}
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
	return cs.c.send(cs.c.ctx, kindRequestN, cs.id, func(v map[string]any) { v[fieldDemand] = n })
}

func (cs *clientStream) Cancel() {
	cs.cancelOnce.Do(func() {
		close(cs.cancelled)
		cs.c.forget(cs.id)
		_ = cs.c.send(cs.c.ctx, kindCancel, cs.id, nil)
	})
}

func (cs *clientStream) Send(ctx context.Context, p xrsocket.Payload) error {
	return cs.c.send(ctx, kindNext, cs.id, func(v map[string]any) {
		if len(p.Metadata) > 0 {
			v[fieldMetadata] = p.Metadata
		}
		if len(p.Data) > 0 {
			v[fieldData] = p.Data
		}
	})
}

func (cs *clientStream) CloseSend() error {
	return cs.c.send(cs.c.ctx, kindComplete, cs.id, nil)
}
