package xrsocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// events collects observer events.
type events struct {
	mu  sync.Mutex
	all []Event
}

func (e *events) OnEvent(ev Event) {
	e.mu.Lock()
	e.all = append(e.all, ev)
	e.mu.Unlock()
}

func (e *events) of(t EventType) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.all {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func TestDispatch_RequestResponseWithRouteVariable(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.HandleRequestResponse("locate.radars.within.{id}", func(ctx context.Context, req *Request) (any, error) {
		in, err := Decode[radar](req)
		if err != nil {
			return nil, err
		}
		got, ok := RequestFromContext(ctx)
		if !ok || got != req {
			return nil, errors.New("request missing from context")
		}
		return radar{ID: req.Var("id"), Lat: in.Lat + 1}, nil
	}))

	out := &recorder{}
	s, err := d.Dispatch(context.Background(), routed(t, FrameRequestResponse, "locate.radars.within.42", []byte(`{"lat":1}`)), out)
	require.NoError(t, err)
	waitDone(t, s)

	next, completed, errs := out.snapshot()
	require.Empty(t, errs)
	require.Len(t, next, 1)
	assert.JSONEq(t, `{"id":"42","lat":2,"long":0}`, string(next[0].Data))
	assert.Equal(t, 1, completed)
	assert.NoError(t, s.Err())
}

func TestDispatch_FireAndForgetProducesNoFrames(t *testing.T) {
	d := newTestDispatcher(t)
	called := make(chan string, 1)
	require.NoError(t, d.HandleFireAndForget("status", func(ctx context.Context, req *Request) error {
		called <- req.Route
		return nil
	}))

	out := &recorder{}
	s, err := d.Dispatch(context.Background(), routed(t, FrameFireAndForget, "status", nil), out)
	require.NoError(t, err)
	waitDone(t, s)

	assert.Equal(t, "status", <-called)
	next, completed, errs := out.snapshot()
	assert.Empty(t, next)
	assert.Zero(t, completed)
	assert.Empty(t, errs)
}

func TestDispatch_FireAndForgetFailureIsNotSurfaced(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.HandleFireAndForget("status", func(ctx context.Context, req *Request) error {
		return errors.New("boom")
	}))

	out := &recorder{}
	s, err := d.Dispatch(context.Background(), routed(t, FrameFireAndForget, "status", nil), out)
	require.NoError(t, err)
	waitDone(t, s)

	assert.Zero(t, out.terminals())
	assert.ErrorIs(t, s.Err(), ErrHandlerFailure)
	assert.Equal(t, uint64(1), d.GetMetrics().Failed)
}

func TestDispatch_UnroutableRejected(t *testing.T) {
	obs := &events{}
	d := newTestDispatcher(t, func(b *DispatcherBuilder) { b.WithObserver(obs) })
	require.NoError(t, d.HandleRequestResponse("status", func(ctx context.Context, req *Request) (any, error) {
		return "ok", nil
	}))

	out := &recorder{}
	s, err := d.Dispatch(context.Background(), routed(t, FrameRequestResponse, "unknown.route", nil), out)
	require.Error(t, err)
	assert.Nil(t, s)

	var ue *UnroutableMessageError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "unknown.route", ue.Route)

	_, _, errs := out.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrUnroutableMessage)
	assert.Equal(t, CodeUnroutable, ErrorCode(errs[0]))

	// Fire-and-forget rejections are returned but write nothing.
	out = &recorder{}
	_, err = d.Dispatch(context.Background(), routed(t, FrameFireAndForget, "unknown.route", nil), out)
	assert.ErrorIs(t, err, ErrUnroutableMessage)
	assert.Zero(t, out.terminals())

	assert.Equal(t, uint64(2), d.GetMetrics().Rejected)
	require.Eventually(t, func() bool { return len(obs.of(Rejected)) == 2 }, time.Second, 5*time.Millisecond)
}

func TestDispatch_RouteFallsBackToMessageRoute(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.HandleRequestResponse("status", func(ctx context.Context, req *Request) (any, error) {
		r, _ := req.Metadata.Route()
		return r, nil
	}))

	out := &recorder{}
	s, err := d.Dispatch(context.Background(), &Message{ID: "1", Kind: FrameRequestResponse, Route: "status"}, out)
	require.NoError(t, err)
	waitDone(t, s)

	next, _, _ := out.snapshot()
	require.Len(t, next, 1)
	assert.Equal(t, `"status"`, string(next[0].Data))
}

func TestDispatch_HandlerErrorIsClassified(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.HandleRequestResponse("fail", func(ctx context.Context, req *Request) (any, error) {
		return nil, errors.New("database down")
	}))

	out := &recorder{}
	s, err := d.Dispatch(context.Background(), routed(t, FrameRequestResponse, "fail", nil), out)
	require.NoError(t, err)
	waitDone(t, s)

	next, completed, errs := out.snapshot()
	assert.Empty(t, next)
	assert.Zero(t, completed)
	require.Len(t, errs, 1)

	var he *HandlerError
	require.ErrorAs(t, errs[0], &he)
	assert.Equal(t, "fail", he.Route)
	assert.EqualError(t, he.Err, "database down")
	assert.Equal(t, CodeHandler, ErrorCode(errs[0]))
}

func TestDispatch_PayloadDecodeFailure(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.HandleRequestResponse("locate.radars.within.{id}", Response(func(ctx context.Context, in radar) (radar, error) {
		return in, nil
	})))

	out := &recorder{}
	s, err := d.Dispatch(context.Background(), routed(t, FrameRequestResponse, "locate.radars.within.42", []byte(`{not json`)), out)
	require.NoError(t, err)
	waitDone(t, s)

	_, _, errs := out.snapshot()
	require.Len(t, errs, 1)
	var pde *PayloadDecodeError
	require.ErrorAs(t, errs[0], &pde)
	assert.Equal(t, MimeJSON, pde.MimeType)
	assert.Equal(t, CodeDecode, ErrorCode(errs[0]))
}

func TestDispatch_NoDecoderForDataRejects(t *testing.T) {
	d := newTestDispatcher(t)
	called := atomic.Bool{}
	require.NoError(t, d.HandleRequestResponse("status", func(ctx context.Context, req *Request) (any, error) {
		called.Store(true)
		return nil, nil
	}))

	msg := routed(t, FrameRequestResponse, "status", []byte("<xml/>"))
	msg.DataMimeType = "application/xml"
	out := &recorder{}
	_, err := d.Dispatch(context.Background(), msg, out)
	assert.ErrorIs(t, err, ErrPayloadDecode)
	assert.False(t, called.Load())
}

func TestDispatch_MalformedMetadataRejects(t *testing.T) {
	d := newTestDispatcher(t)
	out := &recorder{}
	_, err := d.Dispatch(context.Background(), &Message{
		ID:               "1",
		Kind:             FrameRequestResponse,
		MetadataMimeType: MimeCompositeMetadata,
		Metadata:         []byte{0x80 | 0x7E, 0x00},
	}, out)
	assert.ErrorIs(t, err, ErrPayloadDecode)
	_, _, errs := out.snapshot()
	assert.Len(t, errs, 1)
}

func TestDispatch_UnsupportedMetadataIsSkipped(t *testing.T) {
	obs := &events{}
	d := newTestDispatcher(t, func(b *DispatcherBuilder) { b.WithObserver(obs) })
	require.NoError(t, d.HandleRequestResponse("status", func(ctx context.Context, req *Request) (any, error) {
		return req.Metadata.Keys(), nil
	}))

	out := &recorder{}
	s, err := d.Dispatch(context.Background(), routed(t, FrameRequestResponse, "status", nil,
		MetadataEntry{MimeType: "application/x.unknown", Data: []byte("?")},
	), out)
	require.NoError(t, err)
	waitDone(t, s)

	next, _, _ := out.snapshot()
	require.Len(t, next, 1)
	assert.Equal(t, `["route"]`, string(next[0].Data))
	assert.Equal(t, uint64(1), d.GetMetrics().MetadataSkipped)
	require.Eventually(t, func() bool { return len(obs.of(MetadataSkipped)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "application/x.unknown", obs.of(MetadataSkipped)[0].MimeType)
}

func TestDispatch_StreamHonorsDemand(t *testing.T) {
	defer leaktest.Check(t)()

	d := newTestDispatcher(t)
	defer d.Close(context.Background())
	require.NoError(t, d.HandleRequestStream("radars", func(ctx context.Context, req *Request, sink *Sink) error {
		for i := range 5 {
			if err := sink.Next(ctx, radar{ID: fmt.Sprint(i)}); err != nil {
				return err
			}
		}
		return nil
	}))

	msg := routed(t, FrameRequestStream, "radars", nil)
	msg.InitialDemand = 2
	out := &recorder{}
	s, err := d.Dispatch(context.Background(), msg, out)
	require.NoError(t, err)

	require.Eventually(t, func() bool { n, _, _ := out.snapshot(); return len(n) == 2 }, time.Second, 5*time.Millisecond)
	// No more units until demand is granted.
	time.Sleep(20 * time.Millisecond)
	next, completed, _ := out.snapshot()
	assert.Len(t, next, 2)
	assert.Zero(t, completed)
	assert.Zero(t, s.Outstanding())

	require.NoError(t, s.Request(10))
	waitDone(t, s)

	next, completed, errs := out.snapshot()
	assert.Len(t, next, 5)
	assert.Equal(t, 1, completed)
	assert.Empty(t, errs)
	assert.Equal(t, int64(7), s.Outstanding())
	assert.Equal(t, uint64(5), d.GetMetrics().Emitted)
}

func TestDispatch_StreamCancelStopsEmission(t *testing.T) {
	defer leaktest.Check(t)()

	obs := &events{}
	d := newTestDispatcher(t, func(b *DispatcherBuilder) { b.WithObserver(obs) })
	defer d.Close(context.Background())
	stopped := make(chan error, 1)
	require.NoError(t, d.HandleRequestStream("ticks", func(ctx context.Context, req *Request, sink *Sink) error {
		for i := 0; ; i++ {
			if err := sink.Next(ctx, i); err != nil {
				stopped <- err
				return err
			}
		}
	}))

	msg := routed(t, FrameRequestStream, "ticks", nil)
	msg.InitialDemand = 1 << 20
	out := &recorder{}
	s, err := d.Dispatch(context.Background(), msg, out)
	require.NoError(t, err)

	require.Eventually(t, func() bool { n, _, _ := out.snapshot(); return len(n) >= 3 }, time.Second, time.Millisecond)
	s.Cancel()
	atCancel, _, _ := out.snapshot()
	waitDone(t, s)

	assert.ErrorIs(t, <-stopped, ErrStreamCancelled)
	next, completed, errs := out.snapshot()
	// At most the unit already in flight is written after cancel.
	assert.LessOrEqual(t, len(next), len(atCancel)+1)
	assert.Zero(t, completed)
	assert.Empty(t, errs)
	assert.NoError(t, s.Err())
	require.Eventually(t, func() bool { return len(obs.of(Cancelled)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatch_TransportContextCancelsStream(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.HandleRequestStream("ticks", func(ctx context.Context, req *Request, sink *Sink) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	out := &recorder{}
	s, err := d.Dispatch(ctx, routed(t, FrameRequestStream, "ticks", nil), out)
	require.NoError(t, err)
	cancel()
	waitDone(t, s)

	assert.Zero(t, out.terminals())
	assert.Equal(t, uint64(1), d.GetMetrics().Cancelled)
}

func TestDispatch_DemandOnRequestResponseIsViolation(t *testing.T) {
	d := newTestDispatcher(t)
	release := make(chan struct{})
	require.NoError(t, d.HandleRequestResponse("slow", func(ctx context.Context, req *Request) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "late", nil
	}))

	out := &recorder{}
	s, err := d.Dispatch(context.Background(), routed(t, FrameRequestResponse, "slow", nil), out)
	require.NoError(t, err)

	err = s.Request(5)
	assert.ErrorIs(t, err, ErrStreamProtocol)
	close(release)
	waitDone(t, s)

	next, completed, errs := out.snapshot()
	assert.Empty(t, next)
	assert.Zero(t, completed)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrStreamProtocol)
	assert.Equal(t, CodeProtocol, ErrorCode(s.Err()))
}

func TestDispatch_NonPositiveDemandIsViolation(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.HandleRequestStream("radars", func(ctx context.Context, req *Request, sink *Sink) error {
		<-ctx.Done()
		return nil
	}))

	out := &recorder{}
	s, err := d.Dispatch(context.Background(), routed(t, FrameRequestStream, "radars", nil), out)
	require.NoError(t, err)

	var spe *StreamProtocolError
	require.ErrorAs(t, s.Request(0), &spe)
	assert.Equal(t, RequestStream, spe.Interaction)
	waitDone(t, s)

	_, _, errs := out.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrStreamProtocol)
}

func TestDispatch_FireAndForgetHandlerServesRequestResponse(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.HandleFireAndForget("status", func(ctx context.Context, req *Request) error {
		if req.Interaction != RequestResponse {
			return errors.New("unexpected interaction")
		}
		return nil
	}))

	out := &recorder{}
	s, err := d.Dispatch(context.Background(), routed(t, FrameRequestResponse, "status", nil), out)
	require.NoError(t, err)
	waitDone(t, s)

	next, completed, errs := out.snapshot()
	assert.Empty(t, next)
	assert.Equal(t, 1, completed)
	assert.Empty(t, errs)
}

func TestDispatch_RequestResponseHandlerServesStream(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.HandleRequestResponse("one", func(ctx context.Context, req *Request) (any, error) {
		return radar{ID: "only"}, nil
	}))

	msg := routed(t, FrameRequestStream, "one", nil)
	msg.InitialDemand = 4
	out := &recorder{}
	s, err := d.Dispatch(context.Background(), msg, out)
	require.NoError(t, err)
	waitDone(t, s)

	next, completed, _ := out.snapshot()
	require.Len(t, next, 1)
	assert.JSONEq(t, `{"id":"only","lat":0,"long":0}`, string(next[0].Data))
	assert.Equal(t, 1, completed)
}

func TestDispatch_RequestResponseHandlerServesFireAndForget(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.HandleRequestResponse("status", func(ctx context.Context, req *Request) (any, error) {
		return "ok", nil
	}))

	out := &recorder{}
	s, err := d.Dispatch(context.Background(), routed(t, FrameFireAndForget, "status", nil), out)
	require.NoError(t, err)
	waitDone(t, s)

	next, _, _ := out.snapshot()
	assert.Empty(t, next)
	assert.Zero(t, out.terminals())
	assert.Equal(t, uint64(1), d.GetMetrics().Completed)
	assert.NoError(t, s.Err())
}

func TestDispatch_PayloadIgnoredWithoutCardinality(t *testing.T) {
	d := newTestDispatcher(t)
	seen := make(chan []byte, 1)
	require.NoError(t, d.HandleRequestResponse("status", func(ctx context.Context, req *Request) (any, error) {
		seen <- req.Data
		return nil, nil
	}))

	// No decoder is registered for xml, but the payload is not exposed.
	msg := routed(t, FrameRequestResponse, "status", []byte("<xml/>"))
	msg.DataMimeType = "application/xml"
	msg.Cardinality = None
	out := &recorder{}
	s, err := d.Dispatch(context.Background(), msg, out)
	require.NoError(t, err)
	waitDone(t, s)

	assert.Empty(t, <-seen)
	_, completed, errs := out.snapshot()
	assert.Equal(t, 1, completed)
	assert.Empty(t, errs)
}

func TestDispatch_ManyCardinalityOnSingleRequestRejected(t *testing.T) {
	d := newTestDispatcher(t)
	called := atomic.Bool{}
	require.NoError(t, d.HandleRequestResponse("status", func(ctx context.Context, req *Request) (any, error) {
		called.Store(true)
		return nil, nil
	}))

	msg := routed(t, FrameRequestResponse, "status", []byte(`{}`))
	msg.Cardinality = Many
	out := &recorder{}
	_, err := d.Dispatch(context.Background(), msg, out)
	assert.ErrorIs(t, err, ErrStreamProtocol)
	assert.False(t, called.Load())
}

func TestDispatch_IncompatibleInteractionRejected(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.HandleRequestStream("radars", func(ctx context.Context, req *Request, sink *Sink) error {
		return nil
	}))

	out := &recorder{}
	_, err := d.Dispatch(context.Background(), routed(t, FrameRequestResponse, "radars", nil), out)
	assert.ErrorIs(t, err, ErrStreamProtocol)
	_, _, errs := out.snapshot()
	require.Len(t, errs, 1)
}

func TestDispatch_ChannelEcho(t *testing.T) {
	defer leaktest.Check(t)()

	d := newTestDispatcher(t)
	defer d.Close(context.Background())
	require.NoError(t, d.HandleRequestChannel("echo", func(ctx context.Context, req *Request, in *Inbound, sink *Sink) error {
		for {
			v, err := DecodeNext[radar](ctx, in)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			v.Lat++
			if err := sink.Next(ctx, v); err != nil {
				return err
			}
		}
	}))

	msg := routed(t, FrameRequestChannel, "echo", []byte(`{"id":"a"}`))
	msg.InitialDemand = 8
	out := &recorder{}
	s, err := d.Dispatch(context.Background(), msg, out)
	require.NoError(t, err)

	require.NoError(t, s.Send(context.Background(), Payload{Data: []byte(`{"id":"b"}`)}))
	require.NoError(t, s.CloseSend())
	assert.ErrorIs(t, s.Send(context.Background(), Payload{Data: []byte(`{}`)}), ErrStreamClosed)
	waitDone(t, s)

	next, completed, errs := out.snapshot()
	require.Empty(t, errs)
	require.Len(t, next, 2)
	assert.JSONEq(t, `{"id":"a","lat":1,"long":0}`, string(next[0].Data))
	assert.JSONEq(t, `{"id":"b","lat":1,"long":0}`, string(next[1].Data))
	assert.Equal(t, 1, completed)
}

func TestDispatch_SendOnStreamWithoutInboundIsViolation(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.HandleRequestStream("radars", func(ctx context.Context, req *Request, sink *Sink) error {
		<-ctx.Done()
		return nil
	}))

	out := &recorder{}
	s, err := d.Dispatch(context.Background(), routed(t, FrameRequestStream, "radars", nil), out)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Send(context.Background(), Payload{}), ErrStreamProtocol)
	waitDone(t, s)
	assert.ErrorIs(t, s.Err(), ErrStreamProtocol)
}

func TestDispatch_PanicIsRecovered(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.HandleRequestResponse("panic", func(ctx context.Context, req *Request) (any, error) {
		panic("kaboom")
	}))

	out := &recorder{}
	s, err := d.Dispatch(context.Background(), routed(t, FrameRequestResponse, "panic", nil), out)
	require.NoError(t, err)
	waitDone(t, s)

	_, _, errs := out.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrHandlerPanic)
	assert.ErrorIs(t, errs[0], ErrHandlerFailure)
}

func TestDispatch_NonRequestFrame(t *testing.T) {
	d := newTestDispatcher(t)
	out := &recorder{}
	_, err := d.Dispatch(context.Background(), &Message{Kind: FrameSetup}, out)
	assert.ErrorIs(t, err, ErrStreamProtocol)
	assert.Zero(t, out.terminals())

	_, err = d.Dispatch(context.Background(), nil, out)
	assert.ErrorIs(t, err, ErrStreamProtocol)
}

func TestDispatcher_RegistrationClosesAtFirstDispatch(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.HandleFireAndForget("status", func(ctx context.Context, req *Request) error { return nil }))

	_, err := d.Dispatch(context.Background(), routed(t, FrameFireAndForget, "status", nil), nil)
	require.NoError(t, err)

	assert.ErrorIs(t, d.HandleFireAndForget("late", func(ctx context.Context, req *Request) error { return nil }), ErrRegistrationClosed)
	assert.ErrorIs(t, d.Connect("late", func(ctx context.Context, req *Request) error { return nil }), ErrRegistrationClosed)
}

func TestDispatcher_HandleValidation(t *testing.T) {
	d := newTestDispatcher(t)
	assert.ErrorIs(t, d.HandleRequestResponse("bad..route", func(ctx context.Context, req *Request) (any, error) { return nil, nil }), ErrInvalidPattern)
	assert.ErrorIs(t, d.Handle("x", One, Many, RequestResponseFunc(func(ctx context.Context, req *Request) (any, error) { return nil, nil })), ErrInteractionMismatch)
	assert.ErrorIs(t, d.Connect("x", nil), ErrNilHandler)
}

func TestAccept_ConnectHandlers(t *testing.T) {
	obs := &events{}
	d := newTestDispatcher(t, func(b *DispatcherBuilder) { b.WithObserver(obs) })

	var seen []string
	var mu sync.Mutex
	record := func(tag string) ConnectFunc {
		return func(ctx context.Context, req *Request) error {
			mu.Lock()
			seen = append(seen, tag+":"+req.Route)
			mu.Unlock()
			return nil
		}
	}
	require.NoError(t, d.Connect("", record("any")))
	require.NoError(t, d.Connect("tenant.{name}", func(ctx context.Context, req *Request) error {
		if req.Var("name") == "banned" {
			return errors.New("tenant banned")
		}
		return record("tenant")(ctx, req)
	}))

	setup := routed(t, FrameSetup, "tenant.acme", nil)
	require.NoError(t, d.Accept(context.Background(), setup))
	assert.Equal(t, []string{"any:tenant.acme", "tenant:tenant.acme"}, seen)

	err := d.Accept(context.Background(), routed(t, FrameSetup, "tenant.banned", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionRejected)
	assert.ErrorIs(t, err, ErrHandlerFailure)
	assert.Equal(t, CodeRejected, ErrorCode(err))

	// A setup with no route only runs the catch-all handlers.
	require.NoError(t, d.Accept(context.Background(), nil))

	require.Eventually(t, func() bool {
		return len(obs.of(ConnectionAccepted)) == 2 && len(obs.of(ConnectionRejected)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAccept_UnmatchedRouteWithoutCatchAll(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.Connect("tenant.{name}", func(ctx context.Context, req *Request) error { return nil }))

	err := d.Accept(context.Background(), routed(t, FrameSetup, "other", nil))
	assert.ErrorIs(t, err, ErrConnectionRejected)
	assert.ErrorIs(t, err, ErrUnroutableMessage)

	// An unrouted setup with no catch-all is accepted.
	assert.NoError(t, d.Accept(context.Background(), &Message{Kind: FrameSetup}))
}

func TestMetadataPush_RunsConnectHandlers(t *testing.T) {
	d := newTestDispatcher(t)
	codecs := d.Codecs()
	codecs.RegisterAs(mimeRadarMeta, JSONCodec{})
	ExtractAs[tracing](d.Extractor(), mimeRadarMeta, "tracing")

	got := make(chan tracing, 1)
	require.NoError(t, d.Connect("", func(ctx context.Context, req *Request) error {
		v, _ := req.Metadata.Get("tracing")
		tr, _ := v.(tracing)
		got <- tr
		return nil
	}))

	md, err := ComposeMetadata(MetadataEntry{MimeType: mimeRadarMeta, Data: []byte(`{"trace_id":"x"}`)})
	require.NoError(t, err)
	require.NoError(t, d.MetadataPush(context.Background(), &Message{
		Kind:             FrameMetadataPush,
		MetadataMimeType: MimeCompositeMetadata,
		Metadata:         md,
	}))
	assert.Equal(t, tracing{TraceID: "x"}, <-got)
}

func TestDispatcher_HealthAndMetrics(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.HandleFireAndForget("status", func(ctx context.Context, req *Request) error { return nil }))

	h := d.Health(context.Background())
	assert.Equal(t, "healthy", h.Status)

	for range 9 {
		s, err := d.Dispatch(context.Background(), routed(t, FrameFireAndForget, "status", nil), nil)
		require.NoError(t, err)
		waitDone(t, s)
	}
	_, _ = d.Dispatch(context.Background(), routed(t, FrameFireAndForget, "nowhere", nil), nil)

	m := d.GetMetrics()
	assert.Equal(t, uint64(10), m.Dispatched)
	assert.Equal(t, uint64(9), m.Completed)
	assert.Equal(t, uint64(1), m.Rejected)
	assert.Equal(t, "degraded", d.Health(context.Background()).Status)

	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, "unhealthy", d.Health(context.Background()).Status)
	_, err := d.Dispatch(context.Background(), routed(t, FrameFireAndForget, "status", nil), nil)
	assert.ErrorIs(t, err, ErrDispatcherClosed)
	assert.ErrorIs(t, d.Accept(context.Background(), nil), ErrDispatcherClosed)
}

func TestDispatcher_CloseCancelsRunningStreams(t *testing.T) {
	defer leaktest.Check(t)()

	d, err := NewDispatcherBuilder().Build()
	require.NoError(t, err)
	require.NoError(t, d.HandleRequestStream("forever", func(ctx context.Context, req *Request, sink *Sink) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	out := &recorder{}
	s, err := d.Dispatch(context.Background(), routed(t, FrameRequestStream, "forever", nil), out)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
	waitDone(t, s)
	assert.Zero(t, out.terminals())

	// Idempotent.
	assert.NoError(t, d.Close(context.Background()))
}

func TestDispatcher_MiddlewareOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex
	mark := func(name string) Middleware {
		return func(next Invoker) Invoker {
			return func(ctx context.Context, ex *Exchange) (any, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return next(ctx, ex)
			}
		}
	}
	d := newTestDispatcher(t, func(b *DispatcherBuilder) { b.WithMiddleware(mark("outer"), mark("inner")) })
	require.NoError(t, d.HandleRequestResponse("status", func(ctx context.Context, req *Request) (any, error) {
		mu.Lock()
		order = append(order, "handler")
		mu.Unlock()
		return nil, nil
	}))

	s, err := d.Dispatch(context.Background(), routed(t, FrameRequestResponse, "status", nil), nil)
	require.NoError(t, err)
	waitDone(t, s)
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestDispatcher_LoggerAndClockInContext(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.HandleRequestResponse("status", func(ctx context.Context, req *Request) (any, error) {
		_, okLogger := LoggerFromContext(ctx)
		_, okClock := ClockFromContext(ctx)
		return okLogger && okClock, nil
	}))

	out := &recorder{}
	s, err := d.Dispatch(context.Background(), routed(t, FrameRequestResponse, "status", nil), out)
	require.NoError(t, err)
	waitDone(t, s)
	next, _, _ := out.snapshot()
	require.Len(t, next, 1)
	assert.Equal(t, "true", string(next[0].Data))
}
