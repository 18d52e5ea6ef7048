package xrsocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var _ API = (*Dispatcher)(nil)
var _ HealthChecker = (*Dispatcher)(nil)

// Dispatcher routes inbound frames to registered handlers and writes their
// results back through the transport's Outbound.
type Dispatcher struct {
	routes   *RouteMatcher
	connects *RouteMatcher
	catchAll []*HandlerBinding
	regMu    sync.Mutex

	codecs    *CodecRegistry
	extractor *MetadataExtractor
	clock     xclock.Clock
	logger    *xlog.Logger

	middlewares      []Middleware
	dataMimeType     string
	metadataMimeType string
	inboundBuffer    int

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	baseCtx    context.Context
	cancelBase context.CancelFunc
	metrics    *dispatchMetrics
	frozen     atomic.Bool
	closed     atomic.Bool
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// dispatchMetrics uses lock-free atomics for telemetry.
type dispatchMetrics struct {
	dispatched      atomic.Uint64
	completed       atomic.Uint64
	rejected        atomic.Uint64
	failed          atomic.Uint64
	cancelled       atomic.Uint64
	emitted         atomic.Uint64
	metadataSkipped atomic.Uint64
	processingNs    atomic.Int64
}

// Codecs returns the registry payloads are decoded with.
func (d *Dispatcher) Codecs() *CodecRegistry { return d.codecs }

// Extractor returns the metadata extractor, for registering metadata types.
func (d *Dispatcher) Extractor() *MetadataExtractor { return d.extractor }

// Handle binds h to pattern for the interaction resolved from (in, out).
// h must be of the matching variant.
func (d *Dispatcher) Handle(pattern string, in, out Cardinality, h Handler) error {
	if err := d.checkRegistration(); err != nil {
		return err
	}
	b, err := NewBinding(in, out, h)
	if err != nil {
		return err
	}
	base := RecoveryMiddleware()(b.invoke)
	b.invoke = Chain(base, d.middlewares...)
	return d.routes.Register(pattern, b)
}

// HandleFireAndForget binds fn to pattern for requests that expect no response.
func (d *Dispatcher) HandleFireAndForget(pattern string, fn FireAndForgetFunc) error {
	return d.Handle(pattern, One, None, fn)
}

// HandleRequestResponse binds fn to pattern for requests answered by one value.
func (d *Dispatcher) HandleRequestResponse(pattern string, fn RequestResponseFunc) error {
	return d.Handle(pattern, One, One, fn)
}

// HandleRequestStream binds fn to pattern for requests answered by a stream.
func (d *Dispatcher) HandleRequestStream(pattern string, fn RequestStreamFunc) error {
	return d.Handle(pattern, One, Many, fn)
}

// HandleRequestChannel binds fn to pattern for bidirectional streams.
func (d *Dispatcher) HandleRequestChannel(pattern string, fn RequestChannelFunc) error {
	return d.Handle(pattern, Many, Many, fn)
}

// Connect binds fn to setup and metadata-push frames whose route matches
// pattern. The empty pattern matches every frame, routed or not.
func (d *Dispatcher) Connect(pattern string, fn ConnectFunc) error {
	if err := d.checkRegistration(); err != nil {
		return err
	}
	if fn == nil {
		return ErrNilHandler
	}
	b, err := NewBinding(One, None, FireAndForgetFunc(fn))
	if err != nil {
		return err
	}
	b.invoke = RecoveryMiddleware()(b.invoke)
	if pattern == "" {
		d.regMu.Lock()
		d.catchAll = append(d.catchAll, b)
		d.regMu.Unlock()
		return nil
	}
	return d.connects.Register(pattern, b)
}

func (d *Dispatcher) checkRegistration() error {
	if d.closed.Load() {
		return ErrDispatcherClosed
	}
	if d.frozen.Load() {
		return ErrRegistrationClosed
	}
	return nil
}

// Dispatch routes msg and starts its handler. Rejections are returned and,
// for interactions that expect a response, also written to out as an error
// frame. The returned stream runs until the handler returns, the peer
// cancels, ctx is done or the dispatcher is closed.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message, out Outbound) (*Stream, error) {
	if d.closed.Load() {
		return nil, ErrDispatcherClosed
	}
	if msg == nil {
		return nil, &StreamProtocolError{Reason: "nil message"}
	}
	requested, err := msg.Interaction()
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = discard{}
	}
	d.frozen.Store(true)
	d.metrics.dispatched.Add(1)
	start := d.clock.Now()

	md, err := d.extract(msg)
	if err != nil {
		return nil, d.reject(ctx, msg, requested, "", out, err)
	}
	route := routeOf(md, msg)

	b, vars, ok := d.routes.Match(route)
	if !ok {
		return nil, d.reject(ctx, msg, requested, route, out, &UnroutableMessageError{Route: route})
	}
	if !b.Interaction.serves(requested) {
		return nil, d.reject(ctx, msg, requested, route, out, &StreamProtocolError{
			StreamID:    msg.ID,
			Interaction: requested,
			Reason:      fmt.Sprintf("route %q is bound to a %s handler", route, b.Interaction),
		})
	}

	dataMime := msg.DataMimeType
	if dataMime == "" {
		dataMime = d.dataMimeType
	}
	var data []byte
	if msg.HasPayload() {
		data = msg.Data
	}
	decode, hasDecoder := d.codecs.DecoderFor(dataMime)
	if !hasDecoder && len(data) > 0 {
		return nil, d.reject(ctx, msg, requested, route, out, &PayloadDecodeError{MimeType: dataMime, Route: route})
	}
	encode, _ := d.codecs.EncoderFor(dataMime)

	req := &Request{
		ID:           msg.ID,
		Route:        route,
		Vars:         vars,
		Metadata:     md,
		DataMimeType: dataMime,
		Data:         data,
		Interaction:  requested,
		decode:       decode,
	}

	logger := d.logger.With(xlog.Str("route", route), xlog.Str("stream_id", msg.ID))
	sctx := injectRequest(InjectAll(d.baseCtx, logger, d.clock), req)
	s := newStream(sctx, msg.ID, route, requested, msg.InitialDemand)
	sink := &Sink{
		stream:   s,
		out:      out,
		encode:   encode,
		mimeType: dataMime,
		onEmit:   func() { d.metrics.emitted.Add(1) },
	}

	ex := &Exchange{Request: req, Interaction: b.Interaction}
	switch b.Interaction {
	case RequestStream:
		ex.Sink = sink
	case RequestChannel:
		ex.Sink = sink
		s.inbound = newInbound(d.inboundBuffer, decode, dataMime, route)
		if len(data) > 0 {
			// The first unit travels with the request frame; the buffer holds at least one.
			s.inbound.ch <- Payload{Data: data}
		}
		ex.Inbound = s.inbound
	}

	d.notifyAsync(Event{Type: DispatchStart, StreamID: msg.ID, Route: route, Interaction: requested, MimeType: dataMime})

	stop := context.AfterFunc(ctx, s.cancel)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer stop()
		defer s.cancel()

		result, err := b.invoke(s.ctx, ex)
		d.finish(s, sink, req, result, err, start)
	}()

	return s, nil
}

// finish writes the terminal frames of s once its handler has returned.
func (d *Dispatcher) finish(s *Stream, sink *Sink, req *Request, result any, herr error, start time.Time) {
	defer close(s.done)

	if herr == nil && result != nil && s.requested.Responds() {
		// Request/response values, and the single element of a request/stream
		// answered by a request/response handler.
		herr = sink.Next(s.ctx, result)
	}
	sink.close()

	duration := d.clock.Since(start)
	d.recordProcessingTime(duration.Nanoseconds())
	ctx := context.WithoutCancel(s.ctx)
	ev := Event{
		Type:        DispatchDone,
		StreamID:    s.id,
		Route:       req.Route,
		Interaction: s.requested,
		MimeType:    req.DataMimeType,
		Duration:    duration,
	}
	logger, ok := LoggerFromContext(s.ctx)
	if !ok {
		logger = d.logger
	}

	if v := s.violated(); v != nil {
		s.err = v
		d.metrics.failed.Add(1)
		if s.requested.Responds() {
			if err := sink.out.OnError(ctx, v); err != nil {
				logger.Warn().Err(err).Msg("xrsocket: error frame failed")
			}
		} else {
			logger.Warn().Err(v).Msg("xrsocket: protocol violation")
		}
		ev.Type, ev.Err = Error, v
		d.notifyAsync(ev)
		return
	}

	if s.peerCancel.Load() || s.ctx.Err() != nil {
		d.metrics.cancelled.Add(1)
		ev.Type = Cancelled
		d.notifyAsync(ev)
		return
	}

	if herr != nil {
		err := classify(req.Route, herr)
		s.err = err
		d.metrics.failed.Add(1)
		if s.requested.Responds() {
			if oerr := sink.out.OnError(ctx, err); oerr != nil {
				logger.Warn().Err(oerr).Msg("xrsocket: error frame failed")
			}
		} else {
			logger.Warn().Err(err).Msg("xrsocket: fire-and-forget handler failed")
		}
		ev.Err = err
		d.notifyAsync(ev)
		return
	}

	d.metrics.completed.Add(1)
	if s.requested.Responds() {
		if err := sink.out.OnComplete(ctx); err != nil {
			logger.Warn().Err(err).Msg("xrsocket: complete frame failed")
		}
	}
	d.notifyAsync(ev)
}

// classify keeps decode, handler and protocol errors as they are and wraps
// anything else in a HandlerError.
func classify(route string, err error) error {
	var (
		pde *PayloadDecodeError
		he  *HandlerError
		spe *StreamProtocolError
	)
	if errors.As(err, &pde) || errors.As(err, &he) || errors.As(err, &spe) {
		return err
	}
	return &HandlerError{Route: route, Err: err}
}

func (d *Dispatcher) reject(ctx context.Context, msg *Message, requested InteractionType, route string, out Outbound, err error) error {
	d.metrics.rejected.Add(1)
	if requested.Responds() {
		if oerr := out.OnError(context.WithoutCancel(ctx), err); oerr != nil {
			d.logger.Warn().Err(oerr).Msg("xrsocket: error frame failed")
		}
	} else {
		d.logger.With(xlog.Str("route", route), xlog.Str("stream_id", msg.ID)).
			Warn().Err(err).Msg("xrsocket: fire-and-forget rejected")
	}
	d.notifyAsync(Event{Type: Rejected, StreamID: msg.ID, Route: route, Interaction: requested, Err: err})
	return err
}

func (d *Dispatcher) extract(msg *Message) (Metadata, error) {
	mime := msg.MetadataMimeType
	if mime == "" {
		mime = d.metadataMimeType
	}
	return d.extractor.extract(msg.Metadata, mime, func(e *UnsupportedMetadataTypeError) {
		d.metrics.metadataSkipped.Add(1)
		d.notifyAsync(Event{Type: MetadataSkipped, StreamID: msg.ID, MimeType: e.MimeType, Err: e})
	})
}

// routeOf returns the extracted route, falling back to the message route.
func routeOf(md Metadata, msg *Message) string {
	if r, ok := md.Route(); ok {
		return r
	}
	if msg.Route != "" {
		md[RouteKey] = msg.Route
	}
	return msg.Route
}

// Accept runs the connect handlers for a setup frame. Unmatched routes and
// failing handlers refuse the connection with an error wrapping
// ErrConnectionRejected.
func (d *Dispatcher) Accept(ctx context.Context, setup *Message) error {
	if d.closed.Load() {
		return ErrDispatcherClosed
	}
	if setup == nil {
		setup = &Message{Kind: FrameSetup}
	}
	d.frozen.Store(true)

	route, err := d.connect(ctx, setup, true)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrConnectionRejected, err)
		d.metrics.rejected.Add(1)
		d.notifyAsync(Event{Type: ConnectionRejected, StreamID: setup.ID, Route: route, Err: err})
		return err
	}
	d.notifyAsync(Event{Type: ConnectionAccepted, StreamID: setup.ID, Route: route})
	return nil
}

// MetadataPush runs the connect handlers for a metadata-push frame. No frame
// is written back; errors are logged and returned to the transport.
func (d *Dispatcher) MetadataPush(ctx context.Context, msg *Message) error {
	if d.closed.Load() {
		return ErrDispatcherClosed
	}
	if msg == nil {
		return nil
	}
	d.frozen.Store(true)

	route, err := d.connect(ctx, msg, false)
	if err != nil {
		d.logger.With(xlog.Str("route", route)).Warn().Err(err).Msg("xrsocket: metadata push failed")
		d.notifyAsync(Event{Type: Error, StreamID: msg.ID, Route: route, Err: err})
	}
	return err
}

func (d *Dispatcher) connect(ctx context.Context, msg *Message, setup bool) (string, error) {
	md, err := d.extract(msg)
	if err != nil {
		return "", err
	}
	route := routeOf(md, msg)

	d.regMu.Lock()
	bindings := make([]*HandlerBinding, 0, len(d.catchAll)+1)
	bindings = append(bindings, d.catchAll...)
	d.regMu.Unlock()

	vars := RouteVars{}
	if route != "" {
		b, v, ok := d.connects.Match(route)
		switch {
		case ok:
			bindings = append(bindings, b)
			vars = v
		case len(bindings) == 0:
			return route, &UnroutableMessageError{Route: route, Setup: setup}
		}
	}
	if len(bindings) == 0 {
		return route, nil
	}

	dataMime := msg.DataMimeType
	if dataMime == "" {
		dataMime = d.dataMimeType
	}
	decode, _ := d.codecs.DecoderFor(dataMime)
	req := &Request{
		ID:           msg.ID,
		Route:        route,
		Vars:         vars,
		Metadata:     md,
		DataMimeType: dataMime,
		Data:         msg.Data,
		Interaction:  FireAndForget,
		decode:       decode,
	}
	cctx := injectRequest(InjectAll(ctx, d.logger, d.clock), req)
	for _, b := range bindings {
		if _, err := b.invoke(cctx, &Exchange{Request: req, Interaction: FireAndForget}); err != nil {
			return route, classify(route, err)
		}
	}
	return route, nil
}

// Serve runs t against this dispatcher until ctx is done or t stops.
func (d *Dispatcher) Serve(ctx context.Context, t Transport) error {
	if t == nil {
		return ErrNoTransportConfigured
	}
	if d.closed.Load() {
		return ErrDispatcherClosed
	}
	return t.Serve(ctx, d)
}

// GetMetrics returns current dispatcher metrics.
func (d *Dispatcher) GetMetrics() Metrics {
	m := Metrics{
		Dispatched:          d.metrics.dispatched.Load(),
		Completed:           d.metrics.completed.Load(),
		Rejected:            d.metrics.rejected.Load(),
		Failed:              d.metrics.failed.Load(),
		Cancelled:           d.metrics.cancelled.Load(),
		Emitted:             d.metrics.emitted.Load(),
		MetadataSkipped:     d.metrics.metadataSkipped.Load(),
		AvgProcessingTimeMs: float64(d.metrics.processingNs.Load()) / 1e6,
	}
	if d.observerPool != nil {
		m.EventsDropped = d.observerPool.Stats().Dropped
	}
	return m
}

// Health checks dispatcher health for Kubernetes probes.
func (d *Dispatcher) Health(ctx context.Context) HealthStatus {
	if d.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: d.clock.Now(),
			Message:   "dispatcher is closed",
		}
	}

	metrics := d.GetMetrics()
	status := "healthy"

	// Degraded if more than 5% of dispatches are rejected or fail.
	if bad := metrics.Rejected + metrics.Failed; bad > 0 && metrics.Dispatched > 0 {
		if float64(bad)/float64(metrics.Dispatched) > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: d.clock.Now(),
	}
}

// Close stops accepting frames and waits for running streams until ctx is
// done, at which point the remaining streams are cancelled. Idempotent.
func (d *Dispatcher) Close(ctx context.Context) error {
	var closeErr error

	d.closeOnce.Do(func() {
		d.closed.Store(true)

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			d.logger.Warn().Err(ctx.Err()).Msg("xrsocket: cancelling running streams")
			closeErr = ctx.Err()
		}
		d.cancelBase()

		if d.observerPool != nil {
			if err := d.observerPool.Close(5 * time.Second); err != nil {
				d.logger.Warn().Err(err).Msg("xrsocket: observer pool shutdown timeout")
				closeErr = err
			}
		}
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (d *Dispatcher) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	d.observersMu.Lock()
	d.observers = append(d.observers, obs)
	d.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (d *Dispatcher) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	d.observersMu.Lock()
	defer d.observersMu.Unlock()

	for i, o := range d.observers {
		if o == obs {
			d.observers = append(d.observers[:i], d.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync hands e to the observer pool without blocking.
func (d *Dispatcher) notifyAsync(e Event) {
	if d.observerPool == nil || d.closed.Load() {
		return
	}

	d.observersMu.RLock()
	if len(d.observers) == 0 {
		d.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(d.observers))
	copy(observers, d.observers)
	d.observersMu.RUnlock()

	d.observerPool.Notify(e, observers)
}

// recordProcessingTime keeps an exponential moving average of handler time.
func (d *Dispatcher) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := d.metrics.processingNs.Load()
	if current == 0 {
		d.metrics.processingNs.Store(ns)
		return
	}
	d.metrics.processingNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}

// discard is the Outbound used when a transport passes none.
type discard struct{}

func (discard) OnNext(context.Context, Payload) error { return nil }
func (discard) OnComplete(context.Context) error      { return nil }
func (discard) OnError(context.Context, error) error  { return nil }
