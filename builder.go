package xrsocket

import (
	"context"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// DispatcherBuilder constructs Dispatcher instances (Builder pattern).
type DispatcherBuilder struct {
	codecs    *CodecRegistry
	extractor *MetadataExtractor

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock

	dataMimeType     string
	metadataMimeType string
	inboundBuffer    int
	handlerTimeout   time.Duration

	poolWorkers int
	poolBuffer  int
}

// NewDispatcherBuilder returns a new builder with sensible defaults.
func NewDispatcherBuilder() *DispatcherBuilder {
	return &DispatcherBuilder{
		dataMimeType:     MimeJSON,
		metadataMimeType: MimeCompositeMetadata,
		inboundBuffer:    32,
		poolWorkers:      4,
		poolBuffer:       1000,
	}
}

// WithCodecs sets the codec registry shared by payload decoding and the
// default metadata extractor.
func (db *DispatcherBuilder) WithCodecs(r *CodecRegistry) *DispatcherBuilder {
	db.codecs = r
	return db
}

func (db *DispatcherBuilder) WithExtractor(e *MetadataExtractor) *DispatcherBuilder {
	db.extractor = e
	return db
}

func (db *DispatcherBuilder) WithMiddleware(mw ...Middleware) *DispatcherBuilder {
	if len(mw) == 0 {
		return db
	}
	db.middlewares = append(db.middlewares, mw...)
	return db
}

func (db *DispatcherBuilder) WithObserver(obs ...Observer) *DispatcherBuilder {
	for _, o := range obs {
		if o != nil {
			db.observers = append(db.observers, o)
		}
	}
	return db
}

// WithObserverPool sizes the async observer pool.
func (db *DispatcherBuilder) WithObserverPool(workers, bufferSize int) *DispatcherBuilder {
	if workers > 0 {
		db.poolWorkers = workers
	}
	if bufferSize > 0 {
		db.poolBuffer = bufferSize
	}
	return db
}

func (db *DispatcherBuilder) WithLogger(l *xlog.Logger) *DispatcherBuilder {
	db.logger = l
	return db
}

func (db *DispatcherBuilder) WithClock(c xclock.Clock) *DispatcherBuilder {
	db.clock = c
	return db
}

// WithDataMimeType sets the payload MIME type assumed when a message carries none.
func (db *DispatcherBuilder) WithDataMimeType(mime string) *DispatcherBuilder {
	if mime != "" {
		db.dataMimeType = mime
	}
	return db
}

// WithMetadataMimeType sets the metadata MIME type assumed when a message carries none.
func (db *DispatcherBuilder) WithMetadataMimeType(mime string) *DispatcherBuilder {
	if mime != "" {
		db.metadataMimeType = mime
	}
	return db
}

// WithInboundBuffer sets how many request-channel units are buffered per stream.
func (db *DispatcherBuilder) WithInboundBuffer(n int) *DispatcherBuilder {
	if n > 0 {
		db.inboundBuffer = n
	}
	return db
}

// WithHandlerTimeout bounds fire-and-forget and request/response handlers.
func (db *DispatcherBuilder) WithHandlerTimeout(d time.Duration) *DispatcherBuilder {
	if d > 0 {
		db.handlerTimeout = d
	}
	return db
}

func (db *DispatcherBuilder) Build() (*Dispatcher, error) {
	codecs := db.codecs
	if codecs == nil {
		codecs = NewCodecRegistry()
	}
	extractor := db.extractor
	if extractor == nil {
		extractor = NewMetadataExtractor(codecs)
	}

	clk := db.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := db.logger
	if lg == nil {
		lg = xlog.Default()
	}

	mws := make([]Middleware, 0, len(db.middlewares)+1)
	mws = append(mws, db.middlewares...)
	if db.handlerTimeout > 0 {
		mws = append(mws, TimeoutMiddleware(db.handlerTimeout))
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		routes:           NewRouteMatcher(),
		connects:         NewRouteMatcher(),
		codecs:           codecs,
		extractor:        extractor,
		clock:            clk,
		logger:           lg,
		middlewares:      mws,
		dataMimeType:     db.dataMimeType,
		metadataMimeType: db.metadataMimeType,
		inboundBuffer:    db.inboundBuffer,
		observerPool:     NewObserverPool(baseCtx, db.poolWorkers, db.poolBuffer),
		baseCtx:          baseCtx,
		cancelBase:       cancel,
		metrics:          &dispatchMetrics{},
	}

	// Attach logging observer first unless one was supplied.
	hasLoggingObserver := false
	for _, o := range db.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		d.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range db.observers {
		d.AddObserver(o)
	}

	return d, nil
}

// New constructs a Dispatcher via Builder and returns a close func for convenience.
func New(init func(b *DispatcherBuilder)) (*Dispatcher, func() error, error) {
	b := NewDispatcherBuilder()
	if init != nil {
		init(b)
	}
	d, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return d.Close(context.Background()) }
	return d, closeFn, nil
}
