package xrsocket

import (
	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits dispatcher events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("stream_id", e.StreamID),
		xlog.Str("route", e.Route),
	)
	if e.Interaction != 0 {
		ev = ev.With(xlog.Str("interaction", e.Interaction.String()))
	}
	if e.MimeType != "" {
		ev = ev.With(xlog.Str("mime_type", e.MimeType))
	}
	if e.Duration > 0 {
		ev = ev.With(xlog.Dur("duration", e.Duration))
	}
	switch {
	case e.Type == Error, e.Type == Rejected, e.Type == ConnectionRejected:
		ev.Warn().Err(e.Err).Msg("xrsocket event")
	case e.Err != nil:
		ev.Info().Err(e.Err).Msg("xrsocket event")
	default:
		ev.Debug().Msg("xrsocket event")
	}
}
