package xrsocket

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is matching against the typed errors below.
var (
	ErrUnroutableMessage       = errors.New("xrsocket: unroutable message")
	ErrUnsupportedMetadataType = errors.New("xrsocket: unsupported metadata type")
	ErrPayloadDecode           = errors.New("xrsocket: payload decode failure")
	ErrHandlerFailure          = errors.New("xrsocket: handler failure")
	ErrStreamProtocol          = errors.New("xrsocket: stream protocol violation")
)

var (
	ErrDispatcherClosed            = errors.New("xrsocket: dispatcher closed")
	ErrRegistrationClosed          = errors.New("xrsocket: registration closed after first dispatch")
	ErrInvalidPattern              = errors.New("xrsocket: invalid route pattern")
	ErrNilHandler                  = errors.New("xrsocket: handler must not be nil")
	ErrStreamCancelled             = errors.New("xrsocket: stream cancelled")
	ErrStreamClosed                = errors.New("xrsocket: stream closed for sending")
	ErrConnectionRejected          = errors.New("xrsocket: connection rejected")
	ErrNoTransportConfigured       = errors.New("xrsocket: no transport configured")
	ErrObserverPoolShutdownTimeout = errors.New("xrsocket: observer pool shutdown timeout")
	ErrHandlerPanic                = errors.New("xrsocket: handler panic")
	ErrInteractionMismatch         = errors.New("xrsocket: handler does not match interaction")

	errNoEncoder = errors.New("no encoder registered")
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

// UnroutableMessageError reports a route that matched no pattern.
type UnroutableMessageError struct {
	Route string
	// Setup is set when the message was a connection setup.
	Setup bool
}

func (e *UnroutableMessageError) Error() string {
	if e.Setup {
		return fmt.Sprintf("xrsocket: no connect handler for route %q", e.Route)
	}
	return fmt.Sprintf("xrsocket: no handler for route %q", e.Route)
}

func (e *UnroutableMessageError) Is(target error) bool { return target == ErrUnroutableMessage }

// UnsupportedMetadataTypeError reports a metadata entry that was skipped.
type UnsupportedMetadataTypeError struct {
	MimeType string
	// Err is set when a decoder existed but failed.
	Err error
}

func (e *UnsupportedMetadataTypeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("xrsocket: metadata %q skipped: %v", e.MimeType, e.Err)
	}
	return fmt.Sprintf("xrsocket: no metadata decoder for %q", e.MimeType)
}

func (e *UnsupportedMetadataTypeError) Is(target error) bool {
	return target == ErrUnsupportedMetadataType
}

func (e *UnsupportedMetadataTypeError) Unwrap() error { return e.Err }

// PayloadDecodeError reports a payload (or metadata buffer) that could not
// be decoded.
type PayloadDecodeError struct {
	MimeType string
	Route    string
	Err      error
}

func (e *PayloadDecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("xrsocket: no decoder for %q (route %q)", e.MimeType, e.Route)
	}
	return fmt.Sprintf("xrsocket: decode %q (route %q): %v", e.MimeType, e.Route, e.Err)
}

func (e *PayloadDecodeError) Is(target error) bool { return target == ErrPayloadDecode }

func (e *PayloadDecodeError) Unwrap() error { return e.Err }

// HandlerError wraps an error returned (or a panic raised) by a handler.
type HandlerError struct {
	Route string
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("xrsocket: handler for %q: %v", e.Route, e.Err)
}

func (e *HandlerError) Is(target error) bool { return target == ErrHandlerFailure }

func (e *HandlerError) Unwrap() error { return e.Err }

// StreamProtocolError reports a signal that violates the semantics of the
// stream's interaction. It is fatal to that stream only.
type StreamProtocolError struct {
	StreamID    string
	Interaction InteractionType
	Reason      string
}

func (e *StreamProtocolError) Error() string {
	return fmt.Sprintf("xrsocket: stream %q (%s): %s", e.StreamID, e.Interaction, e.Reason)
}

func (e *StreamProtocolError) Is(target error) bool { return target == ErrStreamProtocol }

// Error codes carried across transports that cannot ship Go error values.
const (
	CodeUnroutable  = "UNROUTABLE"
	CodeDecode      = "DECODE"
	CodeHandler     = "HANDLER"
	CodeProtocol    = "PROTOCOL"
	CodeRejected    = "REJECTED"
	CodeApplication = "APPLICATION"
)

var codeSentinels = map[string]error{
	CodeUnroutable: ErrUnroutableMessage,
	CodeDecode:     ErrPayloadDecode,
	CodeHandler:    ErrHandlerFailure,
	CodeProtocol:   ErrStreamProtocol,
	CodeRejected:   ErrConnectionRejected,
}

// ErrorCode classifies err for the wire.
func ErrorCode(err error) string {
	var remote *RemoteError
	switch {
	case errors.As(err, &remote):
		return remote.Code
	case errors.Is(err, ErrConnectionRejected):
		return CodeRejected
	case errors.Is(err, ErrUnroutableMessage):
		return CodeUnroutable
	case errors.Is(err, ErrPayloadDecode):
		return CodeDecode
	case errors.Is(err, ErrStreamProtocol):
		return CodeProtocol
	case errors.Is(err, ErrHandlerFailure):
		return CodeHandler
	default:
		return CodeApplication
	}
}

// RemoteError is an error frame received from the peer.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	s, ok := codeSentinels[e.Code]
	return ok && s == target
}
