package xrsocket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type radar struct {
	ID   string  `json:"id"`
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

// recorder is an Outbound that keeps every frame it is given.
type recorder struct {
	mu        sync.Mutex
	next      []Payload
	completed int
	errs      []error
}

func (r *recorder) OnNext(_ context.Context, p Payload) error {
	r.mu.Lock()
	r.next = append(r.next, p)
	r.mu.Unlock()
	return nil
}

func (r *recorder) OnComplete(context.Context) error {
	r.mu.Lock()
	r.completed++
	r.mu.Unlock()
	return nil
}

func (r *recorder) OnError(_ context.Context, err error) error {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() (next []Payload, completed int, errs []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Payload(nil), r.next...), r.completed, append([]error(nil), r.errs...)
}

func (r *recorder) terminals() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed + len(r.errs)
}

// routed builds a request frame whose route travels as composite metadata.
func routed(t testing.TB, kind FrameKind, route string, data []byte, extra ...MetadataEntry) *Message {
	t.Helper()
	re, err := RouteEntry(route)
	require.NoError(t, err)
	md, err := ComposeMetadata(append([]MetadataEntry{re}, extra...)...)
	require.NoError(t, err)
	msg := &Message{
		ID:               "s-1",
		Kind:             kind,
		MetadataMimeType: MimeCompositeMetadata,
		Metadata:         md,
		DataMimeType:     MimeJSON,
		Data:             data,
	}
	if len(data) > 0 {
		msg.Cardinality = One
	}
	if kind == FrameRequestChannel {
		msg.Cardinality = Many
	}
	return msg
}

func newTestDispatcher(t testing.TB, configure ...func(*DispatcherBuilder)) *Dispatcher {
	t.Helper()
	b := NewDispatcherBuilder()
	for _, c := range configure {
		c(b)
	}
	d, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func waitDone(t testing.TB, s *Stream) {
	t.Helper()
	require.Eventually(t, func() bool {
		select {
		case <-s.Done():
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}
