package xrsocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ObserverPool delivers events to observers on a fixed set of workers so
// that slow observers never hold up a stream. When the buffer is full the
// event is dropped and counted.
type ObserverPool struct {
	mu     sync.RWMutex
	closed bool
	events chan *Event
	wg     sync.WaitGroup
	stop   func() bool

	workers   int
	dropped   atomic.Uint64
	processed atomic.Uint64
	panicked  atomic.Uint64
}

// NewObserverPool starts workers goroutines reading from a buffer of
// bufferSize events. The pool shuts down when ctx is done.
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}
	op := &ObserverPool{
		events:  make(chan *Event, bufferSize),
		workers: workers,
	}
	for range workers {
		op.wg.Go(op.work)
	}
	op.stop = context.AfterFunc(ctx, op.shutdown)
	return op
}

// Notify queues e for observers and reports whether it was queued.
func (op *ObserverPool) Notify(e Event, observers []Observer) bool {
	if len(observers) == 0 {
		return false
	}
	e.observers = observers

	op.mu.RLock()
	defer op.mu.RUnlock()
	if op.closed {
		return false
	}
	select {
	case op.events <- &e:
		return true
	default:
		op.dropped.Add(1)
		return false
	}
}

// work runs until the queue is closed and drained.
func (op *ObserverPool) work() {
	for e := range op.events {
		for _, obs := range e.observers {
			if obs != nil {
				op.deliver(obs, e)
			}
		}
		op.processed.Add(1)
	}
}

func (op *ObserverPool) deliver(obs Observer, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			op.panicked.Add(1)
		}
	}()
	obs.OnEvent(*e)
}

// shutdown refuses further events and lets the workers drain the queue.
func (op *ObserverPool) shutdown() {
	op.mu.Lock()
	defer op.mu.Unlock()
	if !op.closed {
		op.closed = true
		close(op.events)
	}
}

// Close shuts the pool down and waits up to timeout for queued events to
// be delivered. Idempotent.
func (op *ObserverPool) Close(timeout time.Duration) error {
	op.stop()
	op.shutdown()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		Panicked:     op.panicked.Load(),
		ActiveEvents: len(op.events),
		Workers:      op.workers,
		BufferSize:   cap(op.events),
	}
}
