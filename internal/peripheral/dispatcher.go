package peripheral

import (
	"context"
	"io"
	"sync"
)

// Dispatcher is a bounded FIFO event queue with many producers and a single
// consumer. Send blocks while the queue is full instead of dropping events,
// so a single producer's events are always observed in the order sent.
type Dispatcher struct {
	ch   chan Event
	done chan struct{}

	// mu orders Close after every in-flight Send.
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewDispatcher creates a dispatcher holding up to capacity undelivered
// events. Capacities below 1 are raised to 1.
func NewDispatcher(capacity int) *Dispatcher {
	if capacity < 1 {
		capacity = 1
	}
	return &Dispatcher{
		ch:   make(chan Event, capacity),
		done: make(chan struct{}),
	}
}

// Send enqueues ev, blocking while the queue is full. It returns ErrClosed
// once the dispatcher is closed and ctx.Err() if ctx ends first.
func (d *Dispatcher) Send(ctx context.Context, ev Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.ch <- ev:
		return nil
	case <-d.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the receive side. The channel is closed after Close once
// the remaining buffered events have been drained.
func (d *Dispatcher) Events() <-chan Event {
	return d.ch
}

// Recv waits for the next event. It returns io.EOF when the dispatcher is
// closed and empty.
func (d *Dispatcher) Recv(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-d.ch:
		if !ok {
			return nil, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of buffered events.
func (d *Dispatcher) Len() int {
	return len(d.ch)
}

// Close stops accepting events and releases blocked senders. Events already
// queued remain receivable. Close is idempotent.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.done)
		d.mu.Lock()
		d.closed = true
		close(d.ch)
		d.mu.Unlock()
	})
}
