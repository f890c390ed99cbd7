package peripheral

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

func TestDispatcherFIFOPerProducer(t *testing.T) {
	d := NewDispatcher(2)
	const producers, perProducer = 4, 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				ev := WriteRequest{Request: Request{Central: CentralID(rune('a' + p))}, Offset: i}
				if err := d.Send(context.Background(), ev); err != nil {
					t.Errorf("Send() error = %v", err)
					return
				}
			}
		}(p)
	}
	go func() {
		wg.Wait()
		d.Close()
	}()

	next := map[CentralID]int{}
	total := 0
	for ev := range d.Events() {
		w := ev.(WriteRequest)
		if w.Offset != next[w.Request.Central] {
			t.Fatalf("producer %s: got %d, want %d", w.Request.Central, w.Offset, next[w.Request.Central])
		}
		next[w.Request.Central]++
		total++
	}
	if total != producers*perProducer {
		t.Errorf("received %d events, want %d", total, producers*perProducer)
	}
}

func TestDispatcherBackpressure(t *testing.T) {
	d := NewDispatcher(1)
	if err := d.Send(context.Background(), PowerStateChanged{State: PowerOn}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	sent := make(chan error, 1)
	go func() {
		sent <- d.Send(context.Background(), PowerStateChanged{State: PowerOff})
	}()

	select {
	case err := <-sent:
		t.Fatalf("Send() on full queue returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := d.Recv(context.Background()); err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	select {
	case err := <-sent:
		if err != nil {
			t.Fatalf("blocked Send() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Send() not released after Recv")
	}
}

func TestDispatcherSendContext(t *testing.T) {
	d := NewDispatcher(1)
	d.Send(context.Background(), PowerStateChanged{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.Send(ctx, PowerStateChanged{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send() error = %v, want DeadlineExceeded", err)
	}
}

func TestDispatcherCloseReleasesSenders(t *testing.T) {
	d := NewDispatcher(1)
	d.Send(context.Background(), PowerStateChanged{})

	sent := make(chan error, 1)
	go func() {
		sent <- d.Send(context.Background(), PowerStateChanged{})
	}()
	time.Sleep(10 * time.Millisecond)
	d.Close()
	d.Close()

	select {
	case err := <-sent:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Send() error = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close() did not release blocked sender")
	}

	if err := d.Send(context.Background(), PowerStateChanged{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after Close error = %v, want ErrClosed", err)
	}

	if _, err := d.Recv(context.Background()); err != nil {
		t.Errorf("Recv() of buffered event error = %v", err)
	}
	if _, err := d.Recv(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Recv() on drained closed dispatcher error = %v, want io.EOF", err)
	}
}

func TestDispatcherMinimumCapacity(t *testing.T) {
	d := NewDispatcher(0)
	if cap(d.ch) != 1 {
		t.Errorf("capacity = %d, want 1", cap(d.ch))
	}
}
