package peripheral

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/chaz8081/bleperiph/internal/gatt"
)

func TestResponderConcurrentCompletion(t *testing.T) {
	var routed atomic.Int32
	r := newResponder(Request{}, nil, func(any, Response) error {
		routed.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Reply([]byte("x")); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrAlreadyCompleted) {
				t.Errorf("Reply() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 || routed.Load() != 1 {
		t.Errorf("completions = %d, routed = %d, want 1 each", wins.Load(), routed.Load())
	}
}

func TestResponderRequest(t *testing.T) {
	desc := gatt.UUID16(0x2A13)
	req := Request{Central: "c", Service: gatt.UUID16(1), Characteristic: gatt.UUID16(2), Descriptor: &desc}
	r := newResponder(req, nil, nil)
	if got := r.Request().Attribute(); got != desc {
		t.Errorf("Attribute() = %s, want %s", got, desc)
	}
	if err := r.Fail(StatusRequestNotSupported); err != nil {
		t.Errorf("Fail() on unrouted responder error = %v", err)
	}
}

func TestStatusString(t *testing.T) {
	if got := StatusInvalidOffset.String(); got != "invalid offset" {
		t.Errorf("String() = %q", got)
	}
	if got := Status(99).String(); got != "Status(99)" {
		t.Errorf("String() = %q", got)
	}
	if got := PowerOn.String(); got != "powered on" {
		t.Errorf("PowerOn.String() = %q", got)
	}
}
