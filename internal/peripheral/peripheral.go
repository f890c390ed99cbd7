package peripheral

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/chaz8081/bleperiph/internal/gatt"
)

// State is the peripheral's view of the radio.
type State int

const (
	StateUnknown State = iota
	StatePoweredOff
	StatePoweredOn
	StateAdvertising
)

func (s State) String() string {
	switch s {
	case StatePoweredOff:
		return "powered off"
	case StatePoweredOn:
		return "powered on"
	case StateAdvertising:
		return "advertising"
	}
	return "unknown"
}

// Options configures a Peripheral.
type Options struct {
	Capacity        int           // event queue size (default 16)
	ResponseTimeout time.Duration // auto-fail unanswered requests after this long; 0 disables
	Logger          *slog.Logger  // defaults to slog.Default()
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Capacity: 16,
	}
}

// Peripheral drives one Adapter. It owns the producer side of the event
// queue and caches power and advertising state as reported by the adapter.
type Peripheral struct {
	adapter Adapter
	opts    Options
	log     *slog.Logger
	events  *Dispatcher

	// opMu serialises registration and advertising calls into the adapter.
	opMu sync.Mutex

	// mu protects the fields below.
	mu          sync.RWMutex
	power       PowerState
	powerGen    uint64 // bumped on every reported power change
	advertising bool
	profile     gatt.Profile
	subscribers map[gatt.UUID]map[CentralID]struct{}
	closed      bool
}

// New creates a Peripheral on adapter and starts receiving its callbacks.
func New(ctx context.Context, adapter Adapter, opts Options) (*Peripheral, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultOptions().Capacity
	}
	if opts.ResponseTimeout < 0 {
		opts.ResponseTimeout = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Peripheral{
		adapter:     adapter,
		opts:        opts,
		log:         opts.Logger,
		events:      NewDispatcher(opts.Capacity),
		power:       adapter.PowerState(),
		subscribers: make(map[gatt.UUID]map[CentralID]struct{}),
	}
	if err := adapter.Start(ctx, callbacks{p}); err != nil {
		p.events.Close()
		return nil, fmt.Errorf("peripheral: start adapter: %w", err)
	}
	return p, nil
}

// State returns the cached state without touching the radio.
func (p *Peripheral) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stateLocked()
}

func (p *Peripheral) stateLocked() State {
	switch {
	case p.power == PowerOn && p.advertising:
		return StateAdvertising
	case p.power == PowerOn:
		return StatePoweredOn
	case p.power == PowerOff:
		return StatePoweredOff
	}
	return StateUnknown
}

// IsPowered reports whether the radio was last reported on.
func (p *Peripheral) IsPowered() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.power == PowerOn
}

// IsAdvertising reports whether an advertisement is running.
func (p *Peripheral) IsAdvertising() bool {
	return p.State() == StateAdvertising
}

// Profile returns a copy of the registered services.
func (p *Peripheral) Profile() gatt.Profile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.profile.Clone()
}

// Subscribers returns the centrals subscribed to a characteristic, sorted.
func (p *Peripheral) Subscribers(characteristic gatt.UUID) []CentralID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Sorted(maps.Keys(p.subscribers[characteristic]))
}

// Events returns the event stream. It is closed by Close.
func (p *Peripheral) Events() <-chan Event {
	return p.events.Events()
}

// Recv waits for the next event and returns io.EOF after Close.
func (p *Peripheral) Recv(ctx context.Context) (Event, error) {
	return p.events.Recv(ctx)
}

// AddService validates svc and registers it with the adapter. Either the
// whole service is added or, on error, nothing changes.
func (p *Peripheral) AddService(ctx context.Context, svc gatt.Service) error {
	if err := svc.Validate(); err != nil {
		return err
	}

	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.RLock()
	closed := p.closed
	next, err := p.profile.With(svc)
	p.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := p.adapter.RegisterProfile(ctx, next.Clone()); err != nil {
		return &RegistrationError{Service: svc.UUID, Err: err}
	}

	p.mu.Lock()
	p.profile = next
	p.mu.Unlock()

	p.log.Info("[BLE] service registered", "service", svc.UUID.ShortString(), "characteristics", len(svc.Characteristics))
	return nil
}

// StartAdvertising advertises name and the given service identifiers. It
// fails with ErrNotPoweredOn unless the radio is on.
func (p *Peripheral) StartAdvertising(ctx context.Context, name string, services []gatt.UUID) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.RLock()
	closed, state, gen := p.closed, p.stateLocked(), p.powerGen
	p.mu.RUnlock()
	switch {
	case closed:
		return ErrClosed
	case state == StateAdvertising:
		return ErrAlreadyAdvertising
	case state != StatePoweredOn:
		return ErrNotPoweredOn
	}

	if err := p.adapter.StartAdvertising(ctx, name, slices.Clone(services)); err != nil {
		return &AdvertiseError{Op: "start", Err: err}
	}

	p.mu.Lock()
	// A power change while the adapter call was in flight drops the
	// advertisement, even if the radio is back on now.
	p.advertising = p.power == PowerOn && p.powerGen == gen
	started := p.advertising
	p.mu.Unlock()
	if !started {
		p.log.Debug("[BLE] power changed while starting advertisement")
		return ErrNotPoweredOn
	}

	p.log.Info("[BLE] advertising", "name", name, "services", len(services))
	return nil
}

// StopAdvertising stops a running advertisement. It is a no-op when not
// advertising.
func (p *Peripheral) StopAdvertising(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.RLock()
	advertising := p.advertising
	p.mu.RUnlock()
	if !advertising {
		return nil
	}

	if err := p.adapter.StopAdvertising(ctx); err != nil {
		return &AdvertiseError{Op: "stop", Err: err}
	}

	p.mu.Lock()
	p.advertising = false
	p.mu.Unlock()

	p.log.Info("[BLE] advertising stopped")
	return nil
}

// UpdateCharacteristic notifies every subscribed central of a new value.
// With no subscribers it does nothing. Delivery continues past individual
// failures, which are returned together as a *DeliveryError.
func (p *Peripheral) UpdateCharacteristic(ctx context.Context, characteristic gatt.UUID, value []byte) error {
	p.mu.RLock()
	closed := p.closed
	_, _, known := p.profile.Characteristic(characteristic)
	subs := slices.Sorted(maps.Keys(p.subscribers[characteristic]))
	p.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownCharacteristic, characteristic)
	}
	if len(subs) == 0 {
		return nil
	}

	if sn, ok := p.adapter.(StackNotifier); ok {
		if err := sn.NotifySubscribers(ctx, characteristic, value); err != nil {
			return &DeliveryError{Characteristic: characteristic, Failures: map[CentralID]error{AnyCentral: err}}
		}
		return nil
	}

	errs := p.adapter.Notify(ctx, characteristic, value, subs)
	var failures map[CentralID]error
	for i, central := range subs {
		var err error
		switch {
		case i < len(errs):
			err = errs[i]
		case ctx.Err() != nil:
			err = ctx.Err()
		default:
			err = errNoResult
		}
		if err == nil {
			continue
		}
		if failures == nil {
			failures = make(map[CentralID]error)
		}
		failures[central] = err
		p.log.Warn("[BLE] notify failed", "characteristic", characteristic.ShortString(), "central", central, "error", err)
	}
	if failures != nil {
		return &DeliveryError{Characteristic: characteristic, Failures: failures}
	}
	return nil
}

// Close closes the event stream and the adapter. Events already queued can
// still be received; after that the stream reports end of stream.
func (p *Peripheral) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.events.Close()
	if err := p.adapter.Close(); err != nil {
		return fmt.Errorf("peripheral: close adapter: %w", err)
	}
	return nil
}

// complete routes a Responder's answer back to the adapter.
func (p *Peripheral) complete(handle any, resp Response) error {
	err := p.adapter.CompleteRequest(handle, resp)
	if err != nil {
		p.log.Debug("[BLE] complete request failed", "status", resp.Status, "error", err)
	}
	return err
}

func (p *Peripheral) newResponder(req Request, handle any, routed bool) *Responder {
	var route routeFunc
	if routed {
		route = p.complete
	}
	r := newResponder(req, handle, route)
	if routed && p.opts.ResponseTimeout > 0 {
		r.timer.Store(time.AfterFunc(p.opts.ResponseTimeout, func() {
			if err := r.Fail(StatusUnlikelyError); err == nil {
				p.log.Warn("[BLE] request not answered in time", "request", req.String(), "timeout", p.opts.ResponseTimeout)
			}
		}))
	}
	return r
}

// emit enqueues ev. If the queue is closed, r is failed so the central is
// not left waiting on a request nobody will see.
func (p *Peripheral) emit(ev Event, r *Responder) {
	if err := p.events.Send(context.Background(), ev); err != nil {
		p.log.Debug("[BLE] event dropped", "event", fmt.Sprintf("%T", ev), "error", err)
		if r != nil {
			_ = r.Fail(StatusUnlikelyError)
		}
	}
}

// callbacks is the Callbacks implementation handed to the adapter. Each
// method updates cached state first, then enqueues exactly one event.
type callbacks struct {
	p *Peripheral
}

func (c callbacks) PowerStateChanged(state PowerState) {
	p := c.p
	p.mu.Lock()
	if p.power != state {
		p.powerGen++
	}
	p.power = state
	if state != PowerOn {
		p.advertising = false
		clear(p.subscribers)
	}
	p.mu.Unlock()

	p.log.Info("[BLE] power state changed", "state", state)
	p.emit(PowerStateChanged{State: state}, nil)
}

func (c callbacks) SubscriptionChanged(req Request, subscribed bool) {
	p := c.p
	p.mu.Lock()
	subs := p.subscribers[req.Characteristic]
	if subscribed {
		if subs == nil {
			subs = make(map[CentralID]struct{})
			p.subscribers[req.Characteristic] = subs
		}
		subs[req.Central] = struct{}{}
	} else if subs != nil {
		delete(subs, req.Central)
		if len(subs) == 0 {
			delete(p.subscribers, req.Characteristic)
		}
	}
	p.mu.Unlock()

	p.log.Debug("[BLE] subscription changed", "request", req.String(), "subscribed", subscribed)
	p.emit(SubscriptionUpdate{Request: req, Subscribed: subscribed}, nil)
}

func (c callbacks) ReadRequested(req Request, offset int, handle any) {
	r := c.p.newResponder(req, handle, true)
	c.p.emit(ReadRequest{Request: req, Offset: offset, Responder: r}, r)
}

func (c callbacks) WriteRequested(req Request, offset int, value []byte, withoutResponse bool, handle any) {
	r := c.p.newResponder(req, handle, !withoutResponse)
	c.p.emit(WriteRequest{
		Request:         req,
		Offset:          offset,
		Value:           slices.Clone(value),
		WithoutResponse: withoutResponse,
		Responder:       r,
	}, r)
}
