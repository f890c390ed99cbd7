// Package sim provides an in-memory peripheral.Adapter. It behaves like a
// real stack from the peripheral's point of view: reads and writes issued by
// simulated centrals block until the application answers, notifications
// land in per-central inboxes, and disconnecting a central expires its
// pending requests.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/chaz8081/bleperiph/internal/gatt"
	"github.com/chaz8081/bleperiph/internal/peripheral"
)

var (
	// ErrNotConnected is returned for operations by or towards an unknown central.
	ErrNotConnected = errors.New("sim: central not connected")
	// ErrUnknownAttribute is returned when a central addresses an attribute
	// that is not registered.
	ErrUnknownAttribute = errors.New("sim: unknown attribute")
	// ErrNotAdvertising is returned when a central connects to a peripheral
	// that is not advertising.
	ErrNotAdvertising = errors.New("sim: not advertising")
)

// Adapter is a simulated radio. The zero value is not usable; call New.
type Adapter struct {
	mu          sync.Mutex
	cb          peripheral.Callbacks
	power       peripheral.PowerState
	profile     gatt.Profile
	advertising bool
	advName     string
	advServices []gatt.UUID
	centrals    map[peripheral.CentralID]*central
	pending     map[uint64]*pendingRequest
	nextHandle  uint64
	closed      bool

	// FailNotify, when set, decides per central whether a notification fails.
	FailNotify func(peripheral.CentralID) error
}

type central struct {
	inbox chan Notification
	subs  map[gatt.UUID]peripheral.Request
}

type pendingRequest struct {
	central peripheral.CentralID
	reply   chan peripheral.Response
}

// Notification is a value pushed to a simulated central.
type Notification struct {
	Characteristic gatt.UUID
	Value          []byte
}

// New returns a simulated adapter in the given power state.
func New(power peripheral.PowerState) *Adapter {
	return &Adapter{
		power:    power,
		centrals: make(map[peripheral.CentralID]*central),
		pending:  make(map[uint64]*pendingRequest),
	}
}

func (a *Adapter) Start(ctx context.Context, cb peripheral.Callbacks) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cb != nil {
		return errors.New("sim: already started")
	}
	a.cb = cb
	return nil
}

func (a *Adapter) PowerState() peripheral.PowerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.power
}

func (a *Adapter) RegisterProfile(ctx context.Context, profile gatt.Profile) error {
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			if c.Properties == 0 {
				return fmt.Errorf("sim: characteristic %s has no properties", c.UUID)
			}
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.profile = profile
	slog.Debug("[Sim] profile registered", "services", len(profile.Services))
	return nil
}

func (a *Adapter) StartAdvertising(ctx context.Context, name string, services []gatt.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.power != peripheral.PowerOn {
		return errors.New("sim: radio is off")
	}
	a.advertising = true
	a.advName = name
	a.advServices = services
	return nil
}

func (a *Adapter) StopAdvertising(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advertising = false
	return nil
}

func (a *Adapter) Notify(ctx context.Context, characteristic gatt.UUID, value []byte, subscribers []peripheral.CentralID) []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	errs := make([]error, len(subscribers))
	for i, id := range subscribers {
		if a.FailNotify != nil {
			if err := a.FailNotify(id); err != nil {
				errs[i] = err
				continue
			}
		}
		c, ok := a.centrals[id]
		if !ok {
			errs[i] = fmt.Errorf("%w: %s", ErrNotConnected, id)
			continue
		}
		select {
		case c.inbox <- Notification{Characteristic: characteristic, Value: slices.Clone(value)}:
		case <-ctx.Done():
			errs[i] = ctx.Err()
		default:
			errs[i] = fmt.Errorf("sim: inbox of %s full", id)
		}
	}
	return errs
}

func (a *Adapter) CompleteRequest(handle any, resp peripheral.Response) error {
	h, ok := handle.(uint64)
	if !ok {
		return fmt.Errorf("sim: bad request handle %T", handle)
	}
	a.mu.Lock()
	req, ok := a.pending[h]
	delete(a.pending, h)
	a.mu.Unlock()
	if !ok {
		return peripheral.ErrRequestExpired
	}
	req.reply <- resp
	return nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.advertising = false
	for h, p := range a.pending {
		close(p.reply)
		delete(a.pending, h)
	}
	return nil
}

// SetPower toggles the simulated radio. Powering off disconnects everyone.
func (a *Adapter) SetPower(state peripheral.PowerState) {
	a.mu.Lock()
	if a.power == state {
		a.mu.Unlock()
		return
	}
	a.power = state
	if state != peripheral.PowerOn {
		a.advertising = false
		for id := range a.centrals {
			a.disconnectLocked(id)
		}
	}
	cb := a.cb
	a.mu.Unlock()

	if cb != nil {
		cb.PowerStateChanged(state)
	}
}

// Advertisement returns the current advertisement, if any.
func (a *Adapter) Advertisement() (name string, services []gatt.UUID, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.advName, slices.Clone(a.advServices), a.advertising
}

// Connect attaches a simulated central. inboxSize bounds undelivered
// notifications.
func (a *Adapter) Connect(id peripheral.CentralID, inboxSize int) (<-chan Notification, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.advertising {
		return nil, ErrNotAdvertising
	}
	if c, ok := a.centrals[id]; ok {
		return c.inbox, nil
	}
	c := &central{
		inbox: make(chan Notification, max(inboxSize, 1)),
		subs:  make(map[gatt.UUID]peripheral.Request),
	}
	a.centrals[id] = c
	slog.Debug("[Sim] central connected", "central", id)
	return c.inbox, nil
}

// Disconnect detaches a central, expires its pending requests and reports
// its subscriptions as ended.
func (a *Adapter) Disconnect(id peripheral.CentralID) {
	a.mu.Lock()
	subs := a.disconnectLocked(id)
	cb := a.cb
	a.mu.Unlock()

	if cb == nil {
		return
	}
	for _, req := range subs {
		cb.SubscriptionChanged(req, false)
	}
}

func (a *Adapter) disconnectLocked(id peripheral.CentralID) []peripheral.Request {
	c, ok := a.centrals[id]
	if !ok {
		return nil
	}
	delete(a.centrals, id)
	close(c.inbox)
	for h, p := range a.pending {
		if p.central == id {
			close(p.reply)
			delete(a.pending, h)
		}
	}
	slog.Debug("[Sim] central disconnected", "central", id)
	subs := make([]peripheral.Request, 0, len(c.subs))
	for _, req := range c.subs {
		subs = append(subs, req)
	}
	return subs
}

// resolve finds the service owning characteristic and checks desc exists.
func (a *Adapter) resolve(id peripheral.CentralID, characteristic gatt.UUID, desc *gatt.UUID) (peripheral.Request, peripheral.Callbacks, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.centrals[id]; !ok {
		return peripheral.Request{}, nil, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	svc, chr, ok := a.profile.Characteristic(characteristic)
	if !ok {
		return peripheral.Request{}, nil, fmt.Errorf("%w: %s", ErrUnknownAttribute, characteristic)
	}
	if desc != nil {
		if _, ok := chr.Descriptor(*desc); !ok {
			return peripheral.Request{}, nil, fmt.Errorf("%w: %s", ErrUnknownAttribute, *desc)
		}
	}
	return peripheral.Request{Central: id, Service: svc.UUID, Characteristic: chr.UUID, Descriptor: desc}, a.cb, nil
}

func (a *Adapter) track(id peripheral.CentralID) (uint64, chan peripheral.Response) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextHandle++
	p := &pendingRequest{central: id, reply: make(chan peripheral.Response, 1)}
	a.pending[a.nextHandle] = p
	return a.nextHandle, p.reply
}

func (a *Adapter) await(ctx context.Context, h uint64, reply chan peripheral.Response) (peripheral.Response, error) {
	select {
	case resp, ok := <-reply:
		if !ok {
			return peripheral.Response{}, ErrNotConnected
		}
		return resp, nil
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.pending, h)
		a.mu.Unlock()
		return peripheral.Response{}, ctx.Err()
	}
}

// Read issues a read from central id and waits for the application's answer.
// desc selects a descriptor of the characteristic.
func (a *Adapter) Read(ctx context.Context, id peripheral.CentralID, characteristic gatt.UUID, desc *gatt.UUID, offset int) (peripheral.Response, error) {
	req, cb, err := a.resolve(id, characteristic, desc)
	if err != nil {
		return peripheral.Response{}, err
	}
	h, reply := a.track(id)
	cb.ReadRequested(req, offset, h)
	return a.await(ctx, h, reply)
}

// Write issues a write request from central id and waits for the answer.
func (a *Adapter) Write(ctx context.Context, id peripheral.CentralID, characteristic gatt.UUID, desc *gatt.UUID, offset int, value []byte) (peripheral.Response, error) {
	req, cb, err := a.resolve(id, characteristic, desc)
	if err != nil {
		return peripheral.Response{}, err
	}
	h, reply := a.track(id)
	cb.WriteRequested(req, offset, value, false, h)
	return a.await(ctx, h, reply)
}

// WriteCommand issues a write without response.
func (a *Adapter) WriteCommand(id peripheral.CentralID, characteristic gatt.UUID, value []byte) error {
	req, cb, err := a.resolve(id, characteristic, nil)
	if err != nil {
		return err
	}
	cb.WriteRequested(req, 0, value, true, nil)
	return nil
}

// Subscribe enables or disables notifications from central id.
func (a *Adapter) Subscribe(id peripheral.CentralID, characteristic gatt.UUID, subscribed bool) error {
	req, cb, err := a.resolve(id, characteristic, nil)
	if err != nil {
		return err
	}
	a.mu.Lock()
	if c, ok := a.centrals[id]; ok {
		if subscribed {
			c.subs[characteristic] = req
		} else {
			delete(c.subs, characteristic)
		}
	}
	a.mu.Unlock()
	cb.SubscriptionChanged(req, subscribed)
	return nil
}

var _ peripheral.Adapter = (*Adapter)(nil)
