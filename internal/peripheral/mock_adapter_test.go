package peripheral

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/chaz8081/bleperiph/internal/gatt"
)

// completion records one CompleteRequest call.
type completion struct {
	handle any
	resp   Response
}

// notification records one Notify call.
type notification struct {
	characteristic gatt.UUID
	value          []byte
	subscribers    []CentralID
}

// mockAdapter is an in-memory Adapter. Simulate* methods play the part of
// the platform stack calling back into the peripheral.
type mockAdapter struct {
	mu sync.Mutex
	cb Callbacks

	power         PowerState
	profiles      []gatt.Profile
	advertising   bool
	advName       string
	advServices   []gatt.UUID
	notifications []notification
	completions   []completion
	closed        bool

	registerErr  error
	advertiseErr error
	// afterAdvertise runs once the advertisement has started, outside the
	// lock, before StartAdvertising returns.
	afterAdvertise func()
	notifyErrs   map[CentralID]error
	completeErr  error
}

func newMockAdapter(power PowerState) *mockAdapter {
	return &mockAdapter{power: power}
}

func (a *mockAdapter) Start(ctx context.Context, cb Callbacks) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cb = cb
	return nil
}

func (a *mockAdapter) PowerState() PowerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.power
}

func (a *mockAdapter) RegisterProfile(ctx context.Context, profile gatt.Profile) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.registerErr != nil {
		return a.registerErr
	}
	a.profiles = append(a.profiles, profile)
	return nil
}

func (a *mockAdapter) StartAdvertising(ctx context.Context, name string, services []gatt.UUID) error {
	a.mu.Lock()
	if a.advertiseErr != nil {
		a.mu.Unlock()
		return a.advertiseErr
	}
	a.advertising = true
	a.advName = name
	a.advServices = services
	hook := a.afterAdvertise
	a.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (a *mockAdapter) StopAdvertising(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advertising = false
	return nil
}

func (a *mockAdapter) Notify(ctx context.Context, characteristic gatt.UUID, value []byte, subscribers []CentralID) []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	errs := make([]error, len(subscribers))
	var delivered []CentralID
	for i, s := range subscribers {
		if err := a.notifyErrs[s]; err != nil {
			errs[i] = err
			continue
		}
		delivered = append(delivered, s)
	}
	a.notifications = append(a.notifications, notification{characteristic, value, delivered})
	return errs
}

func (a *mockAdapter) CompleteRequest(handle any, resp Response) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completions = append(a.completions, completion{handle, resp})
	return a.completeErr
}

func (a *mockAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *mockAdapter) callbacks() Callbacks {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cb
}

// SimulatePower reports a radio state change. Powering off drops the
// advertisement as a real stack does.
func (a *mockAdapter) SimulatePower(state PowerState) {
	a.mu.Lock()
	a.power = state
	if state != PowerOn {
		a.advertising = false
	}
	a.mu.Unlock()
	a.callbacks().PowerStateChanged(state)
}

// SimulateSubscribe reports a central subscribing or unsubscribing.
func (a *mockAdapter) SimulateSubscribe(central CentralID, svc, chr gatt.UUID, subscribed bool) {
	a.callbacks().SubscriptionChanged(Request{Central: central, Service: svc, Characteristic: chr}, subscribed)
}

// SimulateRead reports a read request.
func (a *mockAdapter) SimulateRead(central CentralID, svc, chr gatt.UUID, offset int, handle any) {
	a.callbacks().ReadRequested(Request{Central: central, Service: svc, Characteristic: chr}, offset, handle)
}

// SimulateWrite reports a write request.
func (a *mockAdapter) SimulateWrite(central CentralID, svc, chr gatt.UUID, value []byte, handle any) {
	a.callbacks().WriteRequested(Request{Central: central, Service: svc, Characteristic: chr}, 0, value, false, handle)
}

func (a *mockAdapter) Completions() []completion {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]completion(nil), a.completions...)
}

func (a *mockAdapter) Notifications() []notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]notification(nil), a.notifications...)
}

func (a *mockAdapter) RegisterCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.profiles)
}

func (a *mockAdapter) Advertising() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.advertising
}

// shortNotifyAdapter answers Notify with no per-central results.
type shortNotifyAdapter struct{ *mockAdapter }

func (shortNotifyAdapter) Notify(context.Context, gatt.UUID, []byte, []CentralID) []error {
	return nil
}

// stackNotifierAdapter notifies through the stack rather than per central.
type stackNotifierAdapter struct {
	*mockAdapter
	calls int
	err   error
}

func (a *stackNotifierAdapter) NotifySubscribers(ctx context.Context, characteristic gatt.UUID, value []byte) error {
	a.calls++
	return a.err
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = newMockAdapter(PowerOff)
	var _ StackNotifier = &stackNotifierAdapter{mockAdapter: newMockAdapter(PowerOff)}
}

var errBoom = errors.New("boom")
