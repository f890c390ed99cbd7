// Package peripheral turns a platform BLE stack into a GATT peripheral with a
// single ordered event stream. Platform callbacks are translated into Event
// values on a bounded Dispatcher; reads and writes carry a Responder the
// application completes whenever it is ready.
package peripheral

import (
	"context"

	"github.com/chaz8081/bleperiph/internal/gatt"
)

// Callbacks is the inbound surface an Adapter drives. Each call produces
// exactly one event. Calls may come from any goroutine and may block while
// the event queue is full; adapters must not hold stack locks while calling.
type Callbacks interface {
	// PowerStateChanged reports a radio state transition.
	PowerStateChanged(state PowerState)
	// SubscriptionChanged reports a central subscribing or unsubscribing.
	SubscriptionChanged(req Request, subscribed bool)
	// ReadRequested reports a read. handle is passed back to CompleteRequest.
	ReadRequested(req Request, offset int, handle any)
	// WriteRequested reports a write. handle is passed back to
	// CompleteRequest unless withoutResponse is set.
	WriteRequested(req Request, offset int, value []byte, withoutResponse bool, handle any)
}

// Adapter abstracts a platform BLE stack in the peripheral role.
type Adapter interface {
	// Start begins delivering callbacks.
	Start(ctx context.Context, cb Callbacks) error
	// PowerState returns the current radio state without blocking.
	PowerState() PowerState
	// RegisterProfile publishes the complete GATT profile. It is called with
	// the full profile each time a service is added.
	RegisterProfile(ctx context.Context, profile gatt.Profile) error
	// StartAdvertising advertises name and service identifiers and returns
	// once the stack has confirmed.
	StartAdvertising(ctx context.Context, name string, services []gatt.UUID) error
	// StopAdvertising stops a running advertisement.
	StopAdvertising(ctx context.Context) error
	// Notify pushes value to each subscriber. The returned slice has one
	// entry per subscriber, nil on success.
	Notify(ctx context.Context, characteristic gatt.UUID, value []byte, subscribers []CentralID) []error
	// CompleteRequest answers the request identified by handle. It returns
	// ErrRequestExpired when the request can no longer be answered.
	CompleteRequest(handle any, resp Response) error
	// Close releases stack resources.
	Close() error
}

// StackNotifier is implemented by adapters whose stack tracks subscribers
// itself and can only notify all of them at once.
type StackNotifier interface {
	NotifySubscribers(ctx context.Context, characteristic gatt.UUID, value []byte) error
}
