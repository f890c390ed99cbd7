package peripheral

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/chaz8081/bleperiph/internal/gatt"
)

var (
	// ErrNotPoweredOn is returned by operations that need the radio on.
	ErrNotPoweredOn = errors.New("peripheral: not powered on")
	// ErrAlreadyAdvertising is returned by StartAdvertising while an
	// advertisement is already running.
	ErrAlreadyAdvertising = errors.New("peripheral: already advertising")
	// ErrUnknownCharacteristic is returned when an identifier does not name a
	// registered characteristic.
	ErrUnknownCharacteristic = errors.New("peripheral: unknown characteristic")
	// ErrRequestExpired is returned by an adapter when the request a
	// Responder answers can no longer be completed, typically because the
	// central disconnected or the stack timed the request out.
	ErrRequestExpired = errors.New("peripheral: request expired")
	// ErrAlreadyCompleted is returned by a Responder that has already been
	// completed.
	ErrAlreadyCompleted = errors.New("peripheral: responder already completed")
	// ErrClosed is returned after the peripheral or its event channel has
	// been closed.
	ErrClosed = errors.New("peripheral: closed")

	errNoResult = errors.New("peripheral: no result from adapter")
)

// RegistrationError reports that the adapter rejected a service.
type RegistrationError struct {
	Service gatt.UUID
	Err     error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("peripheral: register service %s: %v", e.Service, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// AdvertiseError reports that the adapter failed to start or stop
// advertising.
type AdvertiseError struct {
	Op  string
	Err error
}

func (e *AdvertiseError) Error() string {
	return fmt.Sprintf("peripheral: %s advertising: %v", e.Op, e.Err)
}

func (e *AdvertiseError) Unwrap() error { return e.Err }

// DeliveryError lists the centrals a notification could not be delivered
// to. Centrals not listed received it.
type DeliveryError struct {
	Characteristic gatt.UUID
	Failures       map[CentralID]error
}

func (e *DeliveryError) Error() string {
	ids := slices.Sorted(maps.Keys(e.Failures))
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%s: %v", id, e.Failures[id])
	}
	return fmt.Sprintf("peripheral: notify %s failed for %d central(s): %s",
		e.Characteristic, len(ids), strings.Join(parts, "; "))
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *DeliveryError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}
