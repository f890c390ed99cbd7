package peripheral

import (
	"fmt"

	"github.com/chaz8081/bleperiph/internal/gatt"
)

// CentralID identifies a connected central. Its format is adapter-defined:
// a MAC address on BlueZ, a CoreBluetooth identifier UUID on macOS.
type CentralID string

// AnyCentral is used by adapters whose stack does not say which central a
// request or subscription came from.
const AnyCentral CentralID = "*"

// PowerState is the radio state reported by an adapter.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PowerResetting
	PowerUnsupported
	PowerUnauthorized
	PowerOff
	PowerOn
)

var powerStateNames = [...]string{
	PowerUnknown:      "unknown",
	PowerResetting:    "resetting",
	PowerUnsupported:  "unsupported",
	PowerUnauthorized: "unauthorized",
	PowerOff:          "powered off",
	PowerOn:           "powered on",
}

func (s PowerState) String() string {
	if s < 0 || int(s) >= len(powerStateNames) {
		return fmt.Sprintf("PowerState(%d)", int(s))
	}
	return powerStateNames[s]
}

// Request describes the attribute a central is acting on. Descriptor is nil
// unless the request targets a descriptor of Characteristic.
type Request struct {
	Central        CentralID
	Service        gatt.UUID
	Characteristic gatt.UUID
	Descriptor     *gatt.UUID
}

// Attribute returns the identifier of the attribute being accessed.
func (r Request) Attribute() gatt.UUID {
	if r.Descriptor != nil {
		return *r.Descriptor
	}
	return r.Characteristic
}

func (r Request) String() string {
	if r.Descriptor != nil {
		return fmt.Sprintf("%s -> %s/%s/%s", r.Central, r.Service.ShortString(),
			r.Characteristic.ShortString(), r.Descriptor.ShortString())
	}
	return fmt.Sprintf("%s -> %s/%s", r.Central, r.Service.ShortString(), r.Characteristic.ShortString())
}

// Event is one of PowerStateChanged, SubscriptionUpdate, ReadRequest or
// WriteRequest.
type Event interface {
	isEvent()
}

// PowerStateChanged reports a radio state transition.
type PowerStateChanged struct {
	State PowerState
}

// SubscriptionUpdate reports a central enabling or disabling notifications
// or indications on a characteristic.
type SubscriptionUpdate struct {
	Request    Request
	Subscribed bool
}

// ReadRequest asks the application for the value of an attribute starting
// at Offset. It must be answered through Responder.
type ReadRequest struct {
	Request   Request
	Offset    int
	Responder *Responder
}

// WriteRequest carries a value written by a central at Offset. Writes
// without response still carry a Responder; completing it is accepted and
// not sent anywhere.
type WriteRequest struct {
	Request         Request
	Offset          int
	Value           []byte
	WithoutResponse bool
	Responder       *Responder
}

func (PowerStateChanged) isEvent()  {}
func (SubscriptionUpdate) isEvent() {}
func (ReadRequest) isEvent()        {}
func (WriteRequest) isEvent()       {}

// IsPowered reports whether the event signals the radio being on.
func (e PowerStateChanged) IsPowered() bool {
	return e.State == PowerOn
}
