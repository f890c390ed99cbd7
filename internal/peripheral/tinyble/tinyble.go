//go:build linux || windows

// Package tinyble implements peripheral.Adapter on top of
// tinygo.org/x/bluetooth. The stack answers reads from the stored
// characteristic value and acknowledges writes itself, so this adapter only
// reports writes and connections.
package tinyble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/bleperiph/internal/gatt"
	"github.com/chaz8081/bleperiph/internal/peripheral"
)

// radio is the part of *bluetooth.Adapter used here.
type radio interface {
	Enable() error
	AddService(s *bluetooth.Service) error
	SetConnectHandler(c func(device bluetooth.Device, connected bool))
}

// advertiser is the part of *bluetooth.Advertisement used here.
type advertiser interface {
	Configure(options bluetooth.AdvertisementOptions) error
	Start() error
	Stop() error
}

// Adapter wraps the default tinygo bluetooth adapter.
type Adapter struct {
	radio  radio
	adv    advertiser
	notify func(h *bluetooth.Characteristic, value []byte) error

	// mu protects the fields below.
	mu          sync.Mutex
	cb          peripheral.Callbacks
	power       peripheral.PowerState
	registered  map[gatt.UUID]bool
	handles     map[gatt.UUID]*bluetooth.Characteristic
	notifiable  []peripheral.Request
	connected   map[peripheral.CentralID]bool
	advertising bool
	closed      bool
}

// New returns an adapter for bluetooth.DefaultAdapter.
func New() *Adapter {
	return newAdapter(bluetooth.DefaultAdapter, bluetooth.DefaultAdapter.DefaultAdvertisement())
}

func newAdapter(r radio, adv advertiser) *Adapter {
	return &Adapter{
		radio: r,
		adv:   adv,
		notify: func(h *bluetooth.Characteristic, value []byte) error {
			_, err := h.Write(value)
			return err
		},
		power:      peripheral.PowerUnknown,
		registered: make(map[gatt.UUID]bool),
		handles:    make(map[gatt.UUID]*bluetooth.Characteristic),
		connected:  make(map[peripheral.CentralID]bool),
	}
}

// Start enables the radio. tinygo reports no further power changes, so a
// successful Enable is the only transition delivered.
func (a *Adapter) Start(ctx context.Context, cb peripheral.Callbacks) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.radio.Enable(); err != nil {
		return fmt.Errorf("tinyble: enable: %w", err)
	}

	a.mu.Lock()
	a.cb = cb
	a.power = peripheral.PowerOn
	a.mu.Unlock()

	a.radio.SetConnectHandler(a.connectionChanged)
	cb.PowerStateChanged(peripheral.PowerOn)
	return nil
}

// connectionChanged treats every connected central as subscribed to every
// notifying characteristic, since the stack handles CCCD writes internally.
func (a *Adapter) connectionChanged(device bluetooth.Device, connected bool) {
	id := peripheral.CentralID(device.Address.String())

	a.mu.Lock()
	if a.closed || a.cb == nil || a.connected[id] == connected {
		a.mu.Unlock()
		return
	}
	if connected {
		a.connected[id] = true
	} else {
		delete(a.connected, id)
	}
	cb := a.cb
	reqs := append([]peripheral.Request(nil), a.notifiable...)
	a.mu.Unlock()

	slog.Info("[tinyble] central connection changed", "central", id, "connected", connected)
	for _, req := range reqs {
		req.Central = id
		cb.SubscriptionChanged(req, connected)
	}
}

func (a *Adapter) PowerState() peripheral.PowerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.power
}

// RegisterProfile adds the services not yet known to the stack. tinygo has
// no way to remove a service, so earlier ones stay as they are.
func (a *Adapter) RegisterProfile(ctx context.Context, profile gatt.Profile) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return peripheral.ErrClosed
	}

	for _, svc := range profile.Services {
		if a.registered[svc.UUID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		bs, err := toService(svc, a.writeEvent)
		if err != nil {
			return err
		}
		if err := a.radio.AddService(bs); err != nil {
			return fmt.Errorf("tinyble: add service %s: %w", svc.UUID, err)
		}
		a.registered[svc.UUID] = true
		for i, c := range svc.Characteristics {
			if _, dup := a.handles[c.UUID]; !dup {
				a.handles[c.UUID] = bs.Characteristics[i].Handle
			}
			if c.Properties.CanNotify() {
				a.notifiable = append(a.notifiable, peripheral.Request{Service: svc.UUID, Characteristic: c.UUID})
			}
		}
	}
	return nil
}

// writeEvent returns the WriteEvent hook for one characteristic. The stack
// has already acknowledged the write, so it is reported without a handle.
func (a *Adapter) writeEvent(req peripheral.Request) func(client bluetooth.Connection, offset int, value []byte) {
	return func(client bluetooth.Connection, offset int, value []byte) {
		a.mu.Lock()
		cb := a.cb
		closed := a.closed
		a.mu.Unlock()
		if cb == nil || closed {
			return
		}
		req.Central = peripheral.CentralID(fmt.Sprintf("conn-%v", client))
		cb.WriteRequested(req, offset, value, true, nil)
	}
}

func toService(svc gatt.Service, hook func(peripheral.Request) func(bluetooth.Connection, int, []byte)) (*bluetooth.Service, error) {
	id, err := toUUID(svc.UUID)
	if err != nil {
		return nil, err
	}
	bs := &bluetooth.Service{UUID: id}
	for _, c := range svc.Characteristics {
		cid, err := toUUID(c.UUID)
		if err != nil {
			return nil, err
		}
		cfg := bluetooth.CharacteristicConfig{
			Handle: &bluetooth.Characteristic{},
			UUID:   cid,
			Value:  c.Value,
			Flags:  toFlags(c.Properties),
		}
		if c.Properties.Has(gatt.PropWrite) || c.Properties.Has(gatt.PropWriteWithoutResponse) {
			cfg.WriteEvent = hook(peripheral.Request{Service: svc.UUID, Characteristic: c.UUID})
		}
		bs.Characteristics = append(bs.Characteristics, cfg)
	}
	return bs, nil
}

func toUUID(u gatt.UUID) (bluetooth.UUID, error) {
	id, err := bluetooth.ParseUUID(u.String())
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("tinyble: uuid %s: %w", u, err)
	}
	return id, nil
}

func toFlags(p gatt.Properties) bluetooth.CharacteristicPermissions {
	var f bluetooth.CharacteristicPermissions
	if p.Has(gatt.PropBroadcast) {
		f |= bluetooth.CharacteristicBroadcastPermission
	}
	if p.Has(gatt.PropRead) {
		f |= bluetooth.CharacteristicReadPermission
	}
	if p.Has(gatt.PropWriteWithoutResponse) {
		f |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if p.Has(gatt.PropWrite) {
		f |= bluetooth.CharacteristicWritePermission
	}
	if p.Has(gatt.PropNotify) {
		f |= bluetooth.CharacteristicNotifyPermission
	}
	if p.Has(gatt.PropIndicate) {
		f |= bluetooth.CharacteristicIndicatePermission
	}
	return f
}

func (a *Adapter) StartAdvertising(ctx context.Context, name string, services []gatt.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ids := make([]bluetooth.UUID, 0, len(services))
	for _, s := range services {
		id, err := toUUID(s)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return peripheral.ErrClosed
	}
	if err := a.adv.Configure(bluetooth.AdvertisementOptions{LocalName: name, ServiceUUIDs: ids}); err != nil {
		return fmt.Errorf("tinyble: configure advertisement: %w", err)
	}
	if err := a.adv.Start(); err != nil {
		return fmt.Errorf("tinyble: start advertisement: %w", err)
	}
	a.advertising = true
	return nil
}

func (a *Adapter) StopAdvertising(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.advertising {
		return nil
	}
	if err := a.adv.Stop(); err != nil {
		return fmt.Errorf("tinyble: stop advertisement: %w", err)
	}
	a.advertising = false
	return nil
}

// NotifySubscribers writes the new value; the stack notifies every central
// that enabled notifications.
func (a *Adapter) NotifySubscribers(ctx context.Context, characteristic gatt.UUID, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	h, ok := a.handles[characteristic]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("tinyble: characteristic %s not registered", characteristic)
	}
	return a.notify(h, value)
}

func (a *Adapter) Notify(ctx context.Context, characteristic gatt.UUID, value []byte, subscribers []peripheral.CentralID) []error {
	err := a.NotifySubscribers(ctx, characteristic, value)
	errs := make([]error, len(subscribers))
	for i := range errs {
		errs[i] = err
	}
	return errs
}

// CompleteRequest always fails: every request this adapter reports was
// already answered by the stack.
func (a *Adapter) CompleteRequest(handle any, resp peripheral.Response) error {
	return peripheral.ErrRequestExpired
}

// Close stops advertising. The tinygo adapter itself cannot be disabled.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.advertising {
		a.advertising = false
		if err := a.adv.Stop(); err != nil {
			return fmt.Errorf("tinyble: stop advertisement: %w", err)
		}
	}
	return nil
}

var (
	_ peripheral.Adapter       = (*Adapter)(nil)
	_ peripheral.StackNotifier = (*Adapter)(nil)
)
