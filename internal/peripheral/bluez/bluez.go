// Package bluez implements peripheral.Adapter on Linux by exporting a GATT
// application and an LE advertisement to BlueZ over the D-Bus system bus.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/bleperiph/internal/gatt"
	"github.com/chaz8081/bleperiph/internal/peripheral"
)

const (
	bluezService     = "org.bluez"
	adapterIface     = "org.bluez.Adapter1"
	gattManagerIface = "org.bluez.GattManager1"
	advManagerIface  = "org.bluez.LEAdvertisingManager1"
)

// Options configures the BlueZ adapter.
type Options struct {
	AdapterID      string          // HCI adapter name (default "hci0")
	BasePath       dbus.ObjectPath // root of exported objects (default "/com/chaz8081/bleperiph")
	RequestTimeout time.Duration   // how long a read/write waits for the application (default 25s)
	CallTimeout    time.Duration   // bound on cleanup calls made from Close (default 5s)
}

// DefaultOptions returns sensible defaults. RequestTimeout stays below the
// 30 second ATT transaction timeout.
func DefaultOptions() Options {
	return Options{
		AdapterID:      "hci0",
		BasePath:       "/com/chaz8081/bleperiph",
		RequestTimeout: 25 * time.Second,
		CallTimeout:    5 * time.Second,
	}
}

// Adapter drives one BlueZ HCI adapter.
type Adapter struct {
	conn        *dbus.Conn
	ownsConn    bool
	opts        Options
	adapterPath dbus.ObjectPath
	power       atomic.Int32
	done        chan struct{}
	closeOnce   sync.Once

	// mu protects the fields below.
	mu         sync.Mutex
	h          *handler
	signals    chan *dbus.Signal
	app        *application
	generation int
	adv        *advertisement
}

// New connects to the system bus and returns an adapter for opts.AdapterID.
func New(opts Options) (*Adapter, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	a, err := NewWithConn(conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	a.ownsConn = true
	return a, nil
}

// NewWithConn uses an existing bus connection. The connection is not closed
// by Close.
func NewWithConn(conn *dbus.Conn, opts Options) (*Adapter, error) {
	def := DefaultOptions()
	if opts.AdapterID == "" {
		opts.AdapterID = def.AdapterID
	}
	if opts.BasePath == "" {
		opts.BasePath = def.BasePath
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = def.CallTimeout
	}
	if !opts.BasePath.IsValid() {
		return nil, fmt.Errorf("bluez: invalid base path %q", opts.BasePath)
	}

	a := &Adapter{
		conn:        conn,
		opts:        opts,
		adapterPath: dbus.ObjectPath("/org/bluez/" + opts.AdapterID),
		done:        make(chan struct{}),
	}
	a.power.Store(int32(peripheral.PowerUnknown))

	v, err := a.adapterObject().GetProperty(adapterIface + ".Powered")
	if err != nil {
		return nil, fmt.Errorf("bluez: adapter %s: %w", opts.AdapterID, err)
	}
	a.power.Store(int32(powerFromVariant(v)))
	return a, nil
}

func (a *Adapter) adapterObject() dbus.BusObject {
	return a.conn.Object(bluezService, a.adapterPath)
}

func powerFromVariant(v dbus.Variant) peripheral.PowerState {
	powered, ok := v.Value().(bool)
	switch {
	case !ok:
		return peripheral.PowerUnknown
	case powered:
		return peripheral.PowerOn
	}
	return peripheral.PowerOff
}

// Start subscribes to adapter property changes and begins serving requests.
func (a *Adapter) Start(ctx context.Context, cb peripheral.Callbacks) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.h != nil {
		return errors.New("bluez: already started")
	}

	err := a.conn.AddMatchSignalContext(ctx,
		dbus.WithMatchObjectPath(a.adapterPath),
		dbus.WithMatchInterface(propertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
	)
	if err != nil {
		return fmt.Errorf("bluez: watch adapter: %w", err)
	}

	a.h = &handler{cb: cb, timeout: a.opts.RequestTimeout, done: a.done}
	a.signals = make(chan *dbus.Signal, 16)
	a.conn.Signal(a.signals)
	go a.watchPower(a.signals, cb)
	return nil
}

// watchPower translates Adapter1.Powered changes into power callbacks until
// the adapter is closed or the bus drops the signal channel.
func (a *Adapter) watchPower(signals <-chan *dbus.Signal, cb peripheral.Callbacks) {
	for {
		var sig *dbus.Signal
		select {
		case <-a.done:
			return
		case s, ok := <-signals:
			if !ok {
				return
			}
			sig = s
		}
		state, ok := a.poweredChange(sig)
		if !ok {
			continue
		}
		if peripheral.PowerState(a.power.Swap(int32(state))) == state {
			continue
		}
		slog.Info("[BlueZ] adapter power changed", "adapter", a.opts.AdapterID, "state", state)
		cb.PowerStateChanged(state)
	}
}

func (a *Adapter) poweredChange(sig *dbus.Signal) (peripheral.PowerState, bool) {
	if sig == nil || sig.Path != a.adapterPath || sig.Name != propertiesIface+".PropertiesChanged" || len(sig.Body) < 2 {
		return 0, false
	}
	if iface, _ := sig.Body[0].(string); iface != adapterIface {
		return 0, false
	}
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	v, ok := changed["Powered"]
	if !ok {
		return 0, false
	}
	return powerFromVariant(v), true
}

func (a *Adapter) PowerState() peripheral.PowerState {
	return peripheral.PowerState(a.power.Load())
}

// RegisterProfile exports profile as a new GATT application and registers it
// in place of the previous one. If BlueZ rejects it, the previous
// application is registered again.
func (a *Adapter) RegisterProfile(ctx context.Context, profile gatt.Profile) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.h == nil {
		return errors.New("bluez: not started")
	}

	old := a.app
	if old != nil {
		if err := a.callGattManager(ctx, "UnregisterApplication", old.root); err != nil {
			slog.Warn("[BlueZ] unregister application", "path", old.root, "error", err)
		}
	}

	a.generation++
	root := dbus.ObjectPath(fmt.Sprintf("%s/app%d", a.opts.BasePath, a.generation))
	app := newApplication(root, profile, a.h)
	if err := app.export(a.conn); err != nil {
		app.unexport(a.conn)
		a.restore(ctx, old)
		return fmt.Errorf("bluez: export application: %w", err)
	}
	if err := a.callGattManager(ctx, "RegisterApplication", root, map[string]dbus.Variant{}); err != nil {
		app.unexport(a.conn)
		a.restore(ctx, old)
		return fmt.Errorf("bluez: register application: %w", err)
	}

	if old != nil {
		old.unexport(a.conn)
	}
	a.app = app
	slog.Info("[BlueZ] application registered", "path", root, "services", len(profile.Services))
	return nil
}

func (a *Adapter) restore(ctx context.Context, old *application) {
	if old == nil {
		return
	}
	if err := a.callGattManager(ctx, "RegisterApplication", old.root, map[string]dbus.Variant{}); err != nil {
		slog.Error("[BlueZ] failed to restore previous application", "path", old.root, "error", err)
	}
}

func (a *Adapter) callGattManager(ctx context.Context, method string, args ...any) error {
	return a.adapterObject().CallWithContext(ctx, gattManagerIface+"."+method, 0, args...).Err
}

func (a *Adapter) callAdvManager(ctx context.Context, method string, args ...any) error {
	return a.adapterObject().CallWithContext(ctx, advManagerIface+"."+method, 0, args...).Err
}

// StartAdvertising exports an LE advertisement and registers it. BlueZ
// replies once the controller has accepted it.
func (a *Adapter) StartAdvertising(ctx context.Context, name string, services []gatt.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.adv != nil {
		a.dropAdvertisement(ctx)
	}
	adv := &advertisement{
		path:     a.opts.BasePath + "/advertisement0",
		name:     name,
		services: services,
	}
	if err := adv.export(a.conn); err != nil {
		adv.unexport(a.conn)
		return fmt.Errorf("bluez: export advertisement: %w", err)
	}
	if err := a.callAdvManager(ctx, "RegisterAdvertisement", adv.path, map[string]dbus.Variant{}); err != nil {
		adv.unexport(a.conn)
		return fmt.Errorf("bluez: register advertisement: %w", err)
	}
	a.adv = adv
	return nil
}

func (a *Adapter) StopAdvertising(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.adv == nil {
		return nil
	}
	adv := a.adv
	if err := a.callAdvManager(ctx, "UnregisterAdvertisement", adv.path); err != nil {
		return fmt.Errorf("bluez: unregister advertisement: %w", err)
	}
	adv.unexport(a.conn)
	a.adv = nil
	return nil
}

// dropAdvertisement unregisters and unexports the current advertisement,
// ignoring errors. Caller must hold mu.
func (a *Adapter) dropAdvertisement(ctx context.Context) {
	if err := a.callAdvManager(ctx, "UnregisterAdvertisement", a.adv.path); err != nil {
		slog.Debug("[BlueZ] unregister stale advertisement", "error", err)
	}
	a.adv.unexport(a.conn)
	a.adv = nil
}

// NotifySubscribers updates the characteristic's Value, which BlueZ sends to
// every central that enabled notifications or indications.
func (a *Adapter) NotifySubscribers(ctx context.Context, characteristic gatt.UUID, value []byte) error {
	a.mu.Lock()
	app := a.app
	a.mu.Unlock()
	if app == nil {
		return errors.New("bluez: no application registered")
	}
	c, ok := app.chars[characteristic]
	if !ok {
		return fmt.Errorf("bluez: characteristic %s not registered", characteristic)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.notifying.Load() {
		return nil
	}
	if err := c.notify(value); err != nil {
		return fmt.Errorf("bluez: notify %s: %w", characteristic.ShortString(), err)
	}
	return nil
}

// Notify sends one notification through BlueZ and reports its outcome for
// every subscriber, since BlueZ does not address centrals individually.
func (a *Adapter) Notify(ctx context.Context, characteristic gatt.UUID, value []byte, subscribers []peripheral.CentralID) []error {
	err := a.NotifySubscribers(ctx, characteristic, value)
	errs := make([]error, len(subscribers))
	for i := range errs {
		errs[i] = err
	}
	return errs
}

func (a *Adapter) CompleteRequest(handle any, resp peripheral.Response) error {
	r, ok := handle.(*pendingRequest)
	if !ok || r == nil {
		return fmt.Errorf("bluez: bad request handle %T", handle)
	}
	return r.complete(resp)
}

// Close releases pending requests, unregisters everything from BlueZ and,
// if the adapter opened it, closes the bus connection.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.done)

		ctx, cancel := context.WithTimeout(context.Background(), a.opts.CallTimeout)
		defer cancel()

		a.mu.Lock()
		if a.adv != nil {
			a.dropAdvertisement(ctx)
		}
		if a.app != nil {
			if uerr := a.callGattManager(ctx, "UnregisterApplication", a.app.root); uerr != nil {
				slog.Debug("[BlueZ] unregister application", "error", uerr)
			}
			a.app.unexport(a.conn)
			a.app = nil
		}
		if a.signals != nil {
			a.conn.RemoveSignal(a.signals)
			a.conn.RemoveMatchSignal(
				dbus.WithMatchObjectPath(a.adapterPath),
				dbus.WithMatchInterface(propertiesIface),
				dbus.WithMatchMember("PropertiesChanged"),
			)
			a.signals = nil
		}
		a.mu.Unlock()

		if a.ownsConn {
			err = a.conn.Close()
		}
	})
	return err
}

var (
	_ peripheral.Adapter       = (*Adapter)(nil)
	_ peripheral.StackNotifier = (*Adapter)(nil)
)
