//go:build darwin

// Package corebluetooth implements peripheral.Adapter on macOS with a
// CBPeripheralManager, through github.com/tinygo-org/cbgo.
package corebluetooth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinygo-org/cbgo"

	"github.com/chaz8081/bleperiph/internal/gatt"
	"github.com/chaz8081/bleperiph/internal/peripheral"
)

// DefaultWait bounds how long registration and advertising wait for the
// matching delegate callback.
const DefaultWait = 5 * time.Second

var (
	ErrTimeout        = errors.New("corebluetooth: timed out waiting for delegate")
	ErrTransmitQueued = errors.New("corebluetooth: transmit queue full")
)

// Adapter drives one CBPeripheralManager. CoreBluetooth calls the delegate
// methods from its own dispatch queue.
type Adapter struct {
	cbgo.PeripheralManagerDelegateBase

	wait  time.Duration
	pm    cbgo.PeripheralManager
	power atomic.Int32

	addDone   chan error
	advDone   chan error
	readyToTx chan struct{}

	// mu protects the fields below.
	mu       sync.Mutex
	cb       peripheral.Callbacks
	started  bool
	closed   bool
	services map[gatt.UUID]gatt.UUID // characteristic -> service
	chars    map[gatt.UUID]cbgo.MutableCharacteristic
	centrals map[peripheral.CentralID]cbgo.Central
}

// New returns an adapter. The peripheral manager is created by Start.
// wait <= 0 selects DefaultWait.
func New(wait time.Duration) *Adapter {
	if wait <= 0 {
		wait = DefaultWait
	}
	a := &Adapter{
		wait:      wait,
		addDone:   make(chan error, 1),
		advDone:   make(chan error, 1),
		readyToTx: make(chan struct{}, 1),
		services:  make(map[gatt.UUID]gatt.UUID),
		chars:     make(map[gatt.UUID]cbgo.MutableCharacteristic),
		centrals:  make(map[peripheral.CentralID]cbgo.Central),
	}
	a.power.Store(int32(peripheral.PowerUnknown))
	return a
}

func (a *Adapter) Start(ctx context.Context, cb peripheral.Callbacks) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("corebluetooth: already started")
	}
	a.started = true
	a.cb = cb
	a.mu.Unlock()

	a.pm = cbgo.NewPeripheralManager(nil)
	a.pm.SetDelegate(a)
	return nil
}

func (a *Adapter) callbacks() peripheral.Callbacks {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	return a.cb
}

func (a *Adapter) PowerState() peripheral.PowerState {
	return peripheral.PowerState(a.power.Load())
}

// PeripheralManagerDidUpdateState implements cbgo.PeripheralManagerDelegate.
func (a *Adapter) PeripheralManagerDidUpdateState(pm cbgo.PeripheralManager) {
	state := powerState(pm.State())
	a.power.Store(int32(state))
	if state != peripheral.PowerOn {
		a.mu.Lock()
		clear(a.centrals)
		a.mu.Unlock()
	}
	if cb := a.callbacks(); cb != nil {
		cb.PowerStateChanged(state)
	}
}

func powerState(s cbgo.ManagerState) peripheral.PowerState {
	switch s {
	case cbgo.ManagerStatePoweredOn:
		return peripheral.PowerOn
	case cbgo.ManagerStatePoweredOff:
		return peripheral.PowerOff
	case cbgo.ManagerStateResetting:
		return peripheral.PowerResetting
	case cbgo.ManagerStateUnauthorized:
		return peripheral.PowerUnauthorized
	case cbgo.ManagerStateUnsupported:
		return peripheral.PowerUnsupported
	}
	return peripheral.PowerUnknown
}

// RegisterProfile replaces every published service with profile, waiting
// for DidAddService after each one. CoreBluetooth ignores addService until
// the manager is powered on, so it fails with ErrNotPoweredOn before that.
func (a *Adapter) RegisterProfile(ctx context.Context, profile gatt.Profile) error {
	if !a.isStarted() {
		return errors.New("corebluetooth: not started")
	}
	if state := a.PowerState(); state != peripheral.PowerOn {
		return fmt.Errorf("corebluetooth: register profile in state %s: %w", state, peripheral.ErrNotPoweredOn)
	}

	services := make(map[gatt.UUID]gatt.UUID)
	chars := make(map[gatt.UUID]cbgo.MutableCharacteristic)
	mutable := make([]cbgo.MutableService, 0, len(profile.Services))
	for _, svc := range profile.Services {
		ms, err := toMutableService(svc, chars)
		if err != nil {
			return err
		}
		for _, c := range svc.Characteristics {
			if _, dup := services[c.UUID]; !dup {
				services[c.UUID] = svc.UUID
			}
		}
		mutable = append(mutable, ms)
	}

	a.pm.RemoveAllServices()
	drain(a.addDone)
	for i, ms := range mutable {
		a.pm.AddService(ms)
		if err := a.await(ctx, a.addDone); err != nil {
			return fmt.Errorf("corebluetooth: add service %s: %w", profile.Services[i].UUID, err)
		}
	}

	a.mu.Lock()
	a.services = services
	a.chars = chars
	a.mu.Unlock()
	return nil
}

func (a *Adapter) isStarted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started && !a.closed
}

// DidAddService implements cbgo.PeripheralManagerDelegate.
func (a *Adapter) DidAddService(pm cbgo.PeripheralManager, svc cbgo.Service, err error) {
	if err != nil {
		slog.Warn("[CoreBluetooth] add service failed", "service", svc.UUID().String(), "error", err)
	}
	signal(a.addDone, err)
}

// await blocks for one delegate result on ch, bounded by ctx and a.wait.
func (a *Adapter) await(ctx context.Context, ch <-chan error) error {
	t := time.NewTimer(a.wait)
	defer t.Stop()
	select {
	case err := <-ch:
		return err
	case <-t.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func signal(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}

func drain(ch chan error) {
	select {
	case <-ch:
	default:
	}
}

func toMutableService(svc gatt.Service, chars map[gatt.UUID]cbgo.MutableCharacteristic) (cbgo.MutableService, error) {
	id, err := toUUID(svc.UUID)
	if err != nil {
		return cbgo.MutableService{}, err
	}
	ms := cbgo.NewMutableService(id, svc.Primary)

	mchrs := make([]cbgo.MutableCharacteristic, 0, len(svc.Characteristics))
	for _, c := range svc.Characteristics {
		cid, err := toUUID(c.UUID)
		if err != nil {
			return cbgo.MutableService{}, err
		}
		// A non-nil value makes the characteristic static and answered by
		// CoreBluetooth, so values are always served through read requests.
		mc := cbgo.NewMutableCharacteristic(cid, toProperties(c.Properties), nil, toPermissions(c.Permissions))

		mdscs := make([]cbgo.MutableDescriptor, 0, len(c.Descriptors))
		for _, d := range c.Descriptors {
			did, err := toUUID(d.UUID)
			if err != nil {
				return cbgo.MutableService{}, err
			}
			mdscs = append(mdscs, cbgo.NewMutableDescriptor(did, d.Value))
		}
		if len(mdscs) > 0 {
			mc.SetDescriptors(mdscs)
		}
		if _, dup := chars[c.UUID]; !dup {
			chars[c.UUID] = mc
		}
		mchrs = append(mchrs, mc)
	}
	ms.SetCharacteristics(mchrs)
	return ms, nil
}

func toUUID(u gatt.UUID) (cbgo.UUID, error) {
	if u.Is16Bit() {
		return cbgo.UUID16(u.Uint16()), nil
	}
	id, err := cbgo.ParseUUID(u.String())
	if err != nil {
		return nil, fmt.Errorf("corebluetooth: uuid %s: %w", u, err)
	}
	return id, nil
}

func fromUUID(u cbgo.UUID) (gatt.UUID, error) {
	return gatt.ParseUUID(u.String())
}

func toProperties(p gatt.Properties) cbgo.CharacteristicProperties {
	var out cbgo.CharacteristicProperties
	for _, m := range []struct {
		g gatt.Properties
		c cbgo.CharacteristicProperties
	}{
		{gatt.PropBroadcast, cbgo.CharacteristicPropertyBroadcast},
		{gatt.PropRead, cbgo.CharacteristicPropertyRead},
		{gatt.PropWriteWithoutResponse, cbgo.CharacteristicPropertyWriteWithoutResponse},
		{gatt.PropWrite, cbgo.CharacteristicPropertyWrite},
		{gatt.PropNotify, cbgo.CharacteristicPropertyNotify},
		{gatt.PropIndicate, cbgo.CharacteristicPropertyIndicate},
		{gatt.PropAuthenticatedSignedWrites, cbgo.CharacteristicPropertyAuthenticatedSignedWrites},
		{gatt.PropExtendedProperties, cbgo.CharacteristicPropertyExtendedProperties},
		{gatt.PropNotifyEncryptionRequired, cbgo.CharacteristicPropertyNotifyEncryptionRequired},
		{gatt.PropIndicateEncryptionRequired, cbgo.CharacteristicPropertyIndicateEncryptionRequired},
	} {
		if p.Has(m.g) {
			out |= m.c
		}
	}
	return out
}

func toPermissions(p gatt.Permissions) cbgo.AttributePermissions {
	var out cbgo.AttributePermissions
	if p.Has(gatt.PermReadable) {
		out |= cbgo.AttributePermissionsReadable
	}
	if p.Has(gatt.PermWriteable) {
		out |= cbgo.AttributePermissionsWriteable
	}
	if p.Has(gatt.PermReadEncryptionRequired) {
		out |= cbgo.AttributePermissionsReadEncryptionRequired
	}
	if p.Has(gatt.PermWriteEncryptionRequired) {
		out |= cbgo.AttributePermissionsWriteEncryptionRequired
	}
	return out
}

func (a *Adapter) StartAdvertising(ctx context.Context, name string, services []gatt.UUID) error {
	if !a.isStarted() {
		return errors.New("corebluetooth: not started")
	}
	ids := make([]cbgo.UUID, 0, len(services))
	for _, s := range services {
		id, err := toUUID(s)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	drain(a.advDone)
	a.pm.StartAdvertising(cbgo.AdvData{LocalName: name, ServiceUUIDs: ids})
	if err := a.await(ctx, a.advDone); err != nil {
		a.pm.StopAdvertising()
		return err
	}
	return nil
}

// DidStartAdvertising implements cbgo.PeripheralManagerDelegate.
func (a *Adapter) DidStartAdvertising(pm cbgo.PeripheralManager, err error) {
	signal(a.advDone, err)
}

func (a *Adapter) StopAdvertising(ctx context.Context) error {
	if !a.isStarted() {
		return nil
	}
	a.pm.StopAdvertising()
	return nil
}

// request resolves the gatt identifiers of a CoreBluetooth request.
func (a *Adapter) request(cent cbgo.Central, chr cbgo.Characteristic) (peripheral.Request, bool) {
	id, err := fromUUID(chr.UUID())
	if err != nil {
		slog.Warn("[CoreBluetooth] unparseable characteristic", "uuid", chr.UUID().String(), "error", err)
		return peripheral.Request{}, false
	}
	a.mu.Lock()
	svc, ok := a.services[id]
	a.mu.Unlock()
	if !ok {
		return peripheral.Request{}, false
	}
	return peripheral.Request{
		Central:        peripheral.CentralID(cent.Identifier().String()),
		Service:        svc,
		Characteristic: id,
	}, true
}

// CentralDidSubscribe implements cbgo.PeripheralManagerDelegate.
func (a *Adapter) CentralDidSubscribe(pm cbgo.PeripheralManager, cent cbgo.Central, chr cbgo.Characteristic) {
	a.subscription(cent, chr, true)
}

// CentralDidUnsubscribe implements cbgo.PeripheralManagerDelegate.
func (a *Adapter) CentralDidUnsubscribe(pm cbgo.PeripheralManager, cent cbgo.Central, chr cbgo.Characteristic) {
	a.subscription(cent, chr, false)
}

func (a *Adapter) subscription(cent cbgo.Central, chr cbgo.Characteristic, subscribed bool) {
	req, ok := a.request(cent, chr)
	if !ok {
		return
	}
	if subscribed {
		a.mu.Lock()
		a.centrals[req.Central] = cent
		a.mu.Unlock()
	}
	if cb := a.callbacks(); cb != nil {
		cb.SubscriptionChanged(req, subscribed)
	}
}

// IsReadyToUpdateSubscribers implements cbgo.PeripheralManagerDelegate.
func (a *Adapter) IsReadyToUpdateSubscribers(pm cbgo.PeripheralManager) {
	select {
	case a.readyToTx <- struct{}{}:
	default:
	}
}

// DidReceiveReadRequest implements cbgo.PeripheralManagerDelegate.
func (a *Adapter) DidReceiveReadRequest(pm cbgo.PeripheralManager, req cbgo.ATTRequest) {
	r, ok := a.request(req.Central(), req.Characteristic())
	cb := a.callbacks()
	if !ok || cb == nil {
		pm.RespondToRequest(req, cbgo.ATTErrorAttributeNotFound)
		return
	}
	cb.ReadRequested(r, req.Offset(), newBatch(pm, []cbgo.ATTRequest{req}, true).part(0))
}

// DidReceiveWriteRequests implements cbgo.PeripheralManagerDelegate. The
// requests of one call share a single ATT response, sent once all of them
// are answered.
func (a *Adapter) DidReceiveWriteRequests(pm cbgo.PeripheralManager, reqs []cbgo.ATTRequest) {
	if len(reqs) == 0 {
		return
	}
	cb := a.callbacks()
	if cb == nil {
		pm.RespondToRequest(reqs[0], cbgo.ATTErrorUnlikelyError)
		return
	}

	resolved := make([]peripheral.Request, len(reqs))
	for i, req := range reqs {
		r, ok := a.request(req.Central(), req.Characteristic())
		if !ok {
			pm.RespondToRequest(reqs[0], cbgo.ATTErrorAttributeNotFound)
			return
		}
		resolved[i] = r
	}

	b := newBatch(pm, reqs, false)
	for i, req := range reqs {
		cb.WriteRequested(resolved[i], req.Offset(), req.Value(), false, b.part(i))
	}
}

// Notify sends value to each subscriber with UpdateValue. When the transmit
// queue is full it waits once for IsReadyToUpdateSubscribers and retries.
func (a *Adapter) Notify(ctx context.Context, characteristic gatt.UUID, value []byte, subscribers []peripheral.CentralID) []error {
	errs := make([]error, len(subscribers))
	a.mu.Lock()
	mc, ok := a.chars[characteristic]
	centrals := make([]cbgo.Central, len(subscribers))
	known := make([]bool, len(subscribers))
	for i, id := range subscribers {
		centrals[i], known[i] = a.centrals[id]
	}
	a.mu.Unlock()

	for i, id := range subscribers {
		switch {
		case !ok:
			errs[i] = fmt.Errorf("corebluetooth: characteristic %s not registered", characteristic)
		case !known[i]:
			errs[i] = fmt.Errorf("corebluetooth: central %s not connected", id)
		default:
			errs[i] = a.update(ctx, mc, value, centrals[i])
		}
	}
	return errs
}

func (a *Adapter) update(ctx context.Context, mc cbgo.MutableCharacteristic, value []byte, cent cbgo.Central) error {
	chr := mc.Characteristic()
	if a.pm.UpdateValue(value, chr, []cbgo.Central{cent}) {
		return nil
	}
	select {
	case <-a.readyToTx:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(a.wait):
		return ErrTransmitQueued
	}
	if !a.pm.UpdateValue(value, chr, []cbgo.Central{cent}) {
		return ErrTransmitQueued
	}
	return nil
}

func (a *Adapter) CompleteRequest(handle any, resp peripheral.Response) error {
	p, ok := handle.(*part)
	if !ok || p == nil {
		return fmt.Errorf("corebluetooth: bad request handle %T", handle)
	}
	return p.complete(resp)
}

// Close stops advertising and removes all services.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	started := a.started
	a.mu.Unlock()

	if started {
		a.pm.StopAdvertising()
		a.pm.RemoveAllServices()
	}
	return nil
}

var _ peripheral.Adapter = (*Adapter)(nil)
