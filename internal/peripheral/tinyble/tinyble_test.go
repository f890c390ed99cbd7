//go:build linux || windows

package tinyble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/bleperiph/internal/gatt"
	"github.com/chaz8081/bleperiph/internal/peripheral"
)

type fakeRadio struct {
	enableErr error
	services  []*bluetooth.Service
	onConnect func(bluetooth.Device, bool)
}

func (r *fakeRadio) Enable() error { return r.enableErr }

func (r *fakeRadio) AddService(s *bluetooth.Service) error {
	r.services = append(r.services, s)
	return nil
}

func (r *fakeRadio) SetConnectHandler(c func(bluetooth.Device, bool)) {
	r.onConnect = c
}

type fakeAdvertiser struct {
	opts    bluetooth.AdvertisementOptions
	running bool
	stops   int
}

func (f *fakeAdvertiser) Configure(o bluetooth.AdvertisementOptions) error {
	f.opts = o
	return nil
}

func (f *fakeAdvertiser) Start() error {
	f.running = true
	return nil
}

func (f *fakeAdvertiser) Stop() error {
	f.running = false
	f.stops++
	return nil
}

var (
	svcID  = gatt.UUID16(0x1234)
	charID = gatt.UUID16(0x2A3D)
)

func setup(t *testing.T) (*Adapter, *fakeRadio, *fakeAdvertiser, *peripheral.Peripheral) {
	t.Helper()
	r := &fakeRadio{}
	adv := &fakeAdvertiser{}
	a := newAdapter(r, adv)
	p, err := peripheral.New(context.Background(), a, peripheral.Options{Capacity: 8})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	ev := next(t, p).(peripheral.PowerStateChanged)
	require.True(t, ev.IsPowered())
	return a, r, adv, p
}

func next(t *testing.T, p *peripheral.Peripheral) peripheral.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := p.Recv(ctx)
	require.NoError(t, err)
	return ev
}

func TestEnableFailure(t *testing.T) {
	a := newAdapter(&fakeRadio{enableErr: errors.New("no controller")}, &fakeAdvertiser{})
	_, err := peripheral.New(context.Background(), a, peripheral.DefaultOptions())
	assert.Error(t, err)
}

func TestRegisterAddsOnlyNewServices(t *testing.T) {
	_, r, _, p := setup(t)
	ctx := context.Background()

	chr := gatt.NewCharacteristic(charID, gatt.PropRead|gatt.PropWrite|gatt.PropNotify)
	chr.Value = []byte("hi")
	require.NoError(t, p.AddService(ctx, gatt.NewService(svcID, chr)))
	require.NoError(t, p.AddService(ctx, gatt.NewService(gatt.UUID16(0x180F),
		gatt.NewCharacteristic(gatt.UUID16(0x2A19), gatt.PropRead))))

	require.Len(t, r.services, 2)
	first := r.services[0]
	require.Len(t, first.Characteristics, 1)
	assert.Equal(t, []byte("hi"), first.Characteristics[0].Value)
	assert.Equal(t, bluetooth.CharacteristicReadPermission|bluetooth.CharacteristicWritePermission|bluetooth.CharacteristicNotifyPermission,
		first.Characteristics[0].Flags)
	assert.NotNil(t, first.Characteristics[0].WriteEvent)
	assert.Nil(t, r.services[1].Characteristics[0].WriteEvent)
}

func TestWriteEventReportedWithoutResponse(t *testing.T) {
	_, r, _, p := setup(t)
	chr := gatt.NewCharacteristic(charID, gatt.PropWrite)
	require.NoError(t, p.AddService(context.Background(), gatt.NewService(svcID, chr)))

	r.services[0].Characteristics[0].WriteEvent(0, 0, []byte("v"))

	w := next(t, p).(peripheral.WriteRequest)
	assert.True(t, w.WithoutResponse)
	assert.Equal(t, charID, w.Request.Characteristic)
	assert.Equal(t, []byte("v"), w.Value)
	assert.NoError(t, w.Responder.Reply(nil))
}

func TestConnectionDrivesSubscriptions(t *testing.T) {
	a, r, _, p := setup(t)
	ctx := context.Background()
	chr := gatt.NewCharacteristic(charID, gatt.PropNotify)
	require.NoError(t, p.AddService(ctx, gatt.NewService(svcID, chr)))

	var written [][]byte
	a.notify = func(_ *bluetooth.Characteristic, v []byte) error {
		written = append(written, v)
		return nil
	}

	require.NoError(t, p.UpdateCharacteristic(ctx, charID, []byte("0")))
	assert.Empty(t, written)

	dev := bluetooth.Device{}
	r.onConnect(dev, true)
	sub := next(t, p).(peripheral.SubscriptionUpdate)
	assert.True(t, sub.Subscribed)
	r.onConnect(dev, true)

	require.NoError(t, p.UpdateCharacteristic(ctx, charID, []byte("1")))
	assert.Equal(t, [][]byte{[]byte("1")}, written)

	r.onConnect(dev, false)
	sub = next(t, p).(peripheral.SubscriptionUpdate)
	assert.False(t, sub.Subscribed)
	assert.Empty(t, p.Subscribers(charID))
}

func TestAdvertiseLifecycle(t *testing.T) {
	a, _, adv, p := setup(t)
	ctx := context.Background()

	require.NoError(t, p.StartAdvertising(ctx, "Test", []gatt.UUID{svcID}))
	assert.True(t, adv.running)
	assert.Equal(t, "Test", adv.opts.LocalName)
	require.Len(t, adv.opts.ServiceUUIDs, 1)
	assert.Equal(t, svcID.String(), adv.opts.ServiceUUIDs[0].String())

	require.NoError(t, p.StopAdvertising(ctx))
	assert.False(t, adv.running)

	require.NoError(t, a.StartAdvertising(ctx, "Again", nil))
	require.NoError(t, a.Close())
	assert.Equal(t, 2, adv.stops)
}

func TestCompleteRequestExpired(t *testing.T) {
	a := newAdapter(&fakeRadio{}, &fakeAdvertiser{})
	assert.ErrorIs(t, a.CompleteRequest(nil, peripheral.Response{}), peripheral.ErrRequestExpired)
}
