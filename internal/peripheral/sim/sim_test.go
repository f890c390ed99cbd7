package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/bleperiph/internal/gatt"
	"github.com/chaz8081/bleperiph/internal/peripheral"
)

var (
	svcID  = gatt.UUID16(0x1234)
	charID = gatt.UUID16(0x2A3D)
	descID = gatt.UUID16(0x2A13)
)

func setup(t *testing.T) (*Adapter, *peripheral.Peripheral) {
	t.Helper()
	ctx := context.Background()
	a := New(peripheral.PowerOff)
	p, err := peripheral.New(ctx, a, peripheral.Options{Capacity: 4})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	chr := gatt.NewCharacteristic(charID, gatt.PropRead|gatt.PropWrite|gatt.PropNotify)
	chr.Descriptors = []gatt.Descriptor{gatt.NewDescriptor(descID, []byte("greeting"))}
	require.NoError(t, p.AddService(ctx, gatt.NewService(svcID, chr)))

	require.ErrorIs(t, p.StartAdvertising(ctx, "Test", []gatt.UUID{svcID}), peripheral.ErrNotPoweredOn)
	a.SetPower(peripheral.PowerOn)
	next(t, p)
	require.NoError(t, p.StartAdvertising(ctx, "Test", []gatt.UUID{svcID}))
	require.Equal(t, peripheral.StateAdvertising, p.State())

	name, services, ok := a.Advertisement()
	require.True(t, ok)
	require.Equal(t, "Test", name)
	require.Equal(t, []gatt.UUID{svcID}, services)
	return a, p
}

func next(t *testing.T, p *peripheral.Peripheral) peripheral.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := p.Recv(ctx)
	require.NoError(t, err)
	return ev
}

func TestReadRoundTrip(t *testing.T) {
	a, p := setup(t)
	_, err := a.Connect("central-1", 4)
	require.NoError(t, err)

	type result struct {
		resp peripheral.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := a.Read(context.Background(), "central-1", charID, nil, 0)
		done <- result{resp, err}
	}()

	read, ok := next(t, p).(peripheral.ReadRequest)
	require.True(t, ok)
	assert.Equal(t, svcID, read.Request.Service)
	require.NoError(t, read.Responder.Reply([]byte("Hello")))

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, peripheral.StatusSuccess, r.resp.Status)
	assert.Equal(t, []byte("Hello"), r.resp.Value)
}

func TestDescriptorRead(t *testing.T) {
	a, p := setup(t)
	_, err := a.Connect("c", 1)
	require.NoError(t, err)

	desc := descID
	go a.Read(context.Background(), "c", charID, &desc, 2)

	read := next(t, p).(peripheral.ReadRequest)
	require.NotNil(t, read.Request.Descriptor)
	assert.Equal(t, descID, read.Request.Attribute())
	assert.Equal(t, 2, read.Offset)
	require.NoError(t, read.Responder.Fail(peripheral.StatusInvalidOffset))
}

func TestDisconnectExpiresPendingRequest(t *testing.T) {
	a, p := setup(t)
	_, err := a.Connect("c", 1)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := a.Write(context.Background(), "c", charID, nil, 0, []byte("v"))
		errc <- err
	}()

	w := next(t, p).(peripheral.WriteRequest)
	a.Disconnect("c")
	assert.ErrorIs(t, <-errc, ErrNotConnected)

	err = w.Responder.Reply(nil)
	assert.ErrorIs(t, err, peripheral.ErrRequestExpired)
	assert.True(t, w.Responder.Done())
}

func TestNotifyFanOut(t *testing.T) {
	a, p := setup(t)
	ctx := context.Background()

	inboxes := map[peripheral.CentralID]<-chan Notification{}
	for _, id := range []peripheral.CentralID{"a", "b", "c"} {
		in, err := a.Connect(id, 2)
		require.NoError(t, err)
		inboxes[id] = in
		require.NoError(t, a.Subscribe(id, charID, true))
		ev := next(t, p).(peripheral.SubscriptionUpdate)
		assert.True(t, ev.Subscribed)
	}

	a.FailNotify = func(id peripheral.CentralID) error {
		if id == "b" {
			return errors.New("link lost")
		}
		return nil
	}

	err := p.UpdateCharacteristic(ctx, charID, []byte("42"))
	var delivery *peripheral.DeliveryError
	require.ErrorAs(t, err, &delivery)
	assert.Contains(t, delivery.Failures, peripheral.CentralID("b"))

	for _, id := range []peripheral.CentralID{"a", "c"} {
		select {
		case n := <-inboxes[id]:
			assert.Equal(t, []byte("42"), n.Value)
			assert.Equal(t, charID, n.Characteristic)
		default:
			t.Errorf("central %s got no notification", id)
		}
	}
	assert.Empty(t, inboxes["b"])
}

func TestDisconnectEndsSubscriptions(t *testing.T) {
	a, p := setup(t)
	_, err := a.Connect("a", 1)
	require.NoError(t, err)
	require.NoError(t, a.Subscribe("a", charID, true))
	next(t, p)
	require.Equal(t, []peripheral.CentralID{"a"}, p.Subscribers(charID))

	a.Disconnect("a")
	ev := next(t, p).(peripheral.SubscriptionUpdate)
	assert.False(t, ev.Subscribed)
	assert.Empty(t, p.Subscribers(charID))
}

func TestWriteCommand(t *testing.T) {
	a, p := setup(t)
	_, err := a.Connect("a", 1)
	require.NoError(t, err)

	require.NoError(t, a.WriteCommand("a", charID, []byte("fast")))
	w := next(t, p).(peripheral.WriteRequest)
	assert.True(t, w.WithoutResponse)
	assert.Equal(t, []byte("fast"), w.Value)
	assert.NoError(t, w.Responder.Reply(nil))
}

func TestPowerOffStopsAdvertising(t *testing.T) {
	a, p := setup(t)
	_, err := a.Connect("a", 1)
	require.NoError(t, err)

	a.SetPower(peripheral.PowerOff)
	ev := next(t, p).(peripheral.PowerStateChanged)
	assert.False(t, ev.IsPowered())
	assert.Equal(t, peripheral.StatePoweredOff, p.State())

	_, _, ok := a.Advertisement()
	assert.False(t, ok)
	_, err = a.Connect("b", 1)
	assert.ErrorIs(t, err, ErrNotAdvertising)
}

func TestUnknownAttribute(t *testing.T) {
	a, _ := setup(t)
	_, err := a.Connect("a", 1)
	require.NoError(t, err)

	_, err = a.Read(context.Background(), "a", gatt.UUID16(0xFFFF), nil, 0)
	assert.ErrorIs(t, err, ErrUnknownAttribute)
	_, err = a.Read(context.Background(), "nobody", charID, nil, 0)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRegisterRejectsEmptyProperties(t *testing.T) {
	a := New(peripheral.PowerOn)
	p, err := peripheral.New(context.Background(), a, peripheral.DefaultOptions())
	require.NoError(t, err)
	defer p.Close()

	svc := gatt.NewService(svcID, gatt.Characteristic{UUID: charID})
	err = p.AddService(context.Background(), svc)
	var regErr *peripheral.RegistrationError
	assert.ErrorAs(t, err, &regErr)
}
