//go:build darwin

package corebluetooth

import (
	"context"
	"errors"
	"testing"

	"github.com/tinygo-org/cbgo"

	"github.com/chaz8081/bleperiph/internal/gatt"
	"github.com/chaz8081/bleperiph/internal/peripheral"
)

type fakeResponder struct {
	results []cbgo.ATTError
}

func (f *fakeResponder) RespondToRequest(_ cbgo.ATTRequest, result cbgo.ATTError) {
	f.results = append(f.results, result)
}

func TestBatchRespondsOnceAllAnswered(t *testing.T) {
	f := &fakeResponder{}
	b := newBatch(f, make([]cbgo.ATTRequest, 2), false)

	if err := b.part(0).complete(peripheral.Response{}); err != nil {
		t.Fatalf("complete() error = %v", err)
	}
	if len(f.results) != 0 {
		t.Fatalf("responded before all parts answered: %v", f.results)
	}
	if err := b.part(1).complete(peripheral.Response{}); err != nil {
		t.Fatalf("complete() error = %v", err)
	}
	if len(f.results) != 1 || f.results[0] != cbgo.ATTErrorSuccess {
		t.Fatalf("results = %v, want one success", f.results)
	}
	if err := b.part(1).complete(peripheral.Response{}); err != peripheral.ErrRequestExpired {
		t.Fatalf("second complete() error = %v, want ErrRequestExpired", err)
	}
}

func TestBatchFirstFailureAnswers(t *testing.T) {
	f := &fakeResponder{}
	b := newBatch(f, make([]cbgo.ATTRequest, 3), false)

	if err := b.part(1).complete(peripheral.Response{Status: peripheral.StatusInvalidOffset}); err != nil {
		t.Fatalf("complete() error = %v", err)
	}
	if len(f.results) != 1 || f.results[0] != cbgo.ATTErrorInvalidOffset {
		t.Fatalf("results = %v, want InvalidOffset", f.results)
	}
	if err := b.part(0).complete(peripheral.Response{}); err != peripheral.ErrRequestExpired {
		t.Fatalf("complete() after failure error = %v, want ErrRequestExpired", err)
	}
}

func TestCompleteRequestRejectsForeignHandle(t *testing.T) {
	a := New(0)
	if err := a.CompleteRequest(42, peripheral.Response{}); err == nil {
		t.Fatal("CompleteRequest(42) should fail")
	}
}

func TestRegisterProfileRequiresPower(t *testing.T) {
	a := New(0)
	a.started = true

	profile := gatt.Profile{Services: []gatt.Service{gatt.NewService(gatt.UUID16(0x1234))}}
	err := a.RegisterProfile(context.Background(), profile)
	if !errors.Is(err, peripheral.ErrNotPoweredOn) {
		t.Fatalf("RegisterProfile() error = %v, want ErrNotPoweredOn", err)
	}
}

func TestAttError(t *testing.T) {
	tests := []struct {
		status peripheral.Status
		want   cbgo.ATTError
	}{
		{peripheral.StatusSuccess, cbgo.ATTErrorSuccess},
		{peripheral.StatusInvalidHandle, cbgo.ATTErrorInvalidHandle},
		{peripheral.StatusReadNotPermitted, cbgo.ATTErrorReadNotPermitted},
		{peripheral.StatusWriteNotPermitted, cbgo.ATTErrorWriteNotPermitted},
		{peripheral.StatusRequestNotSupported, cbgo.ATTErrorRequestNotSupported},
		{peripheral.StatusInvalidOffset, cbgo.ATTErrorInvalidOffset},
		{peripheral.StatusInvalidAttributeValueLength, cbgo.ATTErrorInvalidAttributeValueLength},
		{peripheral.StatusUnlikelyError, cbgo.ATTErrorUnlikelyError},
	}
	for _, tt := range tests {
		if got := attError(tt.status); got != tt.want {
			t.Errorf("attError(%v) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestPowerState(t *testing.T) {
	tests := map[cbgo.ManagerState]peripheral.PowerState{
		cbgo.ManagerStatePoweredOn:    peripheral.PowerOn,
		cbgo.ManagerStatePoweredOff:   peripheral.PowerOff,
		cbgo.ManagerStateResetting:    peripheral.PowerResetting,
		cbgo.ManagerStateUnauthorized: peripheral.PowerUnauthorized,
		cbgo.ManagerStateUnsupported:  peripheral.PowerUnsupported,
		cbgo.ManagerStateUnknown:      peripheral.PowerUnknown,
	}
	for in, want := range tests {
		if got := powerState(in); got != want {
			t.Errorf("powerState(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestUUIDRoundTrip(t *testing.T) {
	for _, u := range []gatt.UUID{
		gatt.UUID16(0x2A3D),
		gatt.MustParseUUID("19b10000-e8f2-537e-4f6c-d104768a1214"),
	} {
		cu, err := toUUID(u)
		if err != nil {
			t.Fatalf("toUUID(%s) error = %v", u, err)
		}
		back, err := fromUUID(cu)
		if err != nil {
			t.Fatalf("fromUUID(%s) error = %v", cu, err)
		}
		if back != u {
			t.Errorf("round trip = %s, want %s", back, u)
		}
	}
}

func TestToProperties(t *testing.T) {
	got := toProperties(gatt.PropRead | gatt.PropNotify)
	want := cbgo.CharacteristicPropertyRead | cbgo.CharacteristicPropertyNotify
	if got != want {
		t.Errorf("toProperties() = %v, want %v", got, want)
	}
	if p := toPermissions(gatt.PermReadable | gatt.PermWriteEncryptionRequired); p != cbgo.AttributePermissionsReadable|cbgo.AttributePermissionsWriteEncryptionRequired {
		t.Errorf("toPermissions() = %v", p)
	}
}
