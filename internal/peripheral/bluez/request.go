package bluez

import (
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/bleperiph/internal/gatt"
	"github.com/chaz8081/bleperiph/internal/peripheral"
)

// BlueZ error names returned from ReadValue and WriteValue.
const (
	errFailed             = "org.bluez.Error.Failed"
	errNotPermitted       = "org.bluez.Error.NotPermitted"
	errInvalidValueLength = "org.bluez.Error.InvalidValueLength"
	errInvalidOffset      = "org.bluez.Error.InvalidOffset"
	errNotSupported       = "org.bluez.Error.NotSupported"
)

const (
	requestPending int32 = iota
	requestAnswered
	requestExpired
)

// pendingRequest is the correlation handle given to the peripheral for one
// ReadValue or WriteValue call. The D-Bus method goroutine waits on reply.
type pendingRequest struct {
	reply chan peripheral.Response
	state atomic.Int32
}

func newPendingRequest() *pendingRequest {
	return &pendingRequest{reply: make(chan peripheral.Response, 1)}
}

// complete hands resp to the waiting method call. It fails with
// ErrRequestExpired once the call has given up.
func (r *pendingRequest) complete(resp peripheral.Response) error {
	if !r.state.CompareAndSwap(requestPending, requestAnswered) {
		return peripheral.ErrRequestExpired
	}
	r.reply <- resp
	return nil
}

// wait blocks until the request is answered, timeout elapses or done is
// closed. A request that loses the race to expire is still answered.
func (r *pendingRequest) wait(timeout time.Duration, done <-chan struct{}) (peripheral.Response, *dbus.Error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case resp := <-r.reply:
		return resp, nil
	case <-t.C:
	case <-done:
	}
	if r.state.CompareAndSwap(requestPending, requestExpired) {
		return peripheral.Response{}, dbus.NewError(errFailed, []any{"request not answered"})
	}
	return <-r.reply, nil
}

// statusError maps an ATT status to the error BlueZ expects from a GATT
// method handler. Success maps to nil.
func statusError(s peripheral.Status) *dbus.Error {
	var name string
	switch s {
	case peripheral.StatusSuccess:
		return nil
	case peripheral.StatusInvalidOffset:
		name = errInvalidOffset
	case peripheral.StatusRequestNotSupported:
		name = errNotSupported
	case peripheral.StatusReadNotPermitted, peripheral.StatusWriteNotPermitted:
		name = errNotPermitted
	case peripheral.StatusInvalidAttributeValueLength:
		name = errInvalidValueLength
	default:
		name = errFailed
	}
	return dbus.NewError(name, []any{s.String()})
}

// centralFromOptions extracts the remote device from a GATT method's option
// dictionary. BlueZ passes its object path, e.g.
// /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func centralFromOptions(options map[string]dbus.Variant) peripheral.CentralID {
	v, ok := options["device"]
	if !ok {
		return peripheral.AnyCentral
	}
	path, ok := v.Value().(dbus.ObjectPath)
	if !ok {
		return peripheral.AnyCentral
	}
	return centralFromPath(path)
}

func centralFromPath(path dbus.ObjectPath) peripheral.CentralID {
	s := string(path)
	i := strings.LastIndex(s, "/dev_")
	if i < 0 {
		return peripheral.CentralID(s)
	}
	return peripheral.CentralID(strings.ReplaceAll(s[i+len("/dev_"):], "_", ":"))
}

func offsetFromOptions(options map[string]dbus.Variant) int {
	v, ok := options["offset"]
	if !ok {
		return 0
	}
	switch o := v.Value().(type) {
	case uint16:
		return int(o)
	case uint32:
		return int(o)
	case int32:
		return int(o)
	}
	return 0
}

// isCommand reports whether a WriteValue call is a write without response.
func isCommand(options map[string]dbus.Variant) bool {
	v, ok := options["type"]
	if !ok {
		return false
	}
	t, _ := v.Value().(string)
	return t == "command"
}

// handler turns D-Bus GATT method calls into peripheral callbacks.
type handler struct {
	cb      peripheral.Callbacks
	timeout time.Duration
	done    <-chan struct{}
}

func (h *handler) read(req peripheral.Request, options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	req.Central = centralFromOptions(options)
	r := newPendingRequest()
	h.cb.ReadRequested(req, offsetFromOptions(options), r)

	resp, derr := r.wait(h.timeout, h.done)
	if derr != nil {
		slog.Warn("[BlueZ] read request expired", "request", req.String())
		return nil, derr
	}
	if derr := statusError(resp.Status); derr != nil {
		return nil, derr
	}
	return resp.Value, nil
}

func (h *handler) write(req peripheral.Request, value []byte, options map[string]dbus.Variant) *dbus.Error {
	req.Central = centralFromOptions(options)
	offset := offsetFromOptions(options)
	if isCommand(options) {
		h.cb.WriteRequested(req, offset, value, true, nil)
		return nil
	}

	r := newPendingRequest()
	h.cb.WriteRequested(req, offset, value, false, r)

	resp, derr := r.wait(h.timeout, h.done)
	if derr != nil {
		slog.Warn("[BlueZ] write request expired", "request", req.String())
		return derr
	}
	return statusError(resp.Status)
}

// characteristicFlags renders properties and permissions as BlueZ flag
// strings.
func characteristicFlags(c gatt.Characteristic) []string {
	var flags []string
	p := c.Properties
	add := func(ok bool, f string) {
		if ok {
			flags = append(flags, f)
		}
	}
	add(p.Has(gatt.PropBroadcast), "broadcast")
	add(p.Has(gatt.PropRead), "read")
	add(p.Has(gatt.PropWriteWithoutResponse), "write-without-response")
	add(p.Has(gatt.PropWrite), "write")
	add(p.Has(gatt.PropNotify), "notify")
	add(p.Has(gatt.PropIndicate), "indicate")
	add(p.Has(gatt.PropAuthenticatedSignedWrites), "authenticated-signed-writes")
	add(p.Has(gatt.PropExtendedProperties), "extended-properties")
	add(p.Has(gatt.PropNotifyEncryptionRequired), "encrypt-notify")
	add(p.Has(gatt.PropIndicateEncryptionRequired), "encrypt-indicate")
	add(c.Permissions.Has(gatt.PermReadEncryptionRequired), "encrypt-read")
	add(c.Permissions.Has(gatt.PermWriteEncryptionRequired), "encrypt-write")
	return flags
}

func descriptorFlags(d gatt.Descriptor) []string {
	var flags []string
	if d.Permissions.Has(gatt.PermReadable) {
		flags = append(flags, "read")
	}
	if d.Permissions.Has(gatt.PermWriteable) {
		flags = append(flags, "write")
	}
	if d.Permissions.Has(gatt.PermReadEncryptionRequired) {
		flags = append(flags, "encrypt-read")
	}
	if d.Permissions.Has(gatt.PermWriteEncryptionRequired) {
		flags = append(flags, "encrypt-write")
	}
	return flags
}
