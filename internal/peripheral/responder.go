package peripheral

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Status is the ATT outcome of a read or write request.
type Status int

const (
	StatusSuccess Status = iota
	StatusInvalidHandle
	StatusReadNotPermitted
	StatusWriteNotPermitted
	StatusRequestNotSupported
	StatusInvalidOffset
	StatusInvalidAttributeValueLength
	StatusUnlikelyError
)

var statusNames = [...]string{
	StatusSuccess:                     "success",
	StatusInvalidHandle:               "invalid handle",
	StatusReadNotPermitted:            "read not permitted",
	StatusWriteNotPermitted:           "write not permitted",
	StatusRequestNotSupported:         "request not supported",
	StatusInvalidOffset:               "invalid offset",
	StatusInvalidAttributeValueLength: "invalid attribute value length",
	StatusUnlikelyError:               "unlikely error",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// Response is the answer to a request. Value is only used for successful
// reads.
type Response struct {
	Status Status
	Value  []byte
}

// routeFunc delivers a response to the adapter that produced the request.
type routeFunc func(handle any, resp Response) error

// Responder completes exactly one pending read or write request. The
// adapter's correlation handle travels inside the Responder, so whoever
// holds it can answer at any later time from any goroutine.
type Responder struct {
	req    Request
	handle any
	route  routeFunc
	done   atomic.Bool
	timer  atomic.Pointer[time.Timer]
}

func newResponder(req Request, handle any, route routeFunc) *Responder {
	return &Responder{req: req, handle: handle, route: route}
}

// Request returns the request this Responder answers.
func (r *Responder) Request() Request {
	return r.req
}

// Done reports whether the Responder has been completed.
func (r *Responder) Done() bool {
	return r.done.Load()
}

// Respond completes the request. Only the first completion is delivered;
// later calls return ErrAlreadyCompleted. An error from the adapter, such as
// ErrRequestExpired, is returned but may be ignored.
func (r *Responder) Respond(resp Response) error {
	if !r.done.CompareAndSwap(false, true) {
		return ErrAlreadyCompleted
	}
	if t := r.timer.Load(); t != nil {
		t.Stop()
	}
	if r.route == nil {
		return nil
	}
	return r.route(r.handle, resp)
}

// Reply completes the request successfully with value.
func (r *Responder) Reply(value []byte) error {
	return r.Respond(Response{Status: StatusSuccess, Value: value})
}

// Fail completes the request with an error status.
func (r *Responder) Fail(status Status) error {
	return r.Respond(Response{Status: status})
}
