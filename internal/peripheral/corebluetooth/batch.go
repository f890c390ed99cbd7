//go:build darwin

package corebluetooth

import (
	"sync"

	"github.com/tinygo-org/cbgo"

	"github.com/chaz8081/bleperiph/internal/peripheral"
)

// responder is the part of cbgo.PeripheralManager a batch answers through.
type responder interface {
	RespondToRequest(req cbgo.ATTRequest, result cbgo.ATTError)
}

// batch collects the answers to the requests of one delegate call and sends
// the single ATT response CoreBluetooth expects, addressed to the first
// request.
type batch struct {
	pm   responder
	reqs []cbgo.ATTRequest
	read bool

	mu      sync.Mutex
	pending int
	status  peripheral.Status
	sent    bool
	parts   []*part
}

// part is the handle for one request of a batch.
type part struct {
	b        *batch
	i        int
	answered bool
}

func newBatch(pm responder, reqs []cbgo.ATTRequest, read bool) *batch {
	b := &batch{pm: pm, reqs: reqs, read: read, pending: len(reqs)}
	b.parts = make([]*part, len(reqs))
	for i := range reqs {
		b.parts[i] = &part{b: b, i: i}
	}
	return b
}

func (b *batch) part(i int) *part {
	return b.parts[i]
}

func (p *part) complete(resp peripheral.Response) error {
	b := p.b
	b.mu.Lock()
	if p.answered || b.sent {
		b.mu.Unlock()
		return peripheral.ErrRequestExpired
	}
	p.answered = true
	b.pending--
	if resp.Status != peripheral.StatusSuccess && b.status == peripheral.StatusSuccess {
		b.status = resp.Status
	}
	// The first failure answers the whole batch.
	send := b.pending == 0 || resp.Status != peripheral.StatusSuccess
	if send {
		b.sent = true
	}
	status := b.status
	b.mu.Unlock()

	if !send {
		return nil
	}
	if b.read && status == peripheral.StatusSuccess {
		b.reqs[0].SetValue(resp.Value)
	}
	b.pm.RespondToRequest(b.reqs[0], attError(status))
	return nil
}

// attError maps an ATT status to its CoreBluetooth code.
func attError(s peripheral.Status) cbgo.ATTError {
	switch s {
	case peripheral.StatusSuccess:
		return cbgo.ATTErrorSuccess
	case peripheral.StatusInvalidHandle:
		return cbgo.ATTErrorInvalidHandle
	case peripheral.StatusReadNotPermitted:
		return cbgo.ATTErrorReadNotPermitted
	case peripheral.StatusWriteNotPermitted:
		return cbgo.ATTErrorWriteNotPermitted
	case peripheral.StatusRequestNotSupported:
		return cbgo.ATTErrorRequestNotSupported
	case peripheral.StatusInvalidOffset:
		return cbgo.ATTErrorInvalidOffset
	case peripheral.StatusInvalidAttributeValueLength:
		return cbgo.ATTErrorInvalidAttributeValueLength
	}
	return cbgo.ATTErrorUnlikelyError
}
