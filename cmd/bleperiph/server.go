package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/chaz8081/bleperiph/internal/gatt"
	"github.com/chaz8081/bleperiph/internal/peripheral"
)

// attrKey identifies a characteristic value or one of its descriptors.
type attrKey struct {
	char gatt.UUID
	desc gatt.UUID // zero for the characteristic itself
}

func keyOf(req peripheral.Request) attrKey {
	k := attrKey{char: req.Characteristic}
	if req.Descriptor != nil {
		k.desc = *req.Descriptor
	}
	return k
}

// valueStore holds the current value of every attribute of a profile.
type valueStore struct {
	mu     sync.Mutex
	values map[attrKey][]byte
}

func newValueStore(p gatt.Profile) *valueStore {
	s := &valueStore{values: make(map[attrKey][]byte)}
	for _, svc := range p.Services {
		for _, c := range svc.Characteristics {
			s.values[attrKey{char: c.UUID}] = append([]byte(nil), c.Value...)
			for _, d := range c.Descriptors {
				s.values[attrKey{char: c.UUID, desc: d.UUID}] = append([]byte(nil), d.Value...)
			}
		}
	}
	return s
}

// read returns the value from offset, or InvalidOffset past its end.
func (s *valueStore) read(k attrKey, offset int) ([]byte, peripheral.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[k]
	switch {
	case !ok:
		return nil, peripheral.StatusInvalidHandle
	case offset < 0 || offset > len(v):
		return nil, peripheral.StatusInvalidOffset
	}
	return append([]byte(nil), v[offset:]...), peripheral.StatusSuccess
}

// write replaces the value from offset onwards. An offset past the end is
// rejected.
func (s *valueStore) write(k attrKey, offset int, value []byte) peripheral.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[k]
	switch {
	case !ok:
		return peripheral.StatusInvalidHandle
	case offset < 0 || offset > len(v):
		return peripheral.StatusInvalidOffset
	}
	s.values[k] = append(v[:offset:offset], value...)
	return peripheral.StatusSuccess
}

func (s *valueStore) set(char gatt.UUID, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[attrKey{char: char}] = append([]byte(nil), value...)
}

// server answers requests from a value store. Services are registered and
// advertised once the radio is on, and advertising resumes whenever the
// radio comes back on.
type server struct {
	p        *peripheral.Peripheral
	profile  gatt.Profile
	store    *valueStore
	name     string
	services []gatt.UUID
	notify   gatt.UUID // default target for updates, zero if none
	log      *slog.Logger

	upMu sync.Mutex // serialises bringUp
	wg   sync.WaitGroup
	errs chan error
}

func newServer(p *peripheral.Peripheral, profile gatt.Profile, name string, services []gatt.UUID, log *slog.Logger) *server {
	s := &server{
		p:        p,
		profile:  profile,
		store:    newValueStore(profile),
		name:     name,
		services: services,
		log:      log,
		errs:     make(chan error, 1),
	}
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			if c.Properties.CanNotify() && s.notify.IsZero() {
				s.notify = c.UUID
			}
		}
	}
	return s
}

// setup brings the peripheral up if the radio is already on. Otherwise that
// happens on the first power-on event; some stacks (CoreBluetooth) ignore
// services added before then.
func (s *server) setup(ctx context.Context) error {
	if !s.p.IsPowered() {
		s.log.Info("[BLE] waiting for radio to power on", "state", s.p.State())
		return nil
	}
	return s.bringUp(ctx)
}

// bringUp registers the services not registered yet, then advertises. The
// radio going down meanwhile is not an error: the next power-on retries.
func (s *server) bringUp(ctx context.Context) error {
	s.upMu.Lock()
	defer s.upMu.Unlock()

	registered := s.p.Profile()
	for _, svc := range s.profile.Services {
		if _, ok := registered.Service(svc.UUID); ok {
			continue
		}
		if err := s.p.AddService(ctx, svc); err != nil {
			return s.poweredDown(err)
		}
	}
	err := s.p.StartAdvertising(ctx, s.name, s.services)
	if errors.Is(err, peripheral.ErrAlreadyAdvertising) {
		return nil
	}
	return s.poweredDown(err)
}

func (s *server) poweredDown(err error) error {
	if errors.Is(err, peripheral.ErrNotPoweredOn) {
		s.log.Info("[BLE] radio went down during setup, waiting for power on")
		return nil
	}
	return err
}

// bringUpAsync runs bringUp outside the event loop. Stacks that deliver
// their confirmations on the same queue as requests would otherwise block
// on a full event queue that only this loop drains.
func (s *server) bringUpAsync(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.bringUp(ctx); err != nil {
			select {
			case s.errs <- err:
			default:
			}
		}
	}()
}

// run handles events and update lines until ctx is done, the event stream
// ends, bring-up fails or lines is closed and drained. A nil lines channel
// is never ready.
func (s *server) run(ctx context.Context, lines <-chan string) error {
	defer s.wg.Wait()
	events := s.p.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.errs:
			return err
		case ev, ok := <-events:
			if !ok {
				return io.EOF
			}
			s.handle(ctx, ev)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if err := s.update(ctx, line); err != nil {
				s.log.Warn("[BLE] update failed", "error", err)
			}
		}
	}
}

func (s *server) handle(ctx context.Context, ev peripheral.Event) {
	switch ev := ev.(type) {
	case peripheral.PowerStateChanged:
		if ev.IsPowered() {
			s.bringUpAsync(ctx)
		}
	case peripheral.SubscriptionUpdate:
		s.log.Info("[BLE] subscription", "central", ev.Request.Central,
			"characteristic", ev.Request.Characteristic.ShortString(), "subscribed", ev.Subscribed)
	case peripheral.ReadRequest:
		value, status := s.store.read(keyOf(ev.Request), ev.Offset)
		s.log.Debug("[BLE] read", "request", ev.Request.String(), "offset", ev.Offset, "status", status)
		s.complete(ev.Responder, peripheral.Response{Status: status, Value: value})
	case peripheral.WriteRequest:
		status := s.store.write(keyOf(ev.Request), ev.Offset, ev.Value)
		s.log.Info("[BLE] write", "request", ev.Request.String(), "value", fmt.Sprintf("%q", ev.Value), "status", status)
		if !ev.WithoutResponse {
			s.complete(ev.Responder, peripheral.Response{Status: status})
		}
	}
}

func (s *server) complete(r *peripheral.Responder, resp peripheral.Response) {
	if err := r.Respond(resp); err != nil {
		s.log.Warn("[BLE] response not delivered", "request", r.Request().String(), "error", err)
	}
}

// update applies one input line: "uuid=text" targets a characteristic,
// anything else goes to the first notifying characteristic.
func (s *server) update(ctx context.Context, line string) error {
	target := s.notify
	text := line
	if id, rest, ok := strings.Cut(line, "="); ok {
		if u, err := gatt.ParseUUID(strings.TrimSpace(id)); err == nil {
			target, text = u, rest
		}
	}
	if target.IsZero() {
		return errors.New("no notifying characteristic configured")
	}
	s.store.set(target, []byte(text))
	return s.p.UpdateCharacteristic(ctx, target, []byte(text))
}
