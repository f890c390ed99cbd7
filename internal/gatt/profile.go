package gatt

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrDuplicateIdentifier is returned when two attributes at the same level
// of a profile share an identifier.
var ErrDuplicateIdentifier = errors.New("gatt: duplicate identifier")

// Properties is the set of GATT characteristic properties.
type Properties uint16

const (
	PropBroadcast Properties = 1 << iota
	PropRead
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
	PropAuthenticatedSignedWrites
	PropExtendedProperties
	PropNotifyEncryptionRequired
	PropIndicateEncryptionRequired
)

var propertyNames = []struct {
	p    Properties
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteWithoutResponse, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropAuthenticatedSignedWrites, "authenticated-signed-writes"},
	{PropExtendedProperties, "extended-properties"},
	{PropNotifyEncryptionRequired, "notify-encryption-required"},
	{PropIndicateEncryptionRequired, "indicate-encryption-required"},
}

// Has reports whether every property in q is set.
func (p Properties) Has(q Properties) bool {
	return p&q == q
}

// CanNotify reports whether the characteristic supports any kind of
// server-initiated value push.
func (p Properties) CanNotify() bool {
	return p&(PropNotify|PropIndicate|PropNotifyEncryptionRequired|PropIndicateEncryptionRequired) != 0
}

// Names returns the configuration names of the set properties.
func (p Properties) Names() []string {
	var names []string
	for _, pn := range propertyNames {
		if p.Has(pn.p) {
			names = append(names, pn.name)
		}
	}
	return names
}

func (p Properties) String() string {
	return strings.Join(p.Names(), "|")
}

// ParseProperty maps a configuration name such as "read" or
// "write-without-response" to its property.
func ParseProperty(name string) (Properties, error) {
	n := normalizeName(name)
	for _, pn := range propertyNames {
		if pn.name == n {
			return pn.p, nil
		}
	}
	return 0, fmt.Errorf("gatt: unknown property %q", name)
}

// Permissions is the set of attribute access permissions.
type Permissions uint8

const (
	PermReadable Permissions = 1 << iota
	PermWriteable
	PermReadEncryptionRequired
	PermWriteEncryptionRequired
)

var permissionNames = []struct {
	p    Permissions
	name string
}{
	{PermReadable, "readable"},
	{PermWriteable, "writeable"},
	{PermReadEncryptionRequired, "read-encryption-required"},
	{PermWriteEncryptionRequired, "write-encryption-required"},
}

// Has reports whether every permission in q is set.
func (p Permissions) Has(q Permissions) bool {
	return p&q == q
}

// Names returns the configuration names of the set permissions.
func (p Permissions) Names() []string {
	var names []string
	for _, pn := range permissionNames {
		if p.Has(pn.p) {
			names = append(names, pn.name)
		}
	}
	return names
}

func (p Permissions) String() string {
	return strings.Join(p.Names(), "|")
}

// ParsePermission maps a configuration name such as "readable" to its
// permission. "writable" is accepted as an alias.
func ParsePermission(name string) (Permissions, error) {
	n := normalizeName(name)
	if n == "writable" {
		n = "writeable"
	}
	for _, pn := range permissionNames {
		if pn.name == n {
			return pn.p, nil
		}
	}
	return 0, fmt.Errorf("gatt: unknown permission %q", name)
}

func normalizeName(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
}

// Descriptor is a characteristic descriptor.
type Descriptor struct {
	UUID        UUID
	Permissions Permissions
	Value       []byte
}

// NewDescriptor returns a readable descriptor with a static value.
func NewDescriptor(id UUID, value []byte) Descriptor {
	return Descriptor{UUID: id, Permissions: PermReadable, Value: value}
}

// Characteristic is a GATT characteristic and its descriptors.
type Characteristic struct {
	UUID        UUID
	Properties  Properties
	Permissions Permissions
	Value       []byte
	Descriptors []Descriptor
}

// NewCharacteristic returns a characteristic whose permissions follow from
// its properties: readable when readable, writeable when writable.
func NewCharacteristic(id UUID, props Properties) Characteristic {
	var perms Permissions
	if props.Has(PropRead) {
		perms |= PermReadable
	}
	if props&(PropWrite|PropWriteWithoutResponse|PropAuthenticatedSignedWrites) != 0 {
		perms |= PermWriteable
	}
	return Characteristic{UUID: id, Properties: props, Permissions: perms}
}

// Descriptor looks up a descriptor by identifier.
func (c *Characteristic) Descriptor(id UUID) (*Descriptor, bool) {
	for i := range c.Descriptors {
		if c.Descriptors[i].UUID == id {
			return &c.Descriptors[i], true
		}
	}
	return nil, false
}

// Validate checks the characteristic's descriptors for duplicates.
func (c *Characteristic) Validate() error {
	if c.UUID.IsZero() {
		return fmt.Errorf("%w: characteristic has no identifier", ErrInvalidFormat)
	}
	seen := make(map[UUID]struct{}, len(c.Descriptors))
	for _, d := range c.Descriptors {
		if d.UUID.IsZero() {
			return fmt.Errorf("%w: descriptor of %s has no identifier", ErrInvalidFormat, c.UUID)
		}
		if _, ok := seen[d.UUID]; ok {
			return fmt.Errorf("%w: descriptor %s in characteristic %s", ErrDuplicateIdentifier, d.UUID, c.UUID)
		}
		seen[d.UUID] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy.
func (c Characteristic) Clone() Characteristic {
	c.Value = slices.Clone(c.Value)
	descs := make([]Descriptor, len(c.Descriptors))
	for i, d := range c.Descriptors {
		d.Value = slices.Clone(d.Value)
		descs[i] = d
	}
	c.Descriptors = descs
	return c
}

// Service is a GATT service.
type Service struct {
	UUID            UUID
	Primary         bool
	Characteristics []Characteristic
}

// NewService returns an empty primary service.
func NewService(id UUID, chars ...Characteristic) Service {
	return Service{UUID: id, Primary: true, Characteristics: chars}
}

// Characteristic looks up a characteristic by identifier.
func (s *Service) Characteristic(id UUID) (*Characteristic, bool) {
	for i := range s.Characteristics {
		if s.Characteristics[i].UUID == id {
			return &s.Characteristics[i], true
		}
	}
	return nil, false
}

// Validate checks that characteristic identifiers are unique within the
// service and that each characteristic is itself valid.
func (s *Service) Validate() error {
	if s.UUID.IsZero() {
		return fmt.Errorf("%w: service has no identifier", ErrInvalidFormat)
	}
	seen := make(map[UUID]struct{}, len(s.Characteristics))
	for i := range s.Characteristics {
		c := &s.Characteristics[i]
		if _, ok := seen[c.UUID]; ok {
			return fmt.Errorf("%w: characteristic %s in service %s", ErrDuplicateIdentifier, c.UUID, s.UUID)
		}
		seen[c.UUID] = struct{}{}
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy.
func (s Service) Clone() Service {
	chars := make([]Characteristic, len(s.Characteristics))
	for i, c := range s.Characteristics {
		chars[i] = c.Clone()
	}
	s.Characteristics = chars
	return s
}

// Profile is the set of services a peripheral exposes, in registration order.
type Profile struct {
	Services []Service
}

// Service looks up a service by identifier.
func (p *Profile) Service(id UUID) (*Service, bool) {
	for i := range p.Services {
		if p.Services[i].UUID == id {
			return &p.Services[i], true
		}
	}
	return nil, false
}

// Characteristic finds the first characteristic with the given identifier
// and its owning service.
func (p *Profile) Characteristic(id UUID) (*Service, *Characteristic, bool) {
	for i := range p.Services {
		if c, ok := p.Services[i].Characteristic(id); ok {
			return &p.Services[i], c, true
		}
	}
	return nil, nil, false
}

// Validate checks service identifier uniqueness and every service.
func (p *Profile) Validate() error {
	seen := make(map[UUID]struct{}, len(p.Services))
	for i := range p.Services {
		s := &p.Services[i]
		if _, ok := seen[s.UUID]; ok {
			return fmt.Errorf("%w: service %s", ErrDuplicateIdentifier, s.UUID)
		}
		seen[s.UUID] = struct{}{}
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// With returns a new profile with svc appended. p is left untouched, so a
// failed registration never leaves a partial service behind.
func (p Profile) With(svc Service) (Profile, error) {
	if err := svc.Validate(); err != nil {
		return p, err
	}
	if _, ok := p.Service(svc.UUID); ok {
		return p, fmt.Errorf("%w: service %s", ErrDuplicateIdentifier, svc.UUID)
	}
	services := make([]Service, 0, len(p.Services)+1)
	services = append(services, p.Services...)
	services = append(services, svc.Clone())
	return Profile{Services: services}, nil
}

// Clone returns a deep copy.
func (p Profile) Clone() Profile {
	services := make([]Service, len(p.Services))
	for i, s := range p.Services {
		services[i] = s.Clone()
	}
	return Profile{Services: services}
}
