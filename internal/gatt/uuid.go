// Package gatt describes a GATT profile independently of any Bluetooth stack:
// attribute identifiers, services, characteristics, descriptors and their
// property and permission sets.
package gatt

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidFormat is returned when textual or byte input cannot be turned
// into an attribute identifier.
var ErrInvalidFormat = errors.New("gatt: invalid UUID format")

// UUID is a 128-bit attribute identifier. Short 16-bit and 32-bit forms are
// always stored expanded over the Bluetooth base UUID, so == compares the
// expanded values and a UUID can be used as a map key.
type UUID [16]byte

// baseUUID is 00000000-0000-1000-8000-00805f9b34fb.
var baseUUID = UUID{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00,
	0x80, 0x00, 0x00, 0x80, 0x5f, 0x9b, 0x34, 0xfb,
}

// UUID16 expands a 16-bit assigned number.
func UUID16(v uint16) UUID {
	return UUID32(uint32(v))
}

// UUID32 expands a 32-bit assigned number.
func UUID32(v uint32) UUID {
	u := baseUUID
	binary.BigEndian.PutUint32(u[:4], v)
	return u
}

// FromBytes wraps a 128-bit value given in big-endian (network) order.
func FromBytes(b [16]byte) UUID {
	return UUID(b)
}

// FromSlice accepts a 2, 4 or 16 byte big-endian value.
func FromSlice(b []byte) (UUID, error) {
	switch len(b) {
	case 2:
		return UUID16(binary.BigEndian.Uint16(b)), nil
	case 4:
		return UUID32(binary.BigEndian.Uint32(b)), nil
	case 16:
		var u UUID
		copy(u[:], b)
		return u, nil
	}
	return UUID{}, fmt.Errorf("%w: %d bytes", ErrInvalidFormat, len(b))
}

// ParseUUID parses a 16-bit ("180d", "0x180D"), 32-bit ("0000180d") or full
// 128-bit identifier in any form accepted by github.com/google/uuid.
func ParseUUID(s string) (UUID, error) {
	t := strings.TrimSpace(s)
	short := strings.TrimPrefix(strings.TrimPrefix(t, "0x"), "0X")
	switch len(short) {
	case 4, 8:
		b, err := hex.DecodeString(short)
		if err != nil {
			return UUID{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
		}
		return FromSlice(b)
	}
	u, err := uuid.Parse(t)
	if err != nil {
		return UUID{}, fmt.Errorf("%w: %q: %v", ErrInvalidFormat, s, err)
	}
	return UUID(u), nil
}

// MustParseUUID is like ParseUUID but panics on malformed input. Intended
// for package-level constants.
func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// IsZero reports whether u is the all-zero value.
func (u UUID) IsZero() bool {
	return u == UUID{}
}

// Is32Bit reports whether u lies in the Bluetooth base range, i.e. it has a
// 32-bit short form.
func (u UUID) Is32Bit() bool {
	return [12]byte(u[4:]) == [12]byte(baseUUID[4:])
}

// Is16Bit reports whether u has a 16-bit short form.
func (u UUID) Is16Bit() bool {
	return u.Is32Bit() && u[0] == 0 && u[1] == 0
}

// Uint32 returns the 32-bit short value. Only meaningful when Is32Bit is true.
func (u UUID) Uint32() uint32 {
	return binary.BigEndian.Uint32(u[:4])
}

// Uint16 returns the 16-bit short value. Only meaningful when Is16Bit is true.
func (u UUID) Uint16() uint16 {
	return uint16(u.Uint32())
}

// Bytes returns the big-endian 128-bit value.
func (u UUID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, u[:])
	return b
}

// String returns the lowercase canonical 36-character form.
func (u UUID) String() string {
	return uuid.UUID(u).String()
}

// ShortString returns the 4 or 8 hex digit form when one exists and the
// canonical form otherwise.
func (u UUID) ShortString() string {
	switch {
	case u.Is16Bit():
		return fmt.Sprintf("%04x", u.Uint16())
	case u.Is32Bit():
		return fmt.Sprintf("%08x", u.Uint32())
	}
	return u.String()
}

// MarshalText implements encoding.TextMarshaler.
func (u UUID) MarshalText() ([]byte, error) {
	return []byte(u.ShortString()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *UUID) UnmarshalText(b []byte) error {
	v, err := ParseUUID(string(b))
	if err != nil {
		return err
	}
	*u = v
	return nil
}
