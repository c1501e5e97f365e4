package ipaddresses

import (
	"fmt"
	"strings"

	"lukechampine.com/uint128"
)

// Family is an IP address family. Ranges and indexes never mix families.
type Family uint8

// Supported address families.
const (
	IPv4 Family = 4
	IPv6 Family = 6
)

var maxIPv4 = uint128.From64(0xffffffff)

// ParseFamily accepts "4", "6", "ipv4" and "ipv6" in any case.
func ParseFamily(s string) (f Family, err error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "4", "ipv4", "v4":
		f = IPv4
	case "6", "ipv6", "v6":
		f = IPv6
	default:
		err = fmt.Errorf("invalid address family: %q", s)
	}
	return
}

// Valid reports whether f is IPv4 or IPv6.
func (f Family) Valid() bool {
	return f == IPv4 || f == IPv6
}

// Bits is the width of the family's address space.
func (f Family) Bits() int {
	if f == IPv4 {
		return 32
	}
	return 128
}

// Bytes is the number of bytes an address of this family occupies on the wire.
func (f Family) Bytes() int {
	return f.Bits() / 8
}

// MaxAddress is the largest address representable in the family.
func (f Family) MaxAddress() uint128.Uint128 {
	if f == IPv4 {
		return maxIPv4
	}
	return uint128.Max
}

// Contains reports whether v fits in the family's bit width.
func (f Family) Contains(v uint128.Uint128) bool {
	return v.Cmp(f.MaxAddress()) <= 0
}

func (f Family) String() string {
	switch f {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	}
	return fmt.Sprintf("Family(%d)", uint8(f))
}
