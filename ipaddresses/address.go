package ipaddresses

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"go4.org/netipx"
	"lukechampine.com/uint128"
)

const errInvalidIPAddrFmt = "invalid IP address: %s"
const errInvalidCIDRFmt = "invalid CIDR Notation: %s"
const errInvalidMarkFmt = "invalid address mark: %q"

// ErrFamilyMismatch is returned when an address is valid but belongs to the other family.
var ErrFamilyMismatch = errors.New("address family mismatch")

// ParseIPAddress converts an address in dotted-quad or colon-hex notation
// to its numeric value and reports which family it belongs to.
// IPv4-mapped IPv6 addresses keep their 128-bit value.
func ParseIPAddress(ipAddr string) (ip uint128.Uint128, family Family, err error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ipAddr))
	if err != nil || addr.Zone() != "" {
		err = fmt.Errorf(errInvalidIPAddrFmt, ipAddr)
		return
	}

	ip, family = FromAddr(addr)
	return
}

// ParseAddress parses an address for a given family. Besides the textual
// notations it accepts the unsigned decimal form used by the dataset marks.
// An IPv4-mapped IPv6 address is accepted for IPv4 as the embedded address.
func ParseAddress(s string, family Family) (ip uint128.Uint128, err error) {
	s = strings.TrimSpace(s)
	if isDecimal(s) {
		return ParseMark(s, family)
	}

	ip, f, err := ParseIPAddress(s)
	if err != nil {
		return
	}
	if family == IPv4 && f == IPv6 && isIPv4Mapped(ip) {
		ip, f = uint128.From64(ip.Lo&0xffffffff), IPv4
	}
	if f != family {
		err = fmt.Errorf("%w: %s is not %s", ErrFamilyMismatch, s, family)
	}
	return
}

// ParseMark parses the unsigned decimal start marker of a dataset row.
func ParseMark(mark string, family Family) (ip uint128.Uint128, err error) {
	if !isDecimal(mark) {
		err = fmt.Errorf(errInvalidMarkFmt, mark)
		return
	}

	ip, err = uint128.FromString(mark)
	if err != nil {
		err = fmt.Errorf(errInvalidMarkFmt, mark)
		return
	}

	if !family.Contains(ip) {
		err = fmt.Errorf("%w: mark %s exceeds the %s address space", ErrFamilyMismatch, mark, family)
	}
	return
}

// FromAddr converts a netip.Addr to its numeric value.
func FromAddr(addr netip.Addr) (ip uint128.Uint128, family Family) {
	if addr.Is4() {
		b := addr.As4()
		return uint128.From64(uint64(binary.BigEndian.Uint32(b[:]))), IPv4
	}
	b := addr.As16()
	return uint128.FromBytesBE(b[:]), IPv6
}

// ToAddr converts a numeric address back to a netip.Addr.
func ToAddr(ip uint128.Uint128, family Family) netip.Addr {
	if family == IPv4 {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(ip.Lo))
		return netip.AddrFrom4(b)
	}
	var b [16]byte
	ip.PutBytesBE(b[:])
	return netip.AddrFrom16(b)
}

// ToString converts a numeric address into its conventional notation.
func ToString(ip uint128.Uint128, family Family) string {
	return ToAddr(ip, family).String()
}

// ParseCIDR converts a CIDR notation into the first and last numeric
// addresses of the block.
func ParseCIDR(cidr string) (first uint128.Uint128, last uint128.Uint128, family Family, err error) {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
	if err != nil {
		err = fmt.Errorf(errInvalidCIDRFmt, cidr)
		return
	}

	r := netipx.RangeOfPrefix(prefix.Masked())
	first, family = FromAddr(r.From())
	last, _ = FromAddr(r.To())
	return
}

// RangePrefixes returns the minimal list of CIDR blocks covering [start, end].
func RangePrefixes(start, end uint128.Uint128, family Family) []netip.Prefix {
	return netipx.IPRangeFrom(ToAddr(start, family), ToAddr(end, family)).Prefixes()
}

// SpanningPrefix returns the smallest single CIDR block containing both start and end.
func SpanningPrefix(start, end uint128.Uint128, family Family) netip.Prefix {
	common := family.Bits() - start.Xor(end).Len()
	p, _ := ToAddr(start, family).Prefix(common)
	return p
}

// isIPv4Mapped reports whether ip is in ::ffff:0:0/96.
func isIPv4Mapped(ip uint128.Uint128) bool {
	return ip.Hi == 0 && ip.Lo>>32 == 0xffff
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
