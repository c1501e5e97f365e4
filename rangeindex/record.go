package rangeindex

import (
	"net/netip"

	"ipindex/ipaddresses"

	"lukechampine.com/uint128"
)

// Record is one contiguous span of addresses and the attributes that apply to all of it.
// End is inclusive.
type Record struct {
	Start      uint128.Uint128
	End        uint128.Uint128
	Attributes Attributes
}

// Width is End - Start. A single-address range has width zero.
func (r Record) Width() uint128.Uint128 {
	return r.End.Sub(r.Start)
}

// Contains reports whether ip lies in [Start, End].
func (r Record) Contains(ip uint128.Uint128) bool {
	return r.Start.Cmp(ip) <= 0 && ip.Cmp(r.End) <= 0
}

// Result is the answer to a point query.
// A miss carries Unknown attributes and Found == false. Malformed is set
// when the queried address could not be parsed for the index's family.
type Result struct {
	Record
	Family    ipaddresses.Family
	Found     bool
	Malformed bool
}

// StartAddr is the first address of the matched range in conventional notation.
func (r Result) StartAddr() string {
	if !r.Found {
		return ""
	}
	return ipaddresses.ToString(r.Start, r.Family)
}

// EndAddr is the last address of the matched range in conventional notation.
func (r Result) EndAddr() string {
	if !r.Found {
		return ""
	}
	return ipaddresses.ToString(r.End, r.Family)
}

// Prefixes lists the CIDR blocks exactly covering the matched range.
func (r Result) Prefixes() []netip.Prefix {
	if !r.Found {
		return nil
	}
	return ipaddresses.RangePrefixes(r.Start, r.End, r.Family)
}

// SpanningPrefix is the smallest CIDR block containing the matched range.
func (r Result) SpanningPrefix() netip.Prefix {
	if !r.Found {
		return netip.Prefix{}
	}
	return ipaddresses.SpanningPrefix(r.Start, r.End, r.Family)
}
