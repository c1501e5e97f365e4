package ipaddresses

import (
	"net/netip"
	"strings"
)

// Blocks from the IANA IPv4 and IPv6 Special-Purpose Address Registries.
// Vendor datasets do not carry records for these, so a miss on one of them is expected.
var specialPurposeBlocks = mustParsePrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.31.196.0/24",
	"192.52.193.0/24",
	"192.88.99.0/24",
	"192.168.0.0/16",
	"192.175.48.0/24",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"240.0.0.0/4",
	"255.255.255.255/32",
	"::/128",
	"::1/128",
	"::ffff:0:0/96",
	"64:ff9b::/96",
	"64:ff9b:1::/48",
	"100::/64",
	"2001::/23",
	"2001:db8::/32",
	"2002::/16",
	"fc00::/7",
	"fe80::/10",
)

// IsSpecialPurposeAddress reports whether ipAddr lies in an IANA special-purpose block.
func IsSpecialPurposeAddress(ipAddr string) (special bool, err error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ipAddr))
	if err != nil {
		return
	}

	for _, p := range specialPurposeBlocks {
		if p.Contains(addr) {
			special = true
			return
		}
	}
	return
}

func mustParsePrefixes(cidrs ...string) (prefixes []netip.Prefix) {
	for _, c := range cidrs {
		prefixes = append(prefixes, netip.MustParsePrefix(c))
	}
	return
}
