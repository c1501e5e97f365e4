package ipaddresses

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"lukechampine.com/uint128"
)

func TestParseIPAddressGood(t *testing.T) {
	assert := assert.New(t)

	// Arrange
	ipAddr := "192.168.0.1"
	ipRef := uint128.From64(3232235521)

	// Act
	ipConverted, family, err := ParseIPAddress(ipAddr)

	// Assert
	assert.Nil(err)
	assert.Equal(IPv4, family)
	assert.Equal(ipRef, ipConverted)
}

func TestParseIPAddressIPv6(t *testing.T) {
	assert := assert.New(t)

	// Arrange
	ipAddr := "2001:db8::1"
	ipRef := uint128.New(1, 0x20010db800000000)

	// Act
	ipConverted, family, err := ParseIPAddress(ipAddr)

	// Assert
	assert.Nil(err)
	assert.Equal(IPv6, family)
	assert.Equal(ipRef, ipConverted)
}

func TestParseIPAddressMappedKeepsIPv6Value(t *testing.T) {
	assert := assert.New(t)

	ip, family, err := ParseIPAddress("::ffff:1.0.0.2")

	assert.Nil(err)
	assert.Equal(IPv6, family)
	assert.Equal(uint128.New(0xffff01000002, 0), ip)
}

func TestParseAddressMapped(t *testing.T) {
	assert := assert.New(t)

	// Act
	v4, err4 := ParseAddress("::ffff:1.0.0.2", IPv4)
	v6, err6 := ParseAddress("::ffff:1.0.0.2", IPv6)
	dec, errDec := ParseAddress("281470698520578", IPv6)

	// Assert
	assert.Nil(err4)
	assert.Equal(uint128.From64(16777218), v4)
	assert.Nil(err6)
	assert.Equal(uint128.From64(281470698520578), v6)
	assert.Nil(errDec)
	assert.Equal(v6, dec)

	_, err := ParseAddress("::1.0.0.2", IPv4)
	assert.True(errors.Is(err, ErrFamilyMismatch))
}

func TestParseIPAddressBad(t *testing.T) {
	assert := assert.New(t)

	bad := []string{
		"10.0.0.0/8",
		"256.256.256.256",
		"0.0.0.0.0",
		"O.O.O.O",
		"192.168.1",
		"fe80::1%eth0",
		"",
	}

	for _, ipAddr := range bad {
		_, _, err := ParseIPAddress(ipAddr)
		assert.Error(err, ipAddr)
	}
}

func TestParseAddressDecimal(t *testing.T) {
	assert := assert.New(t)

	ip, err := ParseAddress("16777471", IPv4)

	assert.Nil(err)
	assert.Equal(uint128.From64(16777471), ip)
}

func TestParseAddressWrongFamily(t *testing.T) {
	assert := assert.New(t)

	_, err := ParseAddress("2001:db8::1", IPv4)
	assert.True(errors.Is(err, ErrFamilyMismatch))

	_, err = ParseAddress("1.2.3.4", IPv6)
	assert.True(errors.Is(err, ErrFamilyMismatch))

	_, err = ParseAddress("4294967296", IPv4)
	assert.True(errors.Is(err, ErrFamilyMismatch))
}

func TestParseMark(t *testing.T) {
	assert := assert.New(t)

	ip, err := ParseMark("340282366920938463463374607431768211455", IPv6)
	assert.Nil(err)
	assert.Equal(uint128.Max, ip)

	_, err = ParseMark("340282366920938463463374607431768211456", IPv6)
	assert.Error(err)

	for _, bad := range []string{"", "-1", "12abc", "1.5", " 12", "0x10"} {
		_, err = ParseMark(bad, IPv4)
		assert.Error(err, bad)
	}
}

func TestParseCIDRGood(t *testing.T) {
	assert := assert.New(t)

	// Arrange
	cidr := "10.0.0.0/8"

	// Act
	first, last, family, err := ParseCIDR(cidr)

	// Assert
	assert.Nil(err)
	assert.Equal(IPv4, family)
	assert.Equal(uint128.From64(0x0a000000), first)
	assert.Equal(uint128.From64(0x0affffff), last)
}

func TestParseCIDRBad(t *testing.T) {
	assert := assert.New(t)

	for _, cidr := range []string{"10.0.0.0", "10.0.0.0/16/8", "10.0.0.0/42", "10.0.0.0/eight", "10/8"} {
		_, _, _, err := ParseCIDR(cidr)
		assert.Error(err, cidr)
	}
}

func TestToString(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("1.2.3.4", ToString(uint128.From64(0x01020304), IPv4))
	assert.Equal("0.0.0.0", ToString(uint128.Zero, IPv4))
	assert.Equal("::", ToString(uint128.Zero, IPv6))
	assert.Equal("2001:db8::1", ToString(uint128.New(1, 0x20010db800000000), IPv6))
}

func TestRangePrefixes(t *testing.T) {
	assert := assert.New(t)

	// 1.0.0.2 - 1.0.0.255
	prefixes := RangePrefixes(uint128.From64(16777218), uint128.From64(16777471), IPv4)

	var got []string
	for _, p := range prefixes {
		got = append(got, p.String())
	}
	assert.Equal([]string{"1.0.0.2/31", "1.0.0.4/30", "1.0.0.8/29", "1.0.0.16/28", "1.0.0.32/27", "1.0.0.64/26", "1.0.0.128/25"}, got)
}

func TestSpanningPrefix(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("1.0.0.0/24", SpanningPrefix(uint128.From64(16777218), uint128.From64(16777471), IPv4).String())
	assert.Equal("1.0.0.1/32", SpanningPrefix(uint128.From64(16777217), uint128.From64(16777217), IPv4).String())
	assert.Equal("::/0", SpanningPrefix(uint128.Zero, uint128.Max, IPv6).String())
}

func TestFamily(t *testing.T) {
	assert := assert.New(t)

	f, err := ParseFamily("IPv6")
	assert.Nil(err)
	assert.Equal(IPv6, f)

	_, err = ParseFamily("ipx")
	assert.Error(err)

	assert.Equal(uint128.From64(0xffffffff), IPv4.MaxAddress())
	assert.Equal(uint128.Max, IPv6.MaxAddress())
	assert.False(IPv4.Contains(uint128.From64(1 << 32)))
	assert.Equal(4, IPv4.Bytes())
}
