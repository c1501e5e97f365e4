package rangeindex

import (
	"errors"
	"sync"
	"testing"

	"ipindex/ipaddresses"
	"ipindex/testutils"

	"github.com/stretchr/testify/assert"
	"lukechampine.com/uint128"
)

func TestIndexLookup(t *testing.T) {
	assert := assert.New(t)

	// Arrange
	idx, _ := buildTestGeoIndex(t)

	// Act
	third := idx.Lookup(u(16777471))
	fourth := idx.Lookup(u(16777472))

	// Assert
	assert.True(third.Found)
	assert.Equal("AU", third.Attributes.Value("country"))
	assert.Equal(u(16777218), third.Start)
	assert.Equal("1.0.0.2", third.StartAddr())
	assert.Equal("1.0.0.255", third.EndAddr())

	assert.True(fourth.Found)
	assert.Equal("CN", fourth.Attributes.Value("country"))
	assert.Equal("US", idx.Lookup(u(16777217)).Attributes.Value("country"))
	assert.Equal("CN", idx.Lookup(ipaddresses.IPv4.MaxAddress()).Attributes.Value("country"))
}

func TestIndexLookupEveryAddressOfEveryRange(t *testing.T) {
	assert := assert.New(t)

	idx, _ := buildTestGeoIndex(t)

	idx.Each(func(r Record) bool {
		for _, ip := range []uint128.Uint128{r.Start, r.End} {
			res := idx.Lookup(ip)
			assert.True(res.Found)
			assert.True(r.Attributes.Equal(res.Attributes))
			assert.Equal(r.Start, res.Start)
		}
		return true
	})

	// Every address in the small third range.
	for ip := uint64(16777218); ip <= 16777471; ip++ {
		assert.Equal("AU", idx.Lookup(u(ip)).Attributes.Value("country"))
	}
}

func TestIndexLookupBelowFirstRange(t *testing.T) {
	assert := assert.New(t)

	idx, _ := buildTestGeoIndex(t)

	miss := idx.Lookup(u(16777215))
	zero := idx.Lookup(uint128.Zero)

	assert.False(miss.Found)
	assert.False(miss.Malformed)
	assert.Equal(Unknown, miss.Attributes.Value("country"))
	assert.Equal("", miss.StartAddr())
	assert.Nil(miss.Prefixes())
	assert.False(zero.Found)
}

func TestIndexLookupString(t *testing.T) {
	assert := assert.New(t)

	idx, _ := buildTestGeoIndex(t)

	assert.Equal("AU", idx.LookupString("1.0.0.200").Attributes.Value("country"))
	assert.Equal("AU", idx.LookupString("16777471").Attributes.Value("country"))
	assert.Equal("CN", idx.LookupString(" 1.0.1.0 ").Attributes.Value("country"))

	for _, bad := range []string{"bogus", "1.0.0", "2001:db8::1", "4294967296", ""} {
		res := idx.LookupString(bad)
		assert.False(res.Found, bad)
		assert.True(res.Malformed, bad)
		assert.Equal(Unknown, res.Attributes.Value("country"), bad)
	}
}

func TestIndexLookupStringIPv4Mapped(t *testing.T) {
	assert := assert.New(t)

	// Arrange
	mapped, _, err := ipaddresses.ParseIPAddress("::ffff:0.0.0.0")
	assert.Nil(err)
	beyond, _, err := ipaddresses.ParseIPAddress("::1:0:0:0")
	assert.Nil(err)

	b := NewMarkBuilder(testutils.NewTestLogger(t), ipaddresses.IPv6)
	assert.Nil(b.Add(uint128.Zero, countrySchema.New("LOW")))
	assert.Nil(b.Add(mapped, countrySchema.New("MAPPED")))
	assert.Nil(b.Add(beyond, countrySchema.New("HIGH")))
	v6, _ := b.Build()
	v4, _ := buildTestGeoIndex(t)

	// Act
	colon := v6.LookupString("::ffff:1.2.3.4")
	decimal := v6.LookupString("281470698652420")
	onV4 := v4.LookupString("::ffff:1.0.0.200")

	// Assert
	assert.True(colon.Found)
	assert.False(colon.Malformed)
	assert.Equal("MAPPED", colon.Attributes.Value("country"))
	assert.Equal(decimal, colon)

	assert.True(onV4.Found)
	assert.Equal("AU", onV4.Attributes.Value("country"))
	assert.True(v4.LookupString("::1.0.0.200").Malformed)
}

func TestIndexLookupIsIdempotent(t *testing.T) {
	assert := assert.New(t)

	idx, _ := buildTestGeoIndex(t)

	for _, addr := range []string{"1.0.0.0", "1.0.0.1", "1.0.0.77", "9.9.9.9", "0.0.0.1", "junk"} {
		assert.Equal(idx.LookupString(addr), idx.LookupString(addr))
	}
}

func TestIndexConcurrentLookups(t *testing.T) {
	assert := assert.New(t)

	idx, _ := buildTestGeoIndex(t)

	var wg sync.WaitGroup
	results := make([]string, 64)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = idx.Lookup(u(16777218 + uint64(i))).Attributes.Value("country")
		}(i)
	}
	wg.Wait()

	for _, c := range results {
		assert.Equal("AU", c)
	}
}

func TestIndexEmpty(t *testing.T) {
	assert := assert.New(t)

	idx, stats := NewMarkBuilder(testutils.NewTestLogger(t), ipaddresses.IPv4).Build()

	assert.Zero(stats.Records)
	assert.Zero(idx.Len())
	assert.False(idx.Lookup(u(1)).Found)
	assert.False(idx.LookupString("1.2.3.4").Found)
}

func TestResultPrefixes(t *testing.T) {
	assert := assert.New(t)

	idx, _ := buildTestGeoIndex(t)

	res := idx.LookupString("1.0.0.9")

	assert.Len(res.Prefixes(), 7)
	assert.Equal("1.0.0.2/31", res.Prefixes()[0].String())
	assert.Equal("1.0.0.0/24", res.SpanningPrefix().String())
}

func TestIndexEachSegment(t *testing.T) {
	assert := assert.New(t)

	b := NewNetblockBuilder(testutils.NewTestLogger(t), ipaddresses.IPv4)
	b.AddRange(u(0), u(99), countrySchema.New("A"))
	b.AddRange(u(10), u(19), countrySchema.New("B"))
	idx, _ := b.Build()

	var got []string
	idx.EachSegment(func(r Record) bool {
		got = append(got, r.Attributes.Value("country")+":"+r.Start.String()+"-"+r.End.String())
		return true
	})

	assert.Equal([]string{"A:0-9", "B:10-19", "A:20-99"}, got)
}

func TestConcatPartitions(t *testing.T) {
	assert := assert.New(t)

	// Arrange
	logger := testutils.NewTestLogger(t)
	first := NewMarkBuilder(logger, ipaddresses.IPv4)
	first.Add(u(16777216), countrySchema.New("AU"))
	first.Add(u(16777217), countrySchema.New("US"))
	left, _ := first.BuildBefore(u(16777218))

	second := NewMarkBuilder(logger, ipaddresses.IPv4)
	second.Add(u(16777218), countrySchema.New("AU"))
	second.Add(u(16777472), countrySchema.New("CN"))
	right, _ := second.Build()

	whole, _ := buildTestGeoIndex(t)

	// Act
	merged, err := Concat(left, right)

	// Assert
	assert.Nil(err)
	assert.Equal(4, merged.Len())
	for _, ip := range []uint64{16777215, 16777216, 16777217, 16777218, 16777471, 16777472, 0xffffffff} {
		assert.Equal(whole.Lookup(u(ip)), merged.Lookup(u(ip)), ip)
	}
}

func TestConcatRejectsOverlapAndMixedFamilies(t *testing.T) {
	assert := assert.New(t)

	logger := testutils.NewTestLogger(t)
	a := NewMarkBuilder(logger, ipaddresses.IPv4)
	a.Add(u(0), countrySchema.New("A"))
	left, _ := a.Build()

	b := NewMarkBuilder(logger, ipaddresses.IPv4)
	b.Add(u(10), countrySchema.New("B"))
	right, _ := b.Build()

	_, err := Concat(left, right)
	assert.True(errors.Is(err, ErrOverlappingPartitions))

	c := NewMarkBuilder(logger, ipaddresses.IPv6)
	c.Add(u(10), countrySchema.New("C"))
	v6, _ := c.Build()

	_, err = Concat(right, v6)
	assert.True(errors.Is(err, ErrAddressFamilyMismatch))

	_, err = Concat()
	assert.Error(err)
}

func TestAttributes(t *testing.T) {
	assert := assert.New(t)

	schema := NewSchema("country", "lat", "lng")
	attrs := schema.New("AU", "-27.47923")

	assert.Equal(3, attrs.Len())
	assert.Equal([]string{"country", "lat", "lng"}, attrs.Keys())
	assert.Equal(map[string]string{"country": "AU", "lat": "-27.47923", "lng": ""}, attrs.Map())

	assert.Equal("-27.47923", attrs.Value("lat"))
	assert.Equal("", attrs.Value("lng"))
	_, ok := attrs.Get("city")
	assert.False(ok)

	assert.Equal("country=AU lat=-27.47923 lng=", attrs.String())
	assert.True(attrs.Equal(NewSchema("country", "lat", "lng").New("AU", "-27.47923")))
	assert.False(attrs.Equal(schema.New("US")))
	assert.False(attrs.Equal(schema.Unknown()))
}
