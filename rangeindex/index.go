package rangeindex

import (
	"errors"
	"fmt"
	"sort"

	"ipindex/ipaddresses"

	"github.com/google/btree"
	"lukechampine.com/uint128"
)

// Index maps every covered address of one family to exactly one Record.
//
// Records are flattened into sorted, non-overlapping segments, each owned by
// the narrowest record covering it. A lookup is a binary search over the
// segment starts. An Index is never modified after construction and is safe
// for concurrent use.
type Index struct {
	family  ipaddresses.Family
	records []Record
	starts  []uint128.Uint128
	ends    []uint128.Uint128
	owners  []uint32
	unknown Attributes
}

// newIndex flattens records, which must be sorted by Start.
func newIndex(family ipaddresses.Family, records []Record) *Index {
	idx := &Index{family: family, records: records}
	idx.flatten()
	idx.setUnknown()
	return idx
}

// Family is the address family the index was built for.
func (idx *Index) Family() ipaddresses.Family {
	return idx.family
}

// Len is the number of records.
func (idx *Index) Len() int {
	return len(idx.records)
}

// Segments is the number of non-overlapping segments searched by Lookup.
func (idx *Index) Segments() int {
	return len(idx.starts)
}

// Record returns the i-th record in start order.
func (idx *Index) Record(i int) Record {
	return idx.records[i]
}

// Each calls fn for every record in start order until fn returns false.
func (idx *Index) Each(fn func(Record) bool) {
	for _, r := range idx.records {
		if !fn(r) {
			return
		}
	}
}

// EachSegment calls fn for every segment in address order until fn returns false.
// The record passed is the segment's owner with Start and End narrowed to the segment.
func (idx *Index) EachSegment(fn func(Record) bool) {
	idx.EachSpan(func(start, end uint128.Uint128, owner Record) bool {
		owner.Start, owner.End = start, end
		return fn(owner)
	})
}

// EachSpan is like EachSegment but passes the owning record unchanged.
func (idx *Index) EachSpan(fn func(start, end uint128.Uint128, owner Record) bool) {
	for i := range idx.starts {
		if !fn(idx.starts[i], idx.ends[i], idx.records[idx.owners[i]]) {
			return
		}
	}
}

// Lookup returns the record containing ip, or the not-found result.
func (idx *Index) Lookup(ip uint128.Uint128) Result {
	i := sort.Search(len(idx.starts), func(i int) bool {
		return idx.starts[i].Cmp(ip) > 0
	}) - 1

	if i < 0 || ip.Cmp(idx.ends[i]) > 0 {
		return idx.NotFound()
	}

	return Result{Record: idx.records[idx.owners[i]], Family: idx.family, Found: true}
}

// LookupString parses addr for the index's family and looks it up.
// Unparseable addresses and addresses of the other family resolve to the
// not-found result with Malformed set; they never cause an error.
func (idx *Index) LookupString(addr string) Result {
	ip, err := ipaddresses.ParseAddress(addr, idx.family)
	if err != nil {
		r := idx.NotFound()
		r.Malformed = true
		return r
	}
	return idx.Lookup(ip)
}

// NotFound is the result returned for uncovered addresses: every attribute
// of the index's schema set to Unknown and Found unset.
func (idx *Index) NotFound() Result {
	return Result{Record: Record{Attributes: idx.unknown}, Family: idx.family}
}

func (idx *Index) setUnknown() {
	schema := NewSchema()
	if len(idx.records) > 0 && idx.records[0].Attributes.schema != nil {
		schema = idx.records[0].Attributes.schema
	}
	idx.unknown = schema.Unknown()
}

type activeByWidth struct {
	width uint128.Uint128
	owner int
}

func (a activeByWidth) Less(than btree.Item) bool {
	o := than.(activeByWidth)
	if c := a.width.Cmp(o.width); c != 0 {
		return c < 0
	}
	return a.owner < o.owner
}

type activeByEnd struct {
	end   uint128.Uint128
	owner int
}

func (a activeByEnd) Less(than btree.Item) bool {
	o := than.(activeByEnd)
	if c := a.end.Cmp(o.end); c != 0 {
		return c < 0
	}
	return a.owner < o.owner
}

// flatten sweeps the sorted records once, keeping the records that cover the
// current point in two trees: one ordered by width to pick the owner, one
// ordered by end to find where the next segment boundary is.
func (idx *Index) flatten() {
	records := idx.records
	byWidth := btree.New(8)
	byEnd := btree.New(8)

	idx.starts = make([]uint128.Uint128, 0, len(records))
	idx.ends = make([]uint128.Uint128, 0, len(records))
	idx.owners = make([]uint32, 0, len(records))

	var point uint128.Uint128
	next := 0
	for next < len(records) || byEnd.Len() > 0 {
		if byEnd.Len() == 0 {
			point = records[next].Start
		}
		for next < len(records) && records[next].Start.Equals(point) {
			byWidth.ReplaceOrInsert(activeByWidth{width: records[next].Width(), owner: next})
			byEnd.ReplaceOrInsert(activeByEnd{end: records[next].End, owner: next})
			next++
		}

		segEnd := byEnd.Min().(activeByEnd).end
		if next < len(records) {
			if before := records[next].Start.Sub64(1); before.Cmp(segEnd) < 0 {
				segEnd = before
			}
		}
		idx.appendSegment(point, segEnd, uint32(byWidth.Min().(activeByWidth).owner))

		for byEnd.Len() > 0 {
			m := byEnd.Min().(activeByEnd)
			if !m.end.Equals(segEnd) {
				break
			}
			byEnd.DeleteMin()
			byWidth.Delete(activeByWidth{width: records[m.owner].Width(), owner: m.owner})
		}

		// Anything still active ends after segEnd, so segEnd is below the maximum address.
		if byEnd.Len() > 0 {
			point = segEnd.Add64(1)
		}
	}
}

func (idx *Index) appendSegment(start, end uint128.Uint128, owner uint32) {
	if n := len(idx.starts); n > 0 && idx.owners[n-1] == owner && idx.ends[n-1].AddWrap64(1).Equals(start) {
		idx.ends[n-1] = end
		return
	}
	idx.starts = append(idx.starts, start)
	idx.ends = append(idx.ends, end)
	idx.owners = append(idx.owners, owner)
}

// Concat merges indexes built over contiguous partitions of one sorted
// dataset. Partition k must end strictly before partition k+1 begins.
func Concat(parts ...*Index) (*Index, error) {
	if len(parts) == 0 {
		return nil, errors.New("no partitions to concatenate")
	}

	family := parts[0].family
	total, segments := 0, 0
	for _, p := range parts {
		if p.family != family {
			return nil, fmt.Errorf("%w: cannot concatenate %s and %s partitions", ErrAddressFamilyMismatch, family, p.family)
		}
		total += len(p.records)
		segments += len(p.starts)
	}

	out := &Index{
		family:  family,
		records: make([]Record, 0, total),
		starts:  make([]uint128.Uint128, 0, segments),
		ends:    make([]uint128.Uint128, 0, segments),
		owners:  make([]uint32, 0, segments),
	}

	for k, p := range parts {
		if len(p.starts) == 0 {
			continue
		}
		if n := len(out.ends); n > 0 && p.starts[0].Cmp(out.ends[n-1]) <= 0 {
			return nil, fmt.Errorf("%w: partition %d starts at %s", ErrOverlappingPartitions, k, ipaddresses.ToString(p.starts[0], family))
		}

		offset := uint32(len(out.records))
		out.records = append(out.records, p.records...)
		out.starts = append(out.starts, p.starts...)
		out.ends = append(out.ends, p.ends...)
		for _, o := range p.owners {
			out.owners = append(out.owners, o+offset)
		}
	}

	out.setUnknown()
	return out, nil
}
