package rangeindex

import (
	"sort"

	"ipindex/ipaddresses"

	"github.com/rs/zerolog"
	"lukechampine.com/uint128"
)

// Only the first few skipped rows are kept in BuildStats.Errors and logged.
const maxReportedErrors = 100

const defaultProgressEvery = 1000000

// BuildStats summarizes one index construction.
type BuildStats struct {
	Rows     int
	Records  int
	Segments int
	Skipped  int
	Errors   []error
}

type builder struct {
	logger        zerolog.Logger
	family        ipaddresses.Family
	records       []Record
	stats         BuildStats
	progressEvery int
	onProgress    func(rows int)
}

func newBuilder(logger zerolog.Logger, family ipaddresses.Family) builder {
	return builder{logger: logger, family: family, progressEvery: defaultProgressEvery}
}

// SetProgress registers fn to be called every `every` rows. every <= 0 disables reporting.
func (b *builder) SetProgress(every int, fn func(rows int)) {
	b.progressEvery = every
	b.onProgress = fn
}

// Stats returns the counters accumulated so far.
func (b *builder) Stats() BuildStats {
	return b.stats
}

// Skip counts a row the caller could not even split into fields.
func (b *builder) Skip(line int, err error) error {
	b.row()
	return b.skip(&MalformedRowError{Line: line, Field: "row", Err: err})
}

func (b *builder) row() (line int) {
	b.stats.Rows++
	line = b.stats.Rows
	if b.progressEvery > 0 && b.stats.Rows%b.progressEvery == 0 {
		b.logger.Info().Int("rows", b.stats.Rows).Str("family", b.family.String()).Msg("Building range index")
		if b.onProgress != nil {
			b.onProgress(b.stats.Rows)
		}
	}
	return
}

func (b *builder) skip(err error) error {
	b.stats.Skipped++
	if len(b.stats.Errors) < maxReportedErrors {
		b.stats.Errors = append(b.stats.Errors, err)
		b.logger.Warn().Err(err).Msg("Skipping malformed row")
	}
	return err
}

func (b *builder) finish() *Index {
	idx := newIndex(b.family, b.records)
	b.stats.Records = len(idx.records)
	b.stats.Segments = len(idx.starts)
	b.records = nil

	b.logger.Info().
		Str("family", b.family.String()).
		Int("rows", b.stats.Rows).
		Int("records", b.stats.Records).
		Int("segments", b.stats.Segments).
		Int("skipped", b.stats.Skipped).
		Msg("Range index built")
	return idx
}

// MarkBuilder builds an index from rows carrying only a start marker.
// Each row's range extends to the next row's marker minus one; the last
// row extends to the end of the address space. Rows must arrive sorted.
type MarkBuilder struct {
	builder
	pending    Record
	hasPending bool
}

// NewMarkBuilder creates a builder for the given family.
func NewMarkBuilder(logger zerolog.Logger, family ipaddresses.Family) *MarkBuilder {
	return &MarkBuilder{builder: newBuilder(logger, family)}
}

// Add appends a row whose start is already numeric.
func (b *MarkBuilder) Add(start uint128.Uint128, attrs Attributes) error {
	line := b.row()
	if !b.family.Contains(start) {
		return b.skip(&MalformedRowError{Line: line, Field: "mark", Value: start.String(), Err: ipaddresses.ErrFamilyMismatch})
	}
	return b.add(line, start, attrs)
}

// AddMark parses the decimal mark of the row at the given line and appends it.
// A bad mark is recorded in the stats and returned; the build carries on.
func (b *MarkBuilder) AddMark(line int, mark string, attrs Attributes) error {
	b.row()
	start, err := ipaddresses.ParseMark(mark, b.family)
	if err != nil {
		return b.skip(&MalformedRowError{Line: line, Field: "mark", Value: mark, Err: err})
	}
	return b.add(line, start, attrs)
}

func (b *MarkBuilder) add(line int, start uint128.Uint128, attrs Attributes) error {
	if b.hasPending {
		cmp := start.Cmp(b.pending.Start)
		if cmp < 0 {
			return b.skip(&MalformedRowError{Line: line, Field: "mark", Value: start.String(), Err: ErrNotSorted})
		}

		// A repeated mark yields a single-address range rather than a negative one.
		b.pending.End = b.pending.Start
		if cmp > 0 {
			b.pending.End = start.Sub64(1)
		}
		b.records = append(b.records, b.pending)
	}

	b.pending = Record{Start: start, Attributes: attrs}
	b.hasPending = true
	return nil
}

// Build closes the last range and returns the index.
// The builder must not be reused afterwards.
func (b *MarkBuilder) Build() (*Index, BuildStats) {
	if b.hasPending {
		b.pending.End = b.family.MaxAddress()
		b.records = append(b.records, b.pending)
		b.hasPending = false
	}
	idx := b.finish()
	return idx, b.stats
}

// BuildBefore closes the last range just before next, the first mark of the
// following partition, so the result can be passed to Concat.
func (b *MarkBuilder) BuildBefore(next uint128.Uint128) (*Index, BuildStats) {
	if b.hasPending {
		b.pending.End = b.pending.Start
		if next.Cmp(b.pending.Start) > 0 {
			b.pending.End = next.Sub64(1)
		}
		b.records = append(b.records, b.pending)
		b.hasPending = false
	}
	idx := b.finish()
	return idx, b.stats
}

// NetblockBuilder builds an index from rows with explicit first and last
// addresses. Netblocks may be nested or overlap; the narrowest one wins.
type NetblockBuilder struct {
	builder
}

// NewNetblockBuilder creates a builder for the given family.
func NewNetblockBuilder(logger zerolog.Logger, family ipaddresses.Family) *NetblockBuilder {
	return &NetblockBuilder{builder: newBuilder(logger, family)}
}

// AddRange appends a netblock whose bounds are already numeric.
func (b *NetblockBuilder) AddRange(first, last uint128.Uint128, attrs Attributes) error {
	line := b.row()
	switch {
	case !b.family.Contains(first):
		return b.skip(&MalformedRowError{Line: line, Field: "inetnumFirst", Value: first.String(), Err: ipaddresses.ErrFamilyMismatch})
	case !b.family.Contains(last):
		return b.skip(&MalformedRowError{Line: line, Field: "inetnumLast", Value: last.String(), Err: ipaddresses.ErrFamilyMismatch})
	}
	return b.add(line, first, last, attrs)
}

// AddNetblock parses the decimal bounds of the row at the given line and appends it.
func (b *NetblockBuilder) AddNetblock(line int, first, last string, attrs Attributes) error {
	b.row()
	f, err := ipaddresses.ParseMark(first, b.family)
	if err != nil {
		return b.skip(&MalformedRowError{Line: line, Field: "inetnumFirst", Value: first, Err: err})
	}
	l, err := ipaddresses.ParseMark(last, b.family)
	if err != nil {
		return b.skip(&MalformedRowError{Line: line, Field: "inetnumLast", Value: last, Err: err})
	}
	return b.add(line, f, l, attrs)
}

func (b *NetblockBuilder) add(line int, first, last uint128.Uint128, attrs Attributes) error {
	if first.Cmp(last) > 0 {
		return b.skip(&MalformedRowError{Line: line, Field: "inetnumLast", Value: last.String(), Err: ErrInvertedRange})
	}
	b.records = append(b.records, Record{Start: first, End: last, Attributes: attrs})
	return nil
}

// Build sorts the netblocks by first address, keeping input order among
// equal starts, and returns the index.
func (b *NetblockBuilder) Build() (*Index, BuildStats) {
	sort.SliceStable(b.records, func(i, j int) bool {
		return b.records[i].Start.Cmp(b.records[j].Start) < 0
	})
	idx := b.finish()
	return idx, b.stats
}
