// Package dataset reads the vendor's bulk IP geolocation and IP netblock CSV
// exports and feeds them, one row at a time, into the range index builders.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"ipindex/ipaddresses"
	"ipindex/rangeindex"

	"github.com/rs/zerolog"
)

// Kind selects the CSV layout of an export.
type Kind int

// Supported exports.
const (
	Geolocation Kind = iota
	Netblock
)

// Column names of the exports. Only the range columns are required; every
// other column becomes an attribute.
const (
	MarkColumn         = "mark"
	InetnumFirstColumn = "inetnumFirst"
	InetnumLastColumn  = "inetnumLast"
)

// GeolocationColumns is the header of the IP geolocation export.
var GeolocationColumns = []string{"mark", "isp", "connectionType", "country", "region", "city", "lat", "lng", "postalCode", "timezone", "geonameId"}

// NetblockColumns are the netblock export columns the index relies on.
var NetblockColumns = []string{"inetnumFirst", "inetnumLast", "asn", "country", "as_name", "netname"}

// ErrMissingColumn is returned when the header lacks a range column.
var ErrMissingColumn = errors.New("missing required column")

// ParseKind accepts "geolocation"/"geoip" and "netblock"/"netblocks".
func ParseKind(s string) (k Kind, err error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "geolocation", "geoip", "geo":
		k = Geolocation
	case "netblock", "netblocks", "ipnetblocks":
		k = Netblock
	default:
		err = fmt.Errorf("invalid dataset kind: %q", s)
	}
	return
}

func (k Kind) String() string {
	if k == Netblock {
		return "netblock"
	}
	return "geolocation"
}

// header maps the CSV header onto the range columns and the attribute schema.
type header struct {
	rangeCols []int
	attrCols  []int
	schema    *rangeindex.Schema
}

func readHeader(r *csv.Reader, rangeColumns ...string) (h header, err error) {
	names, err := r.Read()
	if err != nil {
		if err == io.EOF {
			err = fmt.Errorf("%w: empty file", ErrMissingColumn)
		}
		return
	}

	pos := map[string]int{}
	for i, n := range names {
		n = strings.TrimSpace(strings.TrimPrefix(n, "\ufeff"))
		names[i] = n
		if _, ok := pos[n]; !ok {
			pos[n] = i
		}
	}

	isRange := map[int]bool{}
	for _, c := range rangeColumns {
		i, ok := pos[c]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrMissingColumn, c)
			return
		}
		h.rangeCols = append(h.rangeCols, i)
		isRange[i] = true
	}

	var attrNames []string
	for i, n := range names {
		if !isRange[i] {
			h.attrCols = append(h.attrCols, i)
			attrNames = append(attrNames, n)
		}
	}
	h.schema = rangeindex.NewSchema(attrNames...)
	return
}

func (h header) attributes(row []string) rangeindex.Attributes {
	values := make([]string, len(h.attrCols))
	for i, c := range h.attrCols {
		if c < len(row) {
			values[i] = row[c]
		}
	}
	return h.schema.New(values...)
}

func field(row []string, i int) string {
	if i < len(row) {
		return strings.TrimSpace(row[i])
	}
	return ""
}

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true
	return cr
}

// eachRow calls fn for every data row with its 1-based line number.
// Rows the CSV parser rejects are handed to bad and the scan continues;
// any other read error, or an error from fn, stops it and is returned.
func eachRow(cr *csv.Reader, fn func(line int, row []string) error, bad func(line int, err error)) error {
	for {
		row, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				bad(parseErr.StartLine, err)
				continue
			}
			return err
		}
		line, _ := cr.FieldPos(0)
		if err = fn(line, row); err != nil {
			return err
		}
	}
}

// ReadGeolocation streams a geolocation export into b. Bad rows are counted
// by the builder; only an unreadable header or I/O failure is returned.
func ReadGeolocation(r io.Reader, b *rangeindex.MarkBuilder) error {
	cr := newCSVReader(r)
	h, err := readHeader(cr, MarkColumn)
	if err != nil {
		return err
	}

	markCol := h.rangeCols[0]
	return eachRow(cr,
		func(line int, row []string) error {
			b.AddMark(line, field(row, markCol), h.attributes(row))
			return nil
		},
		func(line int, err error) {
			b.Skip(line, err)
		})
}

// ReadNetblocks streams a netblock export into b.
func ReadNetblocks(r io.Reader, b *rangeindex.NetblockBuilder) error {
	cr := newCSVReader(r)
	h, err := readHeader(cr, InetnumFirstColumn, InetnumLastColumn)
	if err != nil {
		return err
	}

	firstCol, lastCol := h.rangeCols[0], h.rangeCols[1]
	return eachRow(cr,
		func(line int, row []string) error {
			b.AddNetblock(line, field(row, firstCol), field(row, lastCol), h.attributes(row))
			return nil
		},
		func(line int, err error) {
			b.Skip(line, err)
		})
}

// Build reads a whole export of the given kind and returns the index.
func Build(logger zerolog.Logger, kind Kind, family ipaddresses.Family, r io.Reader, progressEvery int) (*rangeindex.Index, rangeindex.BuildStats, error) {
	logger = logger.With().Str("dataset", kind.String()).Logger()

	if kind == Netblock {
		b := rangeindex.NewNetblockBuilder(logger, family)
		b.SetProgress(progressEvery, nil)
		if err := ReadNetblocks(r, b); err != nil {
			return nil, b.Stats(), err
		}
		idx, stats := b.Build()
		return idx, stats, nil
	}

	b := rangeindex.NewMarkBuilder(logger, family)
	b.SetProgress(progressEvery, nil)
	if err := ReadGeolocation(r, b); err != nil {
		return nil, b.Stats(), err
	}
	idx, stats := b.Build()
	return idx, stats, nil
}
