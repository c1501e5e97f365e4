package dataset

import (
	"errors"
	"io"

	"ipindex/ipaddresses"
	"ipindex/rangeindex"
)

var errScanDone = errors.New("scan done")

// ScanGeolocation answers a single query by walking a geolocation export
// from the top, without building an index. It is linear in the size of the
// file and only meant for spot checks against a built index.
func ScanGeolocation(r io.Reader, family ipaddresses.Family, addr string) (res rangeindex.Result, err error) {
	res.Family = family

	cr := newCSVReader(r)
	h, err := readHeader(cr, MarkColumn)
	if err != nil {
		return
	}
	res.Attributes = h.schema.Unknown()

	ip, perr := ipaddresses.ParseAddress(addr, family)
	if perr != nil {
		res.Malformed = true
		return
	}

	markCol := h.rangeCols[0]
	var prev rangeindex.Record
	hasPrev := false
	err = eachRow(cr,
		func(line int, row []string) error {
			start, merr := ipaddresses.ParseMark(field(row, markCol), family)
			if merr != nil {
				return nil
			}
			if hasPrev {
				// Out-of-order rows are ignored, as the builder does.
				if start.Cmp(prev.Start) < 0 {
					return nil
				}
				prev.End = prev.Start
				if start.Cmp(prev.Start) > 0 {
					prev.End = start.Sub64(1)
				}
				if prev.Contains(ip) {
					res.Record, res.Found = prev, true
					return errScanDone
				}
			}
			prev = rangeindex.Record{Start: start, Attributes: h.attributes(row)}
			hasPrev = true
			return nil
		},
		func(int, error) {})
	if errors.Is(err, errScanDone) {
		err = nil
		return
	}
	if err != nil || !hasPrev {
		return
	}

	prev.End = family.MaxAddress()
	if prev.Contains(ip) {
		res.Record, res.Found = prev, true
	}
	return
}
