package logging

import (
	"ipindex/rangeindex"
)

type lookupLogEntry struct {
	Address    string            `json:"address"`
	Family     string            `json:"family"`
	Found      bool              `json:"found"`
	Malformed  bool              `json:"malformed,omitempty"`
	Start      string            `json:"start,omitempty"`
	End        string            `json:"end,omitempty"`
	CIDR       []string          `json:"cidr,omitempty"`
	Supernet   string            `json:"supernet,omitempty"`
	Attributes map[string]string `json:"attributes"`
}

func newLookupLogEntry(address string, res rangeindex.Result) *lookupLogEntry {
	e := &lookupLogEntry{
		Address:    address,
		Family:     res.Family.String(),
		Found:      res.Found,
		Malformed:  res.Malformed,
		Start:      res.StartAddr(),
		End:        res.EndAddr(),
		Attributes: res.Attributes.Map(),
	}
	for _, p := range res.Prefixes() {
		e.CIDR = append(e.CIDR, p.String())
	}
	if res.Found {
		e.Supernet = res.SpanningPrefix().String()
	}
	return e
}
