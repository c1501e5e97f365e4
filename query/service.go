// Package query answers address lookups against a built range index, one at a
// time or in bulk.
package query

import (
	"bufio"
	"context"
	"io"
	"runtime"
	"strings"

	"ipindex/ipaddresses"
	"ipindex/rangeindex"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Addresses handed to a single worker in one go.
const lookupChunk = 512

// Addresses buffered from a reader before they are looked up.
const readerBatch = 8192

// Match pairs a queried address with its result.
type Match struct {
	Address string
	rangeindex.Result
}

// Stats tallies a bulk lookup. Processed == Matched + Missed + Skipped, where
// Skipped counts addresses that could not be parsed for the index's family.
type Stats struct {
	Processed int
	Matched   int
	Missed    int
	Skipped   int
}

func (s *Stats) add(m Match) {
	s.Processed++
	switch {
	case m.Malformed:
		s.Skipped++
	case m.Found:
		s.Matched++
	default:
		s.Missed++
	}
}

// Merge adds o's counters to s.
func (s *Stats) Merge(o Stats) {
	s.Processed += o.Processed
	s.Matched += o.Matched
	s.Missed += o.Missed
	s.Skipped += o.Skipped
}

// Service runs lookups against one immutable index. It is safe for concurrent use.
type Service struct {
	logger  zerolog.Logger
	idx     *rangeindex.Index
	workers int
}

// NewService creates a lookup service. workers <= 0 uses one worker per CPU.
func NewService(logger zerolog.Logger, idx *rangeindex.Index, workers int) *Service {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Service{logger: logger, idx: idx, workers: workers}
}

// Index returns the index the service queries.
func (s *Service) Index() *rangeindex.Index {
	return s.idx
}

// Lookup resolves a single address.
func (s *Service) Lookup(addr string) rangeindex.Result {
	res := s.idx.LookupString(addr)

	// Reserved addresses are never in the data set, so only other misses are worth a warning.
	if !res.Found && !res.Malformed {
		if special, _ := ipaddresses.IsSpecialPurposeAddress(strings.TrimSpace(addr)); !special {
			s.logger.Warn().Msgf("Range index failed to look up record for IP address %s", addr)
		}
	}
	if res.Malformed {
		s.logger.Debug().Str("address", addr).Str("family", s.idx.Family().String()).Msg("Malformed address")
	}
	return res
}

// LookupBatch resolves addrs in parallel. Matches are returned in input order.
// The only error is the context's.
func (s *Service) LookupBatch(ctx context.Context, addrs []string) (matches []Match, stats Stats, err error) {
	matches = make([]Match, len(addrs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for start := 0; start < len(addrs); start += lookupChunk {
		start := start
		end := start + lookupChunk
		if end > len(addrs) {
			end = len(addrs)
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for i := start; i < end; i++ {
				matches[i] = Match{Address: addrs[i], Result: s.idx.LookupString(addrs[i])}
			}
			return nil
		})
	}

	if err = g.Wait(); err != nil {
		matches = nil
		return
	}

	for _, m := range matches {
		stats.add(m)
	}
	return
}

// LookupReader resolves an address list read from r, one address per line
// in the first comma-separated column, and hands every match to fn in input
// order. Blank lines and lines starting with '#' are ignored; every other
// line yields exactly one match, a malformed one if the column is not an
// address. An error from fn stops the scan and is returned.
func (s *Service) LookupReader(ctx context.Context, r io.Reader, fn func(Match) error) (stats Stats, err error) {
	br := bufio.NewReader(r)

	batch := make([]string, 0, readerBatch)
	flush := func() error {
		matches, st, err := s.LookupBatch(ctx, batch)
		if err != nil {
			return err
		}
		stats.Merge(st)
		batch = batch[:0]
		for _, m := range matches {
			if err := fn(m); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		line, rerr := br.ReadString('\n')
		if rerr != nil && rerr != io.EOF {
			err = rerr
			return
		}

		if addr := addressField(line); addr != "" && addr[0] != '#' {
			batch = append(batch, addr)
			if len(batch) == readerBatch {
				if err = flush(); err != nil {
					return
				}
			}
		}

		if rerr == io.EOF {
			break
		}
	}

	if len(batch) > 0 {
		err = flush()
	}
	return
}

// addressField returns the first column of an address list line without
// surrounding space or quotes.
func addressField(line string) string {
	if i := strings.IndexByte(line, ','); i >= 0 {
		line = line[:i]
	}
	return strings.Trim(strings.TrimSpace(line), `"`)
}
