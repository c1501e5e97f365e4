package query

import (
	"errors"
	"fmt"
	"time"

	"ipindex/dataset"
	"ipindex/ipaddresses"
	"ipindex/rangeindex"

	"github.com/rs/zerolog"
)

// Source says where an index lives and which export it is built from.
type Source struct {
	Family        ipaddresses.Family
	Kind          dataset.Kind
	IndexPath     string
	CSVPath       string
	ProgressEvery int
}

// LoadIndex reads a saved index. Without a CSV path a missing index file is
// returned as rangeindex.ErrIndexFileMissing; with one, the index is built
// from the export and saved for next time. A corrupt index is never rebuilt
// silently.
func LoadIndex(logger zerolog.Logger, fsys rangeindex.IndexFileSystem, src Source) (idx *rangeindex.Index, err error) {
	start := time.Now()
	idx, err = rangeindex.Load(fsys, src.IndexPath, src.Family)
	if err == nil {
		logger.Info().
			Str("path", src.IndexPath).
			Int("records", idx.Len()).
			Dur("elapsed", time.Since(start)).
			Msg("Range index loaded")
		return
	}

	if !errors.Is(err, rangeindex.ErrIndexFileMissing) || src.CSVPath == "" {
		logger.Err(err).Str("path", src.IndexPath).Msg("Error while loading range index")
		return
	}

	logger.Info().Str("path", src.IndexPath).Str("csv", src.CSVPath).Msg("Range index not found, building it")
	idx, err = BuildIndex(logger, fsys, src)
	return
}

// BuildIndex builds an index from the export at src.CSVPath and saves it to src.IndexPath.
func BuildIndex(logger zerolog.Logger, fsys rangeindex.IndexFileSystem, src Source) (idx *rangeindex.Index, err error) {
	f, err := fsys.Open(src.CSVPath)
	if err != nil {
		err = fmt.Errorf("opening %s export %s: %w", src.Kind, src.CSVPath, err)
		return
	}
	defer f.Close()

	start := time.Now()
	idx, stats, err := dataset.Build(logger, src.Kind, src.Family, f, src.ProgressEvery)
	if err != nil {
		err = fmt.Errorf("reading %s export %s: %w", src.Kind, src.CSVPath, err)
		return
	}

	if err = rangeindex.Save(fsys, src.IndexPath, idx); err != nil {
		logger.Err(err).Str("path", src.IndexPath).Msg("Error while saving range index")
		return
	}

	logger.Info().
		Str("path", src.IndexPath).
		Int("rows", stats.Rows).
		Int("skipped", stats.Skipped).
		Dur("elapsed", time.Since(start)).
		Msg("Range index saved")
	return
}
