package logging

import (
	"encoding/json"
	"path/filepath"

	"ipindex/rangeindex"

	"github.com/rs/zerolog"
)

// ResultsLogger records the outcome of each lookup of a bulk run.
type ResultsLogger interface {
	LookupDone(address string, res rangeindex.Result)
	Close() error
}

type filelogResultsLogger struct {
	file         LogFile
	logger       zerolog.Logger
	writelogline chan []byte
	writeDone    chan bool
}

// NewFileResultsLogger creates a results logger that appends one JSON object per lookup to the file at path.
func NewFileResultsLogger(fileSystem LogFileSystem, path string, logger zerolog.Logger) (ResultsLogger, error) {
	r := &filelogResultsLogger{logger: logger}

	dir := filepath.Dir(path)
	err := fileSystem.MkDir(dir)
	if err != nil {
		logger.Error().Err(err).Str("path", dir).Msg("Failed to create the directory while initializing")
		return nil, err
	}

	r.file, err = fileSystem.Open(path)
	if err != nil {
		logger.Error().Err(err).Str("file", path).Msg("Failed to open the file at initiation")
		return nil, err
	}

	r.writelogline = make(chan []byte)
	r.writeDone = make(chan bool)
	go func() {
		for v := range r.writelogline {
			if err := r.file.Append(append(v, '\n')); err != nil {
				r.logger.Error().Err(err).Str("file", path).Msg("Error while appending to results log")
			}
			r.writeDone <- true
		}
	}()

	return r, nil
}

func (l *filelogResultsLogger) LookupDone(address string, res rangeindex.Result) {
	bb, err := json.Marshal(newLookupLogEntry(address, res))
	if err != nil {
		l.logger.Error().Err(err).Msg("Error while marshaling JSON results log")
		return
	}

	l.writelogline <- bb
	<-l.writeDone
}

func (l *filelogResultsLogger) Close() error {
	close(l.writelogline)
	return l.file.Close()
}
