package logging

import (
	"ipindex/rangeindex"

	"github.com/rs/zerolog"
)

// NewZerologResultsLogger creates a results logger that writes each lookup to the process log at debug level.
func NewZerologResultsLogger(logger zerolog.Logger) ResultsLogger {
	return &zerologResultsLogger{logger: logger}
}

type zerologResultsLogger struct {
	logger zerolog.Logger
}

func (l *zerologResultsLogger) LookupDone(address string, res rangeindex.Result) {
	ev := l.logger.Debug()
	if !ev.Enabled() {
		return
	}

	ev.Str("address", address).Bool("found", res.Found)
	if res.Malformed {
		ev.Bool("malformed", true)
	}
	if res.Found {
		ev.Str("start", res.StartAddr()).Str("end", res.EndAddr())
	}
	ev.Str("attributes", res.Attributes.String()).Msg("Lookup")
}

func (l *zerologResultsLogger) Close() error {
	return nil
}
