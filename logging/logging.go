package logging

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates the process logger. level is one of: debug, info, warn,
// error, fatal, panic. An unknown level falls back to info and is returned
// as an error so the caller can report it.
func NewLogger(level string, w io.Writer) (logger zerolog.Logger, err error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).Level(lvl).With().Timestamp().Caller().Logger()
	return
}
