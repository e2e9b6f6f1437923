package storagehttp

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const logTimeFormat = "2006-01-02T15:04:05.000"

// NewLogger returns the helper's diagnostic logger. When path is empty (the
// CRSH_LOGFILE variable is unset) every log call is a no-op. Otherwise the
// file is opened in append mode and each event becomes one line with a
// millisecond-precision local timestamp. Logging is best-effort: a file
// that cannot be opened disables logging instead of failing startup.
func NewLogger(path string) zerolog.Logger {
	if path == "" {
		return zerolog.Nop()
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return zerolog.Nop()
	}
	return newFileLogger(file)
}

func newFileLogger(w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	out := zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    true,
		TimeFormat: logTimeFormat,
	}
	return zerolog.New(out).With().Timestamp().Logger()
}
