package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the application logger: colored console output in
// development, JSON everywhere else.
func New(env string) zerolog.Logger {
	return NewWithWriter(env, os.Stdout)
}

func NewWithWriter(env string, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}).
			With().
			Timestamp().
			Caller().
			Logger()
	}

	return zerolog.New(out).
		With().
		Timestamp().
		Logger()
}
