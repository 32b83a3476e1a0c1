package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup initializes the global zerolog logger based on environment configuration.
//   - level: log level string (trace, debug, info, warn, error, fatal, panic)
//   - format: "pretty" for human-readable dev output, anything else is JSON
//   - service: binary name stamped on every entry (kiosk, proctorlog, migrate)
//
// Returns the configured logger instance.
func Setup(level, format, service string) zerolog.Logger {
	return New(os.Stdout, level, format, service)
}

// New builds the same logger as Setup on an arbitrary writer.
func New(out io.Writer, level, format, service string) zerolog.Logger {
	writer := out
	if format == "pretty" {
		writer = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(lvl)

	return zerolog.New(writer).
		With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}
