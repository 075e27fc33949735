// Package logging provides the shared logrus setup threaded through the
// three flight threads (spec.md §5), following pkg/utils/logger.go's
// convention: one *logrus.Logger, JSON-formatted, level set at startup
// from a CLI flag.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New creates a logrus.Logger configured for this repository's ambient
// logging convention: JSON output, RFC3339-with-milliseconds timestamps,
// writing to stdout unless output names a file path.
func New(level, output string) *logrus.Logger {
	logger := logrus.New()
	SetLevel(logger, level)

	if output == "" || output == "stdout" {
		logger.SetOutput(os.Stdout)
	} else {
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			logger.SetOutput(file)
		} else {
			logger.SetOutput(os.Stdout)
			logger.WithError(err).Warnf("logging: failed to open log file %s, using stdout", output)
		}
	}

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	return logger
}

// SetLevel changes logger's level across the usual
// debug/info/warn/error four-level surface; an unrecognised level falls
// back to info rather than erroring, since a misspelled log-level flag
// should not prevent the autopilot core from starting.
func SetLevel(logger *logrus.Logger, level string) {
	switch level {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
}
