// Package observability wires structured logging and Prometheus metrics.
package observability

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger. format is "text" or "json"; unknown
// levels fall back to info.
func NewLogger(level, format string, output io.Writer) *logrus.Logger {
	if output == nil {
		output = os.Stdout
	}

	logger := logrus.New()
	logger.SetOutput(output)

	switch strings.ToLower(format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	return logger
}

// Discard returns a logger that drops everything. Used when a component is
// constructed without one.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// PrintfLogger adapts a logrus logger to the Printf-style interface expected
// by schedulers and similar libraries.
type PrintfLogger struct {
	Logger logrus.FieldLogger
}

// Printf logs at info level.
func (p PrintfLogger) Printf(format string, args ...interface{}) {
	p.Logger.Infof(format, args...)
}
