// Package logging configures structured logging for the sync core.
package logging

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup configures the global logrus logger with JSON output. It is called
// once by whoever owns the process (the cmd binary or the embedding app);
// components receive scoped entries via Component.
func Setup(out io.Writer, level string) {
	logrus.SetOutput(out)
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(parseLevel(level))
}

// Component returns a logger entry scoped to one component of the core.
// All log lines carry the component name so interleaved scheduler and
// transport output stays attributable.
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
