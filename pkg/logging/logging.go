// Package logging builds the logrus loggers every package takes through its
// config. Nothing installs a process-wide handler the way slog.SetDefault
// does, so volumes in one process can log at different levels.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config selects the output of New.
type Config struct {
	Level  string // logrus level name, default "info"
	Format string // "text" or "json", default "text"
	Output io.Writer
}

// New builds a logger for one volume or tool. Nothing in this module logs
// through a package level logger.
func New(cfg Config) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	}

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

// Discard returns a logger that drops everything, for tests.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// OrDefault returns l, or a default info level logger when l is nil.
func OrDefault(l *logrus.Logger) *logrus.Logger {
	if l != nil {
		return l
	}
	return New(Config{})
}
