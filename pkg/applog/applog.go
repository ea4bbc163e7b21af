// Package applog builds the *logrus.Entry every component in this module
// takes as its logger, as a single shared factory rather than ad hoc
// logrus.New() calls scattered across packages.
package applog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Options configures the root logger.
type Options struct {
	Level string // logrus level name; defaults to "info" on parse failure
	File  string // optional path to also write logs to; empty means stdout only
	JSON  bool   // use the JSON formatter instead of text
}

// New builds a root *logrus.Entry with the given component field set,
// ready to be threaded through New(...) constructors across the module.
func New(component string, opts Options) *logrus.Entry {
	logger := logrus.New()

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if opts.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logger.SetOutput(output(opts.File))

	return logger.WithField("component", component)
}

func output(path string) io.Writer {
	if path == "" {
		return os.Stdout
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logrus.WithError(err).WithField("path", path).Warn("applog: falling back to stdout")
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, f)
}
