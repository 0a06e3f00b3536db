// Package logging builds the daemon's root logger and hands out
// per-component entries. The teacher tags every line with a bracketed
// component name via the stdlib log package ("[server] ..."); this core
// keeps that shape but backs it with logrus so fields stay structured
// and the level is configurable at runtime.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Config controls the root logger's behavior.
type Config struct {
	Level  string // "debug", "info", "warn", "error" (default "info")
	JSON   bool   // emit JSON lines instead of the default text formatter
	Output io.Writer
}

// New builds the root logrus.Logger from Config, defaulting unset fields.
func New(cfg Config) *logrus.Logger {
	l := logrus.New()

	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	} else {
		l.SetOutput(os.Stderr)
	}

	if cfg.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	lvl, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	return l
}

// Component returns a child entry tagged with the given component name,
// mirroring the teacher's "[server] ..." prefix as a structured field
// instead of a string prefix.
func Component(l *logrus.Logger, name string) *logrus.Entry {
	return l.WithField("component", name)
}
