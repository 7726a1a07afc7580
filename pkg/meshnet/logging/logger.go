// Package logging defines the pluggable logger surface used throughout
// the mesh runtime, mirroring the teacher's definition.Logger contract
// but backed by logrus instead of the standard library's log.Logger.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the interface every component accepts for diagnostics. It is
// optional: when the embedder supplies none, components hold a nil Logger
// and skip logging.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
	Panic(v ...interface{})
	Panicf(format string, v ...interface{})
	ToggleDebug(value bool) bool
}

// DefaultLogger is a logrus-backed Logger. A NodePool does not install it
// on its own; it is used only when passed in, e.g. through WithLogger.
type DefaultLogger struct {
	entry *logrus.Logger
	debug bool
}

// NewDefaultLogger builds a DefaultLogger that writes structured text to
// stderr, matching the teacher's os.Stderr destination.
func NewDefaultLogger() *DefaultLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &DefaultLogger{entry: l}
}

func (l *DefaultLogger) Info(v ...interface{})                 { l.entry.Info(v...) }
func (l *DefaultLogger) Infof(format string, v ...interface{}) { l.entry.Infof(format, v...) }
func (l *DefaultLogger) Warn(v ...interface{})                 { l.entry.Warn(v...) }
func (l *DefaultLogger) Warnf(format string, v ...interface{}) { l.entry.Warnf(format, v...) }
func (l *DefaultLogger) Error(v ...interface{})                { l.entry.Error(v...) }
func (l *DefaultLogger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }

func (l *DefaultLogger) Debug(v ...interface{}) {
	if l.debug {
		l.entry.Debug(v...)
	}
}

func (l *DefaultLogger) Debugf(format string, v ...interface{}) {
	if l.debug {
		l.entry.Debugf(format, v...)
	}
}

func (l *DefaultLogger) Fatal(v ...interface{})                  { l.entry.Fatal(v...) }
func (l *DefaultLogger) Fatalf(format string, v ...interface{})  { l.entry.Fatalf(format, v...) }
func (l *DefaultLogger) Panic(v ...interface{})                  { l.entry.Panic(v...) }
func (l *DefaultLogger) Panicf(format string, v ...interface{})  { l.entry.Panicf(format, v...) }

func (l *DefaultLogger) ToggleDebug(value bool) bool {
	l.debug = value
	if value {
		l.entry.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.SetLevel(logrus.InfoLevel)
	}
	return l.debug
}

// NewConsoleLogger builds a terser Logger writing level-tagged lines to
// stdout, mirroring original_source's console_logger.hpp: a minimal sink
// for demos and tests that don't need structured fields.
func NewConsoleLogger() Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return &DefaultLogger{entry: l}
}
