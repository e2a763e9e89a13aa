// Package logger wraps logrus behind the small interface the rest of
// harep depends on, so components never import logrus directly.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the logging contract every core component accepts through
// its options/config struct.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Silent(silent bool)
}

type logrusLogger struct {
	entry *logrus.Entry
	log   *logrus.Logger
}

// NewLogger builds a Logger at the given level ("debug", "info", "warn",
// "error"). An unrecognized level defaults to "info".
func NewLogger(level string) Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return &logrusLogger{entry: logrus.NewEntry(l), log: l}
}

// NewSilentLogger discards all output; used by default in tests and
// library embeddings that don't want stderr noise.
func NewSilentLogger() Logger {
	l := NewLogger("error").(*logrusLogger)
	l.log.SetOutput(io.Discard)
	return l
}

// With returns a Logger that always tags its lines with the given
// fields, e.g. per-partition loggers via With("partition", name).
func With(base Logger, fields map[string]interface{}) Logger {
	ll, ok := base.(*logrusLogger)
	if !ok {
		return base
	}
	return &logrusLogger{entry: ll.entry.WithFields(fields), log: ll.log}
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) Silent(silent bool) {
	if silent {
		l.log.SetOutput(io.Discard)
	} else {
		l.log.SetOutput(os.Stderr)
	}
}
