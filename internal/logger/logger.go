// Package logger defines the DebugLogger hook that every component in this
// repository accepts instead of talking to the standard library's log
// package directly, the way the DHT teacher's logger package did.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// DebugLogger lets a component attach logging hooks without depending on a
// specific backend. Kept identical to the teacher's interface so existing
// call sites (Debugf/Infof/Errorf) never change shape.
type DebugLogger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// NullLogger discards everything. Useful in tests and as an explicit
// opt-out, mirroring the teacher's NullLogger.
type NullLogger struct{}

func (NullLogger) Debugf(format string, args ...interface{}) {}
func (NullLogger) Infof(format string, args ...interface{})  {}
func (NullLogger) Errorf(format string, args ...interface{}) {}

// Logrus adapts a *logrus.Logger (or entry) to DebugLogger, tagging every
// line with the owning component so multiplexed DHT/router output stays
// attributable.
type Logrus struct {
	entry *logrus.Entry
}

// New returns a Logrus-backed DebugLogger that writes to stderr with the
// given component name attached to every record.
func New(component string) *Logrus {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logrus{entry: l.WithField("component", component)}
}

// NewWith wraps an existing logrus.Logger, for callers that already own one
// (e.g. to share output/formatter configuration across components).
func NewWith(l *logrus.Logger, component string) *Logrus {
	return &Logrus{entry: l.WithField("component", component)}
}

func (l *Logrus) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logrus) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logrus) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// With returns a derived logger that also tags records with the given
// key/value, e.g. a peer address or transaction id.
func (l *Logrus) With(key string, value interface{}) *Logrus {
	return &Logrus{entry: l.entry.WithField(key, value)}
}
