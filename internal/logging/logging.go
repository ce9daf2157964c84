// Package logging initializes logrus the way the broker, agent, and CLI
// all do it: a component-tagged text formatter to a terminal, or JSON
// when stderr isn't one, matching the teacher's lib/utils.InitLogger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/gravitational/trace"
)

// Init configures the standard logrus logger at level for the given
// component tag. Call it once, at process startup.
func Init(component string, level logrus.Level) logrus.FieldLogger {
	logrus.SetLevel(level)
	if trace.IsTerminal(os.Stderr) {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	logrus.SetOutput(os.Stderr)
	return logrus.WithField(trace.Component, component)
}

// Discard silences logging entirely, used by tests that don't want
// output interleaved with test results.
func Discard() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
