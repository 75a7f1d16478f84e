// Package logging configures the process-wide logrus logger, the structured
// logging library the teacher repo uses throughout. It mirrors
// original_source's init_logging: Info by default, Debug when --debug is
// set.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Setup configures logrus's standard logger and returns a base *logrus.Entry
// components can attach fields to.
func Setup(debug bool) *logrus.Entry {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
