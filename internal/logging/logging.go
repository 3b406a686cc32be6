// Package logging holds the process-wide logger. Components derive their own
// entry with a "comp" field so every line can be traced back to its source.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

var appLogger = logrus.New()

func init() {
	appLogger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
}

// For returns a logger tagged with the given component name.
func For(comp string) *logrus.Entry {
	return appLogger.WithField("comp", comp)
}

// SetLevel changes the level of every component logger.
func SetLevel(lvl logrus.Level) {
	appLogger.SetLevel(lvl)
}

// SetOutput redirects all log output, mostly useful in tests.
func SetOutput(w io.Writer) {
	appLogger.SetOutput(w)
}

// ParseLevel accepts logrus level names plus "verbose", which the firmware
// used for network bring-up detail.
func ParseLevel(s string) (logrus.Level, error) {
	if s == "verbose" {
		return logrus.DebugLevel, nil
	}
	return logrus.ParseLevel(s)
}
