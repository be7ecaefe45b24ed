// Package logging sets up the service's structured logger, following the
// teacher's convention of a package-level logrus instance with
// subsystem-scoped field loggers handed out per component.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetFormatter(&logrus.JSONFormatter{})
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
}

// SetLevel adjusts the global log level (e.g. from config at startup).
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		base.WithError(err).Warn("logging: unknown level, keeping current")
		return
	}
	base.SetLevel(lvl)
}

// For returns a field logger scoped to the named subsystem, e.g. "ingest" or
// "adjust".
func For(subsystem string) *logrus.Entry {
	return base.WithField("subsystem", subsystem)
}
