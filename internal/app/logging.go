package app

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SetupLogging configures the global logrus logger. format is "text" or
// "json".
func SetupLogging(out io.Writer, level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "log level %q", level)
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(out)
	switch format {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %q", format)
	}
	return nil
}
