// Package logging provides the package-level Debugf/Infof/Warnf/Errorf
// helpers used throughout the cache proxy, mirroring the call
// convention rclone uses for fs.Debugf/fs.Errorf but backed by a real
// structured logger (logrus) rather than an in-tree logging package.
package logging

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

var std = logrus.New()

// SetLevel sets the minimum level that will be emitted. Accepted
// values: "debug", "info", "warn", "error".
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	std.SetLevel(lvl)
	return nil
}

// SetJSON switches the output formatter between human-readable text
// (default) and structured JSON, for deployments that ship logs to a
// collector.
func SetJSON(enabled bool) {
	if enabled {
		std.SetFormatter(&logrus.JSONFormatter{})
	} else {
		std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// subject renders the first Debugf/Infof/Errorf argument (conventionally
// an object key, URL, or component name) as a log field, the way
// rclone's fs.Errorf(o, ...) takes an object as its first argument.
func subject(o interface{}) string {
	if o == nil {
		return "-"
	}
	if s, ok := o.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", o)
}

// Debugf logs at debug level, tagged with subject o.
func Debugf(o interface{}, format string, args ...interface{}) {
	std.WithField("subject", subject(o)).Debugf(format, args...)
}

// Infof logs at info level, tagged with subject o.
func Infof(o interface{}, format string, args ...interface{}) {
	std.WithField("subject", subject(o)).Infof(format, args...)
}

// Warnf logs at warn level, tagged with subject o.
func Warnf(o interface{}, format string, args ...interface{}) {
	std.WithField("subject", subject(o)).Warnf(format, args...)
}

// Errorf logs at error level, tagged with subject o.
func Errorf(o interface{}, format string, args ...interface{}) {
	std.WithField("subject", subject(o)).Errorf(format, args...)
}
