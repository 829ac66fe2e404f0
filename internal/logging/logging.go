// Package logging builds the go-kit logger every component takes
// explicitly, grounded on cmd/fluxd/main.go's logger construction in
// the teacher repository: logfmt output, a UTC timestamp and caller
// pair attached once at the root, and a "component" field attached
// per subsystem via log.With.
package logging

import (
	"os"

	"github.com/go-kit/kit/log"
)

// New builds the root logger. format selects between logfmt (the
// default) and JSON, matching cmd/fluxd's --log-format flag.
func New(format string) log.Logger {
	var logger log.Logger
	if format == "json" {
		logger = log.NewJSONLogger(os.Stderr)
	} else {
		logger = log.NewLogfmtLogger(os.Stderr)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	return logger
}

// With narrows logger to a named component, the same shape every
// package in this module expects to receive.
func With(logger log.Logger, component string) log.Logger {
	return log.With(logger, "component", component)
}
