package rdt

import (
	"os"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("rdt")

var logFormat = logging.MustStringFormatter(
	"%{color}%{time:15:04:05.000} %{shortfunc} ▶ %{level:.4s}%{color:reset} %{message}",
)

// SetupLogging configures the package logger. Intended for the CLI
// entry points; library users may install their own backend instead.
func SetupLogging(level string) error {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, logFormat)
	leveled := logging.AddModuleLevel(formatted)
	parsed, err := logging.LogLevel(level)
	if err != nil {
		return err
	}
	leveled.SetLevel(parsed, "rdt")
	logging.SetBackend(leveled)
	return nil
}
