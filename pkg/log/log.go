// Package log provides the logging backend, based around the go-logging
// package. Components take a *logging.Logger obtained from a shared Backend
// so that per-module log levels stay consistent across the process.
package log

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/op/go-logging.v1"
)

const format = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

// Backend is a log backend.
type Backend struct {
	w       io.Writer
	backend logging.LeveledBackend
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b.backend)
	return l
}

// New initializes a logging backend. An empty file name logs to stdout;
// disable silences output entirely.
func New(f string, level string, disable bool) (*Backend, error) {
	lvl, err := logLevelFromString(level)
	if err != nil {
		return nil, err
	}

	b := new(Backend)
	if disable {
		b.w = io.Discard
	} else if f == "" {
		b.w = os.Stdout
	} else {
		const fileMode = 0600
		flags := os.O_CREATE | os.O_APPEND | os.O_WRONLY
		b.w, err = os.OpenFile(f, flags, fileMode)
		if err != nil {
			return nil, fmt.Errorf("log: failed to create log file: %v", err)
		}
	}

	base := logging.NewLogBackend(b.w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(format))
	b.backend = logging.AddModuleLevel(formatted)
	b.backend.SetLevel(lvl, "")

	return b, nil
}

// Disabled returns a logger that discards everything, for components whose
// caller did not configure logging.
func Disabled(module string) *logging.Logger {
	b, _ := New("", "CRITICAL", true)
	return b.GetLogger(module)
}

func logLevelFromString(level string) (logging.Level, error) {
	switch level {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	case "CRITICAL":
		return logging.CRITICAL, nil
	}
	return logging.CRITICAL, fmt.Errorf("log: invalid level: '%v'", level)
}
