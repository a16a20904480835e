//go:build !windows

package logging

import (
	"errors"
	"log/slog"
)

var errEventLogUnsupported = errors.New("windows event log not available on this platform")

// InstallEventSource is a no-op on non-Windows platforms.
func InstallEventSource(string) error { return nil }

// RemoveEventSource is a no-op on non-Windows platforms.
func RemoveEventSource(string) error { return nil }

// NewEventLogHandler always fails on non-Windows platforms; callers fall back
// to the file/stdout sink.
func NewEventLogHandler(string, string) (slog.Handler, func() error, error) {
	return nil, nil, errEventLogUnsupported
}
