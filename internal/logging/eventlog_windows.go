//go:build windows

package logging

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sys/windows/svc/eventlog"
)

// Event IDs written to the Application log. Operators filter on these.
const (
	eventIDInfo    = 1
	eventIDWarning = 2
	eventIDError   = 3
)

// InstallEventSource registers source with the Application event log.
// Requires administrator rights; called from `service install`.
func InstallEventSource(source string) error {
	err := eventlog.InstallAsEventCreate(source, eventlog.Error|eventlog.Warning|eventlog.Info)
	if err != nil && !strings.Contains(err.Error(), "registry key already exists") {
		return fmt.Errorf("install event source %s: %w", source, err)
	}
	return nil
}

// RemoveEventSource removes the registration created by InstallEventSource.
func RemoveEventSource(source string) error {
	return eventlog.Remove(source)
}

// EventLogHandler writes records at or above minLevel to the Windows Event
// Log. Each record is rendered with a text handler so attributes survive.
type EventLogHandler struct {
	log      *eventlog.Log
	minLevel slog.Level
	mu       *sync.Mutex
	buf      *bytes.Buffer
	text     slog.Handler
}

// NewEventLogHandler opens the event source. The returned closer releases it.
func NewEventLogHandler(source, minLevel string) (slog.Handler, func() error, error) {
	l, err := eventlog.Open(source)
	if err != nil {
		return nil, nil, fmt.Errorf("open event log %s: %w", source, err)
	}
	buf := &bytes.Buffer{}
	lvl := ParseLevel(minLevel)
	h := &EventLogHandler{
		log:      l,
		minLevel: lvl,
		mu:       &sync.Mutex{},
		buf:      buf,
		text: slog.NewTextHandler(buf, &slog.HandlerOptions{
			Level: lvl,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				// The event log stamps its own time and severity.
				if len(groups) == 0 && (a.Key == slog.TimeKey || a.Key == slog.LevelKey) {
					return slog.Attr{}
				}
				return a
			},
		}),
	}
	return h, l.Close, nil
}

func (h *EventLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel
}

func (h *EventLogHandler) Handle(ctx context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf.Reset()
	if err := h.text.Handle(ctx, record); err != nil {
		return err
	}
	msg := strings.TrimRight(h.buf.String(), "\n")

	switch {
	case record.Level >= slog.LevelError:
		return h.log.Error(eventIDError, msg)
	case record.Level >= slog.LevelWarn:
		return h.log.Warning(eventIDWarning, msg)
	default:
		return h.log.Info(eventIDInfo, msg)
	}
}

func (h *EventLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.text = h.text.WithAttrs(attrs)
	return &clone
}

func (h *EventLogHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.text = h.text.WithGroup(name)
	return &clone
}
