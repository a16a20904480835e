package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("enforcer")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("verdict changed", "lock", true)

	out := buf.String()
	if !strings.Contains(out, `msg="verdict changed"`) {
		t.Fatalf("expected message, got: %s", out)
	}
	if !strings.Contains(out, "component=enforcer") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "lock=true") {
		t.Fatalf("expected lock field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("heartbeat")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestInitJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "debug", &buf)

	L("state").Debug("loaded", KeyDeviceID, "dev-1")

	out := buf.String()
	if !strings.Contains(out, `"component":"state"`) || !strings.Contains(out, `"deviceId":"dev-1"`) {
		t.Fatalf("expected JSON fields, got: %s", out)
	}
}

func TestInitFansOutToExtraHandlers(t *testing.T) {
	var primary, extra bytes.Buffer
	extraHandler := slog.NewTextHandler(&extra, &slog.HandlerOptions{Level: slog.LevelWarn})
	Init("text", "info", &primary, extraHandler)
	t.Cleanup(func() { Init("text", "info", os.Stdout) })

	logger := L("privilege")
	logger.Info("helper started")
	logger.Warn("helper failed", KeySessionID, 2)

	if !strings.Contains(primary.String(), "helper started") || !strings.Contains(primary.String(), "helper failed") {
		t.Fatalf("primary sink should receive both records: %s", primary.String())
	}
	if strings.Contains(extra.String(), "helper started") {
		t.Fatalf("extra sink should filter info: %s", extra.String())
	}
	if !strings.Contains(extra.String(), "component=privilege") || !strings.Contains(extra.String(), "sessionId=2") {
		t.Fatalf("extra sink should keep logger attrs: %s", extra.String())
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected default logger")
	}
	custom := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	if got := FromContext(NewContext(context.Background(), custom)); got != custom {
		t.Fatal("expected logger stored in context")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRotatingWriterRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	rw, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 3; i++ {
		if _, err := rw.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected first backup: %v", err)
	}
	if _, err := os.Stat(path + ".2"); err != nil {
		t.Fatalf("expected second backup: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat active log: %v", err)
	}
	if info.Size() != int64(len(chunk)) {
		t.Fatalf("active log size = %d, want %d", info.Size(), len(chunk))
	}
}
