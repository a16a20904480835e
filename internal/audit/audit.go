// Package audit keeps a tamper-evident record of enforcement actions: verdict
// changes, lock attempts, disconnects and configuration edits.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parental/agent/internal/logging"
)

var log = logging.L("audit")

// Event types for audit logging.
const (
	EventAgentStart       = "agent_start"
	EventAgentStop        = "agent_stop"
	EventVerdictChanged   = "verdict_changed"
	EventDeviceUpdated    = "device_updated"
	EventLockFailed       = "lock_failed"
	EventDisconnect       = "disconnect"
	EventDisconnectFailed = "disconnect_failed"
	EventConfigChange     = "config_change"
	EventLogRotated       = "log_rotated"
)

const genesisHash = "genesis"

// criticalEvents are event types that require fsync after writing.
var criticalEvents = map[string]bool{
	EventAgentStart:       true,
	EventAgentStop:        true,
	EventConfigChange:     true,
	EventLockFailed:       true,
	EventDisconnect:       true,
	EventDisconnectFailed: true,
}

// Entry is a single audit log record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	DeviceID  string         `json:"deviceId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Options locates and sizes the audit file.
type Options struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// Logger writes JSONL audit records linked by a SHA-256 hash chain. After a
// rotation the first record in the new file is an EventLogRotated sentinel
// whose prevHash is the last hash of the old file. On restart the chain
// resumes from the last record on disk.
type Logger struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
}

// NewLogger opens (or creates) the audit file at opts.Path.
func NewLogger(opts Options) (*Logger, error) {
	if opts.Path == "" {
		return nil, errors.New("audit: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 3
	}

	l := &Logger{
		filePath:   opts.Path,
		maxSize:    int64(maxSize) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   genesisHash,
	}
	if last, err := lastEntryHash(opts.Path); err != nil {
		log.Warn("cannot resume audit hash chain, starting fresh link", "path", opts.Path, "error", err)
	} else if last != "" {
		l.prevHash = last
	}

	if err := l.openFile(); err != nil {
		return nil, err
	}

	log.Info("audit logger started", "path", opts.Path)
	return l, nil
}

// Path returns the active audit file.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// Log writes a single audit entry. The hash chain advances only after a
// successful write so a failed write never leaves a gap.
// Safe to call on a nil receiver (no-op).
func (l *Logger) Log(eventType string, deviceID string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		DeviceID:  deviceID,
		Details:   details,
		PrevHash:  l.prevHash,
	}

	entryHash, err := computeHash(entry)
	if err != nil {
		log.Error("failed to compute audit entry hash", "error", err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	entry.EntryHash = entryHash

	data, err := json.Marshal(entry)
	if err != nil {
		log.Error("failed to marshal audit entry", "error", err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	data = append(data, '\n')

	if l.written > 0 && l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			log.Error("audit log rotation failed", "error", err)
			l.dropped.Add(1)
			return
		}
		// The sentinel moved the chain head.
		entry.PrevHash = l.prevHash
		if entry.EntryHash, err = computeHash(entry); err != nil {
			l.dropped.Add(1)
			return
		}
		if data, err = json.Marshal(entry); err != nil {
			l.dropped.Add(1)
			return
		}
		data = append(data, '\n')
	}

	n, err := l.file.Write(data)
	if err != nil {
		log.Error("failed to write audit entry", "error", err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	l.written += int64(n)
	l.prevHash = entry.EntryHash

	if criticalEvents[eventType] {
		if err := l.file.Sync(); err != nil {
			log.Error("failed to fsync critical audit entry", "error", err, "eventType", eventType)
		}
	}
}

// Close flushes and closes the audit log file.
// Safe to call on a nil receiver (no-op).
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// DroppedCount returns the number of audit entries that failed to write, or
// -1 on a nil logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// computeHash hashes length-prefixed fields so no delimiter choice can make
// two different entries collide.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.DeviceID, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}

	l.file = f
	l.written = info.Size()
	return nil
}

func (l *Logger) rotate() error {
	prevHashBeforeRotation := l.prevHash

	if l.file != nil {
		l.file.Close()
	}

	for i := l.maxBackups; i >= 2; i-- {
		src := l.backupName(i - 1)
		dst := l.backupName(i)
		if i == l.maxBackups {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				log.Warn("audit log rotation: failed to remove oldest backup", "path", dst, "error", err)
			}
		}
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			log.Warn("audit log rotation: failed to rename backup", "src", src, "dst", dst, "error", err)
		}
	}

	if err := os.Rename(l.filePath, l.backupName(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("audit log rotation: failed to rename current log", "error", err)
	}

	if err := l.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  prevHashBeforeRotation,
		Details: map[string]any{
			"previousFile": l.backupName(1),
		},
	}
	sentinelHash, err := computeHash(sentinel)
	if err != nil {
		return l.breakChain("rotation sentinel hash failed", err)
	}
	sentinel.EntryHash = sentinelHash

	data, err := json.Marshal(sentinel)
	if err != nil {
		return l.breakChain("rotation sentinel marshal failed", err)
	}
	data = append(data, '\n')

	n, err := l.file.Write(data)
	if err != nil {
		return l.breakChain("rotation sentinel write failed", err)
	}
	l.written += int64(n)
	l.prevHash = sentinel.EntryHash
	return nil
}

// breakChain records that the chain could not be linked across a rotation.
// The rotation itself succeeded, so it returns nil.
func (l *Logger) breakChain(msg string, err error) error {
	log.Error(msg+", hash chain broken", "error", err)
	l.dropped.Add(1)
	l.prevHash = "chain-broken"
	return nil
}

func (l *Logger) backupName(index int) string {
	if index == 0 {
		return l.filePath
	}
	return fmt.Sprintf("%s.%d", l.filePath, index)
}

// lastEntryHash returns the entryHash of the final record in path, or "" if
// the file is missing or empty.
func lastEntryHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	var last string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := sc.Bytes(); len(line) > 0 {
			last = string(line)
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	if last == "" {
		return "", nil
	}
	var e Entry
	if err := json.Unmarshal([]byte(last), &e); err != nil {
		return "", fmt.Errorf("decode last audit record: %w", err)
	}
	return e.EntryHash, nil
}
