// Package privilege performs the OS actions that need LocalSystem rights:
// locking a user's session by proxy and forcibly disconnecting it.
package privilege

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/parental/agent/internal/logging"
)

var log = logging.L("privilege")

var (
	ErrUnsupportedPlatform = errors.New("privilege: not supported on " + runtime.GOOS)
	ErrNotPrivileged       = errors.New("privilege: process lacks LocalSystem rights")
	ErrHelperMissing       = errors.New("privilege: lock helper binary not found")
	ErrHelperTimeout       = errors.New("privilege: lock helper timed out")
	ErrHelperExit          = errors.New("privilege: lock helper reported failure")
)

// Default helper settings. The helper gets a short window; a hung lock must
// not stall the enforcement loop.
const (
	DefaultHelperTimeout = 3 * time.Second
	DefaultAttempts      = 3
	DefaultBackoff       = 500 * time.Millisecond
)

// Executor runs privileged session actions. Both calls block until the OS
// reports an outcome.
type Executor interface {
	// Lock locks the given session. On Windows this spawns the lock helper
	// inside the session, since LockWorkStation only affects the caller's
	// own desktop.
	Lock(ctx context.Context, sessionID int) error
	// Disconnect detaches the session from the console without logging
	// the user off.
	Disconnect(sessionID int) error
}

// Options configures the executor.
type Options struct {
	// HelperPath is the lock helper binary. Empty means the helper next to
	// the running executable.
	HelperPath    string
	HelperTimeout time.Duration
	// Attempts and Backoff are forwarded to the helper.
	Attempts int
	Backoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.HelperPath == "" {
		o.HelperPath = DefaultHelperPath()
	}
	if o.HelperTimeout <= 0 {
		o.HelperTimeout = DefaultHelperTimeout
	}
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.Backoff < 0 {
		o.Backoff = DefaultBackoff
	}
	return o
}

// HelperName is the lock helper's file name on this platform.
func HelperName() string {
	if runtime.GOOS == "windows" {
		return "parental-lock-helper.exe"
	}
	return "parental-lock-helper"
}

// DefaultHelperPath returns the helper located beside the running binary.
func DefaultHelperPath() string {
	exe, err := os.Executable()
	if err != nil {
		return HelperName()
	}
	return filepath.Join(filepath.Dir(exe), HelperName())
}

// OpError records which privileged operation failed and on which session.
type OpError struct {
	Op        string
	SessionID int
	Err       error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("privilege: %s session %d: %v", e.Op, e.SessionID, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
