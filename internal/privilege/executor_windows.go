//go:build windows

package privilege

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modWtsapi32              = windows.NewLazySystemDLL("wtsapi32.dll")
	procWTSDisconnectSession = modWtsapi32.NewProc("WTSDisconnectSession")
)

const wtsCurrentServerHandle = 0

type windowsExecutor struct {
	opts Options
}

// NewExecutor returns the Windows executor. It fails with ErrNotPrivileged
// when the process is not LocalSystem (WTSQueryUserToken needs
// SeTcbPrivilege) and with ErrHelperMissing when the helper is absent.
func NewExecutor(opts Options) (Executor, error) {
	if err := RequireSystem(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	if _, err := os.Stat(opts.HelperPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrHelperMissing, opts.HelperPath)
	}
	return &windowsExecutor{opts: opts}, nil
}

func (e *windowsExecutor) Lock(ctx context.Context, sessionID int) error {
	if err := ctx.Err(); err != nil {
		return &OpError{Op: "lock", SessionID: sessionID, Err: err}
	}
	if _, err := os.Stat(e.opts.HelperPath); err != nil {
		return &OpError{Op: "lock", SessionID: sessionID, Err: fmt.Errorf("%w: %s", ErrHelperMissing, e.opts.HelperPath)}
	}
	if err := e.runHelperInSession(uint32(sessionID)); err != nil {
		return &OpError{Op: "lock", SessionID: sessionID, Err: err}
	}
	return nil
}

// runHelperInSession starts the lock helper with the session user's own
// token on winsta0\default, waits for it, and maps its exit code.
func (e *windowsExecutor) runHelperInSession(sessionID uint32) error {
	// 1. The logged-on user's impersonation token.
	var userToken windows.Token
	if err := windows.WTSQueryUserToken(sessionID, &userToken); err != nil {
		return fmt.Errorf("WTSQueryUserToken: %w", err)
	}
	defer userToken.Close()

	// 2. Primary token usable by CreateProcessAsUser.
	var primary windows.Token
	err := windows.DuplicateTokenEx(
		userToken,
		windows.GENERIC_ALL,
		nil,
		windows.SecurityImpersonation,
		windows.TokenPrimary,
		&primary,
	)
	if err != nil {
		return fmt.Errorf("DuplicateTokenEx: %w", err)
	}
	defer primary.Close()

	// 3. The user's environment, so the helper resolves its profile paths.
	var env *uint16
	if err := windows.CreateEnvironmentBlock(&env, primary, false); err != nil {
		return fmt.Errorf("CreateEnvironmentBlock: %w", err)
	}
	defer windows.DestroyEnvironmentBlock(env)

	cmdLine, err := windows.UTF16PtrFromString(e.commandLine())
	if err != nil {
		return fmt.Errorf("UTF16PtrFromString: %w", err)
	}
	workDir, err := windows.UTF16PtrFromString(filepath.Dir(e.opts.HelperPath))
	if err != nil {
		return fmt.Errorf("UTF16PtrFromString workdir: %w", err)
	}
	desktop, err := windows.UTF16PtrFromString(`winsta0\default`)
	if err != nil {
		return fmt.Errorf("UTF16PtrFromString desktop: %w", err)
	}

	si := windows.StartupInfo{
		Cb:         uint32(unsafe.Sizeof(windows.StartupInfo{})),
		Desktop:    desktop,
		Flags:      windows.STARTF_USESHOWWINDOW,
		ShowWindow: windows.SW_HIDE,
	}
	var pi windows.ProcessInformation

	// 4. Launch hidden in the target session.
	err = windows.CreateProcessAsUser(
		primary,
		nil,
		cmdLine,
		nil,
		nil,
		false,
		windows.CREATE_NO_WINDOW|windows.CREATE_UNICODE_ENVIRONMENT,
		env,
		workDir,
		&si,
		&pi,
	)
	if err != nil {
		return fmt.Errorf("CreateProcessAsUser: %w", err)
	}
	defer windows.CloseHandle(pi.Process)
	defer windows.CloseHandle(pi.Thread)

	log.Debug("spawned lock helper", "sessionId", sessionID, "pid", pi.ProcessId)

	// 5. Bounded wait.
	event, err := windows.WaitForSingleObject(pi.Process, uint32(e.opts.HelperTimeout.Milliseconds()))
	switch event {
	case windows.WAIT_OBJECT_0:
	case uint32(windows.WAIT_TIMEOUT):
		if terr := windows.TerminateProcess(pi.Process, 1); terr != nil {
			log.Warn("failed to terminate hung lock helper", "pid", pi.ProcessId, "error", terr)
		}
		return fmt.Errorf("%w after %s", ErrHelperTimeout, e.opts.HelperTimeout)
	default:
		if err == nil {
			err = errors.New("unexpected wait result " + strconv.FormatUint(uint64(event), 10))
		}
		return fmt.Errorf("WaitForSingleObject: %w", err)
	}

	// 6. Helper exits 0 only when LockWorkStation succeeded.
	var exitCode uint32
	if err := windows.GetExitCodeProcess(pi.Process, &exitCode); err != nil {
		return fmt.Errorf("GetExitCodeProcess: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("%w: exit code %d", ErrHelperExit, exitCode)
	}
	return nil
}

func (e *windowsExecutor) commandLine() string {
	return fmt.Sprintf(`"%s" --attempts %d --backoff %s`,
		e.opts.HelperPath, e.opts.Attempts, e.opts.Backoff)
}

func (e *windowsExecutor) Disconnect(sessionID int) error {
	r1, _, err := procWTSDisconnectSession.Call(
		wtsCurrentServerHandle,
		uintptr(uint32(sessionID)),
		0, // bWait
	)
	if r1 == 0 {
		return &OpError{Op: "disconnect", SessionID: sessionID, Err: fmt.Errorf("WTSDisconnectSession: %w", err)}
	}
	return nil
}
