//go:build windows

package privilege

import (
	"fmt"

	"golang.org/x/sys/windows"
)

var (
	user32              = windows.NewLazySystemDLL("user32.dll")
	procLockWorkStation = user32.NewProc("LockWorkStation")
)

// LockWorkstation locks the desktop of the calling process's session. It
// only works from a process attached to an interactive desktop.
func LockWorkstation() error {
	ret, _, err := procLockWorkStation.Call()
	if ret == 0 {
		return fmt.Errorf("LockWorkStation: %w", err)
	}
	return nil
}
