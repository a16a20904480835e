//go:build windows

package privilege

import "golang.org/x/sys/windows"

// RunningAsSystem reports whether the process token belongs to LocalSystem.
func RunningAsSystem() bool {
	token := windows.GetCurrentProcessToken()
	user, err := token.GetTokenUser()
	if err != nil {
		log.Debug("GetTokenUser failed", "error", err)
		return false
	}
	return user.User.Sid.IsWellKnown(windows.WinLocalSystemSid)
}
