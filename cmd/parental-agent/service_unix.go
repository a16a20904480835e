//go:build !windows

package main

import "fmt"

// serviceName is the systemd unit name without the .service suffix.
const serviceName = "parental-agent"

// isWindowsService always returns false on non-Windows platforms.
func isWindowsService() bool { return false }

// logToStdout is always true: under systemd stdout goes to the journal.
func logToStdout() bool { return true }

// runAsService is a no-op stub on non-Windows platforms.
func runAsService(_ func() (*agentComponents, error)) error {
	return fmt.Errorf("Windows service mode is not available on this platform")
}
