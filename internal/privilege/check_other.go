//go:build !windows

package privilege

import "os"

// RunningAsSystem reports whether the process runs with UID 0.
func RunningAsSystem() bool {
	return os.Getuid() == 0
}
