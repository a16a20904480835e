//go:build !windows

package privilege

// LockWorkstation is only implemented on Windows.
func LockWorkstation() error {
	return ErrUnsupportedPlatform
}
