package privilege

// RequireSystem returns ErrNotPrivileged unless the process runs as
// LocalSystem (root elsewhere).
func RequireSystem() error {
	if !RunningAsSystem() {
		return ErrNotPrivileged
	}
	return nil
}
