//go:build !windows

package privilege

// NewExecutor reports ErrUnsupportedPlatform; the agent then runs with
// enforcement disabled.
func NewExecutor(Options) (Executor, error) {
	return nil, ErrUnsupportedPlatform
}
