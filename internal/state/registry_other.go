//go:build !windows

package state

func newRegistryStore(string) (Store, error) {
	return nil, ErrUnsupportedBackend
}
