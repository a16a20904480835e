//go:build windows

package ipc

import (
	"context"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

// SDDL: SYSTEM and BUILTIN\Administrators only. Children cannot read the
// agent's status.
const pipeSecurity = "D:P(A;;GA;;;SY)(A;;GA;;;BA)"

// DefaultSocketPath returns the status named pipe.
func DefaultSocketPath() string {
	return `\\.\pipe\parental-agent`
}

func listen(path string) (net.Listener, error) {
	cfg := &winio.PipeConfig{
		SecurityDescriptor: pipeSecurity,
		InputBufferSize:    16 * 1024,
		OutputBufferSize:   64 * 1024,
	}
	ln, err := winio.ListenPipe(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("listen pipe %s: %w", path, err)
	}
	return ln, nil
}

func dial(ctx context.Context, path string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, path)
}

// peerIdentity groups all pipe clients together; the pipe ACL already
// restricts callers to administrators.
func peerIdentity(net.Conn) string {
	return "pipe"
}
