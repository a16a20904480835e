//go:build linux

package ipc

import (
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// peerIdentity returns the kernel-verified UID of a unix socket peer, used
// as the rate limit key.
func peerIdentity(conn net.Conn) string {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return "unknown"
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return "unknown"
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || credErr != nil || cred == nil {
		return "unknown"
	}
	return "uid:" + strconv.FormatUint(uint64(cred.Uid), 10)
}
