//go:build unix

package ipc

import (
	"net"

	"golang.org/x/sys/unix"
)

// listen binds the socket with owner-only permissions.
func listen(path string) (net.Listener, error) {
	old := unix.Umask(0o077)
	defer unix.Umask(old)
	return net.Listen("unix", path)
}
