//go:build !unix

package ipc

import "net"

func listen(path string) (net.Listener, error) {
	return net.Listen("unix", path)
}
