//go:build !windows

package storagehttp

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// endpointPath resolves the configured endpoint name to the rendezvous
// point used by the listener. On unix the name is a filesystem path.
func endpointPath(name string) string {
	return name
}

// listenEndpoint binds the local stream listener. A stale socket file from
// a previous run is unlinked first, and the bind happens under a
// restrictive umask so the socket is not world-accessible. The listener
// unlinks the socket file again when closed.
func listenEndpoint(path string) (net.Listener, error) {
	_ = os.Remove(path)
	old := unix.Umask(0077)
	listener, err := net.Listen("unix", path)
	unix.Umask(old)
	return listener, err
}
