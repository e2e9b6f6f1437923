//go:build windows

package storagehttp

import (
	"net"

	"github.com/Microsoft/go-winio"
)

// endpointPath resolves the configured endpoint name to the rendezvous
// point used by the listener. On Windows the name lives in the named-pipe
// namespace.
func endpointPath(name string) string {
	return `\\.\pipe\` + name
}

func listenEndpoint(path string) (net.Listener, error) {
	return winio.ListenPipe(path, nil)
}
