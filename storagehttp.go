// Package storagehttp implements a ccache HTTP(S) remote storage helper.
//
// ccache starts the helper as a subprocess when a remote HTTP storage
// backend is configured and talks to it over a local stream (a unix socket,
// or a named pipe on Windows) using a small length-framed binary protocol.
// The helper translates each GET/PUT/REMOVE request into HTTP requests
// against the configured origin and writes a framed response back.
//
// On accept the helper sends a greeting advertising its protocol version
// and capabilities. After that the client sends a stream of requests and
// the helper replies to each one, preserving per-connection request order.
// A STOP request, or an optional idle timeout, shuts the process down.
//
// Configuration is passed through CRSH_* environment variables; see
// ParseConfig.
package storagehttp
