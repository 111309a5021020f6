// Package transport provides the abstract byte-stream the protocol clients
// negotiate over, plus its concrete backings: native TCP, an in-process
// scripted double for tests, and an optional WebSocket shim for browser-like
// contexts that cannot open raw TCP sockets.
package transport

import "context"

// Stream is the ordered, single-reader byte-stream contract every hop
// client negotiates against. Implementations never interleave reads: the
// orchestrator guarantees exactly one in-flight operation at a time.
type Stream interface {
	// ReadExact returns exactly n bytes, or a *proxyerr.Error of kind IO if
	// the peer closes first. TCPStream and ScriptStream report ctx's deadline
	// passing first as a Timeout error; WSStream does not consult ctx.
	ReadExact(ctx context.Context, n int) ([]byte, error)

	// ReadUntilCRLF returns bytes up to and including the first "\r\n",
	// failing with a Protocol error if maxBytes is exceeded without finding
	// one, or an IO error on close.
	ReadUntilCRLF(ctx context.Context, maxBytes int) ([]byte, error)

	// WriteAll writes every byte of b or fails with an IO error.
	WriteAll(ctx context.Context, b []byte) error

	// Close is idempotent and safe to call on a half-open stream.
	Close() error
}

// Dialer opens a Stream to a host:port. TCPStream, ScriptStream (via a
// fixed pre-wired pair), and WSStream all satisfy this so the orchestrator
// can open hop 1 without knowing which backing it's driving.
type Dialer interface {
	Open(ctx context.Context, address string, port int) (Stream, error)
}
