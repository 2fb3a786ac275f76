// Package transport abstracts the bidirectional message channel the
// correlation engine runs over. The engine only ever sees opaque byte
// frames; opening the socket, TLS, and auth headers live here.
package transport

import "context"

// Callbacks defines delivery hooks for transport events.
// All callbacks are optional; nil callbacks are ignored. OnMessage is
// invoked from a single goroutine, in the order frames arrive.
type Callbacks struct {
	// OnOpen is called once the connection is established.
	OnOpen func()

	// OnMessage is called for every inbound frame.
	OnMessage func(data []byte)

	// OnError is called for read failures other than a clean close.
	OnError func(err error)

	// OnClose is called exactly once when the connection ends, with the
	// error that ended it (nil for a clean local Close).
	OnClose func(err error)
}

// Transport is a persistent bidirectional message channel.
type Transport interface {
	// Connect establishes the connection and starts delivering inbound
	// frames to the OnMessage callback.
	Connect(ctx context.Context) error

	// Send hands one encoded frame to the peer. Safe for concurrent use.
	Send(data []byte) error

	// Close tears the connection down. Idempotent.
	Close() error
}
