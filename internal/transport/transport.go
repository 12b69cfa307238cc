// Package transport abstracts the bidirectional message-oriented connection
// the protocol engine runs over. The production implementation is a
// websocket; tests use an in-memory pipe.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send and Receive after the connection is closed.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one established message-oriented connection. Send and Receive
// move whole messages; framing is the transport's problem. Receive blocks
// until a message arrives, the peer goes away, or Close is called.
type Conn interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer establishes connections to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}
