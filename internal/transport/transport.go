// Package transport is the framing boundary between a virtual connection
// and the physical channel that carries it. An Endpoint moves whole frames:
// one Send is one Recv on the other side.
package transport

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrClosed is returned once an endpoint or listener is closed, by
	// either side.
	ErrClosed        = errors.New("transport: closed")
	ErrFrameTooLarge = errors.New("transport: frame too large")
)

// Endpoint is one virtual connection's duplex frame channel.
type Endpoint interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	// Close ends the channel. reason is shown to the peer where the
	// carrier supports it.
	Close(reason string) error
	RemoteAddr() string
}

// Listener yields endpoints for newly attached virtual connections.
type Listener interface {
	Accept(ctx context.Context) (Endpoint, error)
	Close() error
	Addr() net.Addr
}
