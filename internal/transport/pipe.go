package transport

import (
	"context"
	"net"
	"sync"
)

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// pipeEnd is one side of an in-memory endpoint pair. Frames are copied on
// send so callers may reuse their buffers.
type pipeEnd struct {
	name string
	in   <-chan []byte
	out  chan<- []byte
	// done is shared by both ends.
	done      chan struct{}
	closeOnce *sync.Once
}

// Pipe returns two connected in-memory endpoints. buffer is the number of
// frames each direction holds before Send blocks.
func Pipe(buffer int) (Endpoint, Endpoint) {
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	done := make(chan struct{})
	once := new(sync.Once)
	a := &pipeEnd{name: "pipe-a", in: ba, out: ab, done: done, closeOnce: once}
	b := &pipeEnd{name: "pipe-b", in: ab, out: ba, done: done, closeOnce: once}
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, frame []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	cp := append([]byte(nil), frame...)
	select {
	case p.out <- cp:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) ([]byte, error) {
	// frames already queued are still delivered after close
	select {
	case f := <-p.in:
		return f, nil
	default:
	}
	select {
	case f := <-p.in:
		return f, nil
	case <-p.done:
		select {
		case f := <-p.in:
			return f, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close(string) error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func (p *pipeEnd) RemoteAddr() string { return p.name }

// MemListener hands out in-memory endpoints created by Dial.
type MemListener struct {
	buffer  int
	pending chan Endpoint
	done    chan struct{}
	once    sync.Once
}

func NewMemListener(buffer int) *MemListener {
	return &MemListener{buffer: buffer, pending: make(chan Endpoint), done: make(chan struct{})}
}

// Dial connects a new client endpoint, blocking until Accept takes the
// server side.
func (l *MemListener) Dial(ctx context.Context) (Endpoint, error) {
	client, server := Pipe(l.buffer)
	select {
	case l.pending <- server:
		return client, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemListener) Accept(ctx context.Context) (Endpoint, error) {
	select {
	case ep := <-l.pending:
		return ep, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *MemListener) Addr() net.Addr { return pipeAddr("mem") }
