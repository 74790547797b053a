package native

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrNativeUnreachable means the display server could not be reached.
	// No bridging can continue.
	ErrNativeUnreachable = errors.New("native: display server unreachable")
	ErrStopped           = errors.New("native: coordinator stopped")
	ErrPeerClosed        = errors.New("native: peer closed")
)

// Sink receives what the display server sends to one peer. Calls come from
// the coordinator goroutine and must not block.
type Sink interface {
	// NativeData delivers stream bytes and the descriptors that arrived
	// with them. The sink owns the descriptors.
	NativeData(data []byte, fds []int)
	// NativeClosed reports that the peer is gone. It is not called for
	// peers the owner released itself.
	NativeClosed(err error)
}

// Peer is one native connection held on behalf of a virtual connection.
type Peer struct {
	id   uint64
	conn *Conn
	sink Sink
	// released is only touched by the coordinator goroutine.
	released bool
}

func (p *Peer) ID() uint64 { return p.id }

// DialFunc opens a new connection to the display server.
type DialFunc func(ctx context.Context) (*Conn, error)

// DialPath returns a DialFunc for a fixed socket path.
func DialPath(path string) DialFunc {
	return func(ctx context.Context) (*Conn, error) { return Dial(ctx, path) }
}

type request struct {
	op    func() error
	reply chan error
}

type readEvent struct {
	peer *Peer
	data []byte
	fds  []int
	err  error
}

// Coordinator owns every native peer. All writes, opens and releases run on
// its goroutine in submission order, and every read is dispatched from it.
type Coordinator struct {
	dial DialFunc
	log  *zap.Logger

	reqs    chan request
	reads   chan readEvent
	done    chan struct{}
	started atomic.Bool
	stopErr error
	stopMu  sync.Mutex

	// owned by the Run goroutine
	peers  map[uint64]*Peer
	nextID uint64
	fatal  error
}

func NewCoordinator(dial DialFunc, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		dial:  dial,
		log:   log,
		reqs:  make(chan request),
		reads: make(chan readEvent, 64),
		done:  make(chan struct{}),
		peers: make(map[uint64]*Peer),
	}
}

// Run serves requests until ctx ends or the display server becomes
// unreachable, in which case it returns an error wrapping
// ErrNativeUnreachable. Every remaining peer is closed on return.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("native: coordinator already running")
	}
	err := c.loop(ctx)
	c.stopMu.Lock()
	c.stopErr = err
	c.stopMu.Unlock()
	close(c.done)

	for id, p := range c.peers {
		delete(c.peers, id)
		p.conn.Close()
		p.sink.NativeClosed(ErrStopped)
	}
	// drain reads that raced with shutdown so their descriptors close
	for {
		select {
		case ev := <-c.reads:
			CloseFDs(ev.fds)
		default:
			return err
		}
	}
}

func (c *Coordinator) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-c.reqs:
			req.reply <- req.op()
			if c.fatal != nil {
				return c.fatal
			}
		case ev := <-c.reads:
			c.dispatch(ev)
		}
	}
}

func (c *Coordinator) dispatch(ev readEvent) {
	p := ev.peer
	if p.released {
		CloseFDs(ev.fds)
		return
	}
	if ev.err != nil {
		delete(c.peers, p.id)
		p.released = true
		p.conn.Close()
		c.log.Debug("native peer closed", zap.Uint64("peer", p.id), zap.Error(ev.err))
		p.sink.NativeClosed(fmt.Errorf("%w: %v", ErrPeerClosed, ev.err))
		return
	}
	p.sink.NativeData(ev.data, ev.fds)
}

// Err returns why Run stopped, or nil while it is running.
func (c *Coordinator) Err() error {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()
	return c.stopErr
}

// Done is closed when Run returns.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) submit(ctx context.Context, op func() error) error {
	req := request{op: op, reply: make(chan error, 1)}
	select {
	case c.reqs <- req:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-c.done:
		return ErrStopped
	}
}

// Open dials a new peer for sink. A dial failure is fatal to the
// coordinator.
func (c *Coordinator) Open(ctx context.Context, sink Sink) (*Peer, error) {
	var peer *Peer
	err := c.submit(ctx, func() error {
		conn, err := c.dial(ctx)
		if err != nil {
			c.fatal = fmt.Errorf("%w: %v", ErrNativeUnreachable, err)
			return c.fatal
		}
		c.nextID++
		peer = &Peer{id: c.nextID, conn: conn, sink: sink}
		c.peers[peer.id] = peer
		go c.readLoop(peer)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return peer, nil
}

func (c *Coordinator) readLoop(p *Peer) {
	for {
		data, fds, err := p.conn.Read()
		select {
		case c.reads <- readEvent{peer: p, data: data, fds: fds, err: err}:
		case <-c.done:
			CloseFDs(fds)
			return
		}
		if err != nil {
			return
		}
	}
}

// Write sends one or more encoded messages with their descriptors. The
// coordinator closes fds once the write is attempted, whatever the
// outcome. A write failure closes the peer and is reported to its sink,
// which must not call back into the coordinator from NativeClosed.
func (c *Coordinator) Write(ctx context.Context, p *Peer, data []byte, fds []int) error {
	var ran atomic.Bool
	err := c.submit(ctx, func() error {
		ran.Store(true)
		defer CloseFDs(fds)
		if p.released {
			return ErrPeerClosed
		}
		if err := p.conn.Write(data, fds); err != nil {
			delete(c.peers, p.id)
			p.released = true
			p.conn.Close()
			err = fmt.Errorf("%w: write: %v", ErrPeerClosed, err)
			p.sink.NativeClosed(err)
			return err
		}
		return nil
	})
	if err != nil && !ran.Load() {
		CloseFDs(fds)
	}
	return err
}

// Release closes a peer on behalf of its owner. The display server
// then frees every object the peer held.
func (c *Coordinator) Release(ctx context.Context, p *Peer) error {
	return c.submit(ctx, func() error {
		if p.released {
			return nil
		}
		p.released = true
		delete(c.peers, p.id)
		return p.conn.Close()
	})
}

// Peers counts open peers. It must not be called from a Sink.
func (c *Coordinator) Peers(ctx context.Context) (int, error) {
	var n int
	err := c.submit(ctx, func() error {
		n = len(c.peers)
		return nil
	})
	return n, err
}
