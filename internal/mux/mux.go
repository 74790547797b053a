// Package mux multiplexes browser-side virtual connections onto the native
// display server. Every Connection has its own object registry and native
// peer; nothing is addressable across connections except the objects a
// running Xwayland session exposes to all of them.
package mux

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wlbridge/internal/metrics"
	"wlbridge/internal/native"
	"wlbridge/internal/transfer"
	"wlbridge/internal/transport"
	"wlbridge/internal/wire"
)

var (
	ErrUnknownConnection = errors.New("mux: unknown connection")
	ErrConnectionClosed  = errors.New("mux: connection closed")
	ErrCapacity          = errors.New("mux: connection limit reached")
	ErrNotServing        = errors.New("mux: not serving")
	// ErrNativeUnreachable is fatal: the display server cannot be reached
	// and no connection can be bridged.
	ErrNativeUnreachable = native.ErrNativeUnreachable
)

// Handle identifies a Connection within its Multiplexer.
type Handle uint64

// Config tunes a Multiplexer.
type Config struct {
	// MaxConnections bounds concurrent connections. Zero means no limit.
	MaxConnections int
	// MaxPendingFrames bounds the inbound frames queued per connection
	// before Route blocks.
	MaxPendingFrames int
	// InboundBytesPerSec and InboundFramesPerSec pace what each browser
	// connection may push. Zero is unlimited.
	InboundBytesPerSec  int
	InboundFramesPerSec int
	InboundBurst        int
	Transfer            transfer.Config
}

// Multiplexer owns every Connection and the native coordinator they share.
type Multiplexer struct {
	cfg     Config
	table   *wire.Table
	bridged *wire.Codec
	native  *wire.Codec
	coord   *native.Coordinator
	limiter *Limiter
	log     *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	conns   map[Handle]*Connection
	next    Handle
	xw      *xwaylandSession
	stopped bool
	serving chan struct{}
}

// New builds a Multiplexer that reaches the display server through dial.
func New(cfg Config, table *wire.Table, dial native.DialFunc, log *zap.Logger) *Multiplexer {
	if cfg.MaxPendingFrames <= 0 {
		cfg.MaxPendingFrames = 256
	}
	if table == nil {
		table = wire.CoreTable()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Multiplexer{
		cfg:     cfg,
		table:   table,
		bridged: wire.NewCodec(table, wire.Bridged),
		native:  wire.NewCodec(table, wire.Native),
		coord:   native.NewCoordinator(dial, log.Named("native")),
		limiter: NewLimiter(cfg.MaxConnections),
		log:     log,
		conns:   make(map[Handle]*Connection),
		serving: make(chan struct{}),
	}
}

// Serve runs the native coordinator and accepts endpoints from ln until
// ctx ends or the display server becomes unreachable. The latter is
// returned as an error wrapping ErrNativeUnreachable. Every connection is
// closed before Serve returns.
func (m *Multiplexer) Serve(ctx context.Context, ln transport.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return errors.New("mux: already serving")
	}
	m.ctx = gctx
	close(m.serving)
	m.mu.Unlock()

	g.Go(func() error {
		err := m.coord.Run(gctx)
		if err != nil {
			m.log.Error("native display unreachable", zap.Error(err))
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			ep, err := ln.Accept(gctx)
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
					return nil
				}
				return fmt.Errorf("mux: accept: %w", err)
			}
			go func() {
				if _, err := m.Accept(gctx, ep); err != nil {
					m.log.Warn("connection refused", zap.String("remote", ep.RemoteAddr()), zap.Error(err))
				}
			}()
		}
	})

	err := g.Wait()
	m.shutdown()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	return err
}

// Serving is closed once Serve has started accepting.
func (m *Multiplexer) Serving() <-chan struct{} { return m.serving }

// Accept starts a Connection over ep. Serve must be running. On failure ep
// is closed.
func (m *Multiplexer) Accept(ctx context.Context, ep transport.Endpoint) (Handle, error) {
	m.mu.Lock()
	base, stopped := m.ctx, m.stopped
	m.mu.Unlock()
	if base == nil || stopped {
		_ = ep.Close("bridge not serving")
		return 0, ErrNotServing
	}
	if !m.limiter.TryAcquire() {
		metrics.IncRejected("capacity")
		_ = ep.Close("connection limit reached")
		return 0, ErrCapacity
	}

	c := newConnection(m, ep, base)
	peer, err := m.coord.Open(ctx, c)
	if err != nil {
		m.limiter.Release()
		_ = ep.Close("display server unavailable")
		return 0, fmt.Errorf("mux: open native peer: %w", err)
	}
	c.peer = peer

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = m.coord.Release(context.Background(), peer)
		m.limiter.Release()
		_ = ep.Close("shutting down")
		return 0, ErrNotServing
	}
	m.next++
	c.handle = m.next
	c.log = m.log.With(zap.Uint64("conn", uint64(c.handle)))
	m.conns[c.handle] = c
	xw := m.xw
	m.mu.Unlock()

	metrics.IncConnections()
	c.log.Info("connection accepted", zap.String("remote", ep.RemoteAddr()))
	if xw != nil {
		c.post(func() error { return c.exposeXWayland(xw.display) })
	}
	c.start()
	return c.handle, nil
}

// Route queues a frame received on h's endpoint. Frames of one connection
// are processed strictly in the order they are routed.
func (m *Multiplexer) Route(ctx context.Context, h Handle, frame []byte) error {
	c, err := m.Connection(h)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, frame)
}

// Close tears down h and waits until its resources are released.
func (m *Multiplexer) Close(h Handle) error {
	c, err := m.Connection(h)
	if err != nil {
		return err
	}
	c.requestClose(errClosedByOwner)
	<-c.done
	return nil
}

// Connection returns the live connection for h.
func (m *Multiplexer) Connection(h Handle) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownConnection, h)
	}
	return c, nil
}

// Handles lists live connections in accept order.
func (m *Multiplexer) Handles() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Handle, 0, len(m.conns))
	for h := range m.conns {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Coordinator exposes the native coordinator for health checks.
func (m *Multiplexer) Coordinator() *native.Coordinator { return m.coord }

func (m *Multiplexer) remove(h Handle) {
	m.mu.Lock()
	delete(m.conns, h)
	m.mu.Unlock()
}

func (m *Multiplexer) connections() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

func (m *Multiplexer) shutdown() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	for _, c := range m.connections() {
		c.requestClose(errShutdown)
		<-c.done
	}
	m.detachXWayland()
}
