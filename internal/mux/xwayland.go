package mux

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"wlbridge/internal/envelope"
	"wlbridge/internal/native"
	"wlbridge/internal/xwayland"
)

const xwaylandOwner = "xwayland"

// Interfaces of the objects exposed to every connection while an Xwayland
// session runs.
const (
	XWaylandDisplayInterface = "xwayland_display"
	XWaylandWMInterface      = "xwayland_wm"
)

type xwaylandSession struct {
	display int
	relay   *relay
}

var _ xwayland.Listener = (*Multiplexer)(nil)

// XWaylandReady implements xwayland.Listener. Xwayland's own display
// connection is relayed to the display server through the coordinator and
// every connection is told about the new display.
func (m *Multiplexer) XWaylandReady(r xwayland.Ready) {
	m.mu.Lock()
	ctx, stopped := m.ctx, m.stopped
	m.mu.Unlock()
	if ctx == nil || stopped {
		m.log.Warn("xwayland ready while not serving", zap.Int("display", r.Display))
		return
	}

	rl, err := startRelay(ctx, m, r.Client)
	if err != nil {
		m.log.Error("xwayland relay failed", zap.Error(err))
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		rl.close()
		return
	}
	m.xw = &xwaylandSession{display: r.Display, relay: rl}
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	m.log.Info("xwayland exposed", zap.Int("display", r.Display), zap.Int("connections", len(conns)))
	for _, c := range conns {
		c := c
		c.post(func() error { return c.exposeXWayland(r.Display) })
	}
}

// XWaylandDestroyed implements xwayland.Listener.
func (m *Multiplexer) XWaylandDestroyed() { m.detachXWayland() }

// XWaylandFailed implements xwayland.Listener.
func (m *Multiplexer) XWaylandFailed(err error) {
	n := envelope.Notice{Code: envelope.NoticeXWaylandFailed, Message: err.Error(), Display: -1}
	for _, c := range m.connections() {
		c := c
		c.post(func() error { return c.sendNotice(n) })
	}
}

// XWaylandDisplay returns the display exposed to connections, or -1.
func (m *Multiplexer) XWaylandDisplay() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.xw == nil {
		return -1
	}
	return m.xw.display
}

func (m *Multiplexer) detachXWayland() {
	m.mu.Lock()
	xw := m.xw
	m.xw = nil
	m.mu.Unlock()
	if xw == nil {
		return
	}
	xw.relay.close()
	for _, c := range m.connections() {
		c := c
		c.post(c.retractXWayland)
	}
	m.log.Info("xwayland retracted", zap.Int("display", xw.display))
}

// relay pumps bytes and descriptors between Xwayland's client socket and
// a native peer of its own.
type relay struct {
	m      *Multiplexer
	client *native.Conn
	peer   *native.Peer

	mu     sync.Mutex
	queue  []nativeRead
	closed bool
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func startRelay(ctx context.Context, m *Multiplexer, client *native.Conn) (*relay, error) {
	r := &relay{
		m:      m,
		client: client,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	peer, err := m.coord.Open(ctx, r)
	if err != nil {
		return nil, err
	}
	r.peer = peer
	go r.writeLoop()
	go r.readLoop(ctx)
	return r, nil
}

// NativeData implements native.Sink.
func (r *relay) NativeData(data []byte, fds []int) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		native.CloseFDs(fds)
		return
	}
	r.queue = append(r.queue, nativeRead{data: data, fds: fds})
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// NativeClosed implements native.Sink.
func (r *relay) NativeClosed(err error) {
	r.m.log.Debug("xwayland native peer closed", zap.Error(err))
	r.stop()
}

func (r *relay) stop() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		queue := r.queue
		r.queue = nil
		r.mu.Unlock()
		for _, q := range queue {
			native.CloseFDs(q.fds)
		}
		close(r.done)
		// unblocks readLoop; the controller owns the conn and closes it again
		_ = r.client.Close()
	})
}

func (r *relay) close() {
	r.stop()
	_ = r.m.coord.Release(context.Background(), r.peer)
}

func (r *relay) writeLoop() {
	for {
		select {
		case <-r.wake:
		case <-r.done:
			return
		}
		r.mu.Lock()
		queue := r.queue
		r.queue = nil
		r.mu.Unlock()
		for i, q := range queue {
			err := r.client.Write(q.data, q.fds)
			native.CloseFDs(q.fds)
			if err != nil {
				for _, rest := range queue[i+1:] {
					native.CloseFDs(rest.fds)
				}
				r.close()
				return
			}
		}
	}
}

func (r *relay) readLoop(ctx context.Context) {
	for {
		data, fds, err := r.client.Read()
		if err != nil {
			r.close()
			return
		}
		if err := r.m.coord.Write(ctx, r.peer, data, fds); err != nil {
			r.close()
			return
		}
	}
}
