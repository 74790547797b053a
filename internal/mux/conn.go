package mux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wlbridge/internal/envelope"
	"wlbridge/internal/metrics"
	"wlbridge/internal/native"
	"wlbridge/internal/ratelimit"
	"wlbridge/internal/registry"
	"wlbridge/internal/transfer"
	"wlbridge/internal/transport"
	"wlbridge/internal/wire"
)

const (
	// maxFDsPerWrite matches the display server's per-message limit.
	maxFDsPerWrite = 28
	// outFlushSize caps the bridged events batched into one frame.
	outFlushSize  = 64 << 10
	noticeTimeout = 2 * time.Second
)

var (
	errClosedByOwner = errors.New("closed by owner")
	errShutdown      = errors.New("bridge shutting down")
	errTransport     = errors.New("transport closed")
)

type nativeRead struct {
	data []byte
	fds  []int
}

// heldMessage is a decoded request waiting for the payloads of its
// descriptor arguments.
type heldMessage struct {
	msg  wire.Message
	toks []transfer.Token
}

// Connection is one virtual client. A single goroutine processes its
// inbound frames, native events and control operations in arrival order,
// so its registry is never touched concurrently by message processing.
type Connection struct {
	m      *Multiplexer
	handle Handle
	ep     transport.Endpoint
	peer   *native.Peer
	reg    *registry.Registry
	em     *transfer.Emulator
	rate   *ratelimit.Limiter
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// intr ends on a close request, cutting short work that blocks the
	// run goroutine.
	intr      context.Context
	interrupt context.CancelCauseFunc

	inbox    chan []byte
	ctrl     chan func() error
	closeReq chan error
	done     chan struct{}

	nmu    sync.Mutex
	nqueue []nativeRead
	nerr   error
	ndead  bool
	nwake  chan struct{}

	errMu sync.Mutex
	err   error

	// owned by run
	held     []heldMessage
	events   []byte
	fdq      []int
	out      []byte
	outCount int
}

func newConnection(m *Multiplexer, ep transport.Endpoint, base context.Context) *Connection {
	ctx, cancel := context.WithCancel(base)
	intr, interrupt := context.WithCancelCause(ctx)
	reg := registry.New(m.table.Ranges())
	_ = reg.Register(wire.DisplayID, "wl_display", 1)
	return &Connection{
		m:         m,
		ep:        ep,
		reg:       reg,
		em:        transfer.NewEmulator(m.cfg.Transfer, m.log.Named("transfer")),
		rate:      ratelimit.New(m.cfg.InboundBytesPerSec, m.cfg.InboundFramesPerSec, m.cfg.InboundBurst),
		log:       m.log,
		ctx:       ctx,
		cancel:    cancel,
		intr:      intr,
		interrupt: interrupt,
		inbox:     make(chan []byte, m.cfg.MaxPendingFrames),
		ctrl:      make(chan func() error, 8),
		closeReq:  make(chan error, 1),
		done:      make(chan struct{}),
		nwake:     make(chan struct{}, 1),
	}
}

func (c *Connection) Handle() Handle     { return c.handle }
func (c *Connection) RemoteAddr() string { return c.ep.RemoteAddr() }

// Done is closed once the connection is torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err reports why the connection closed, or nil while it is open.
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Resolve looks up a live object in this connection's registry.
func (c *Connection) Resolve(id wire.ObjectID) (registry.Object, error) {
	return c.reg.Resolve(id)
}

// Objects lists the connection's live objects.
func (c *Connection) Objects() []registry.Object { return c.reg.Live() }

// PendingTransfers counts resource transfers in flight.
func (c *Connection) PendingTransfers() int { return c.em.Pending() }

func (c *Connection) start() {
	go c.run()
	go c.pump()
}

func (c *Connection) pump() {
	for {
		frame, err := c.ep.Recv(c.ctx)
		if err != nil {
			if errors.Is(err, transport.ErrFrameTooLarge) {
				c.requestClose(err)
			} else {
				c.requestClose(fmt.Errorf("%w: %v", errTransport, err))
			}
			return
		}
		if err := c.rate.Wait(c.ctx, len(frame)); err != nil {
			return
		}
		if err := c.enqueue(c.ctx, frame); err != nil {
			return
		}
	}
}

func (c *Connection) enqueue(ctx context.Context, frame []byte) error {
	select {
	case c.inbox <- frame:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post runs fn on the connection goroutine. A returned error closes the
// connection.
func (c *Connection) post(fn func() error) {
	select {
	case c.ctrl <- fn:
	case <-c.done:
	}
}

func (c *Connection) requestClose(cause error) {
	select {
	case c.closeReq <- cause:
	default:
	}
	c.interrupt(cause)
}

// NativeData implements native.Sink.
func (c *Connection) NativeData(data []byte, fds []int) {
	c.nmu.Lock()
	if c.ndead {
		c.nmu.Unlock()
		native.CloseFDs(fds)
		return
	}
	c.nqueue = append(c.nqueue, nativeRead{data: data, fds: fds})
	c.nmu.Unlock()
	c.wakeNative()
}

// NativeClosed implements native.Sink.
func (c *Connection) NativeClosed(err error) {
	c.nmu.Lock()
	if c.nerr == nil {
		c.nerr = err
	}
	c.nmu.Unlock()
	c.wakeNative()
}

func (c *Connection) wakeNative() {
	select {
	case c.nwake <- struct{}{}:
	default:
	}
}

func (c *Connection) run() {
	var cause error
	for cause == nil {
		select {
		case frame := <-c.inbox:
			cause = c.handleFrame(frame)
		case <-c.nwake:
			cause = c.drainNative()
		case fn := <-c.ctrl:
			cause = fn()
		case cause = <-c.closeReq:
		case <-c.ctx.Done():
			cause = errShutdown
		}
	}
	if errors.Is(cause, transfer.ErrResourceTransferAborted) && c.intr.Err() != nil {
		// report the close that interrupted the transfer, not the
		// transfer itself
		cause = context.Cause(c.intr)
		if errors.Is(cause, context.Canceled) {
			cause = errShutdown
		}
	}
	c.teardown(cause)
}

func (c *Connection) handleFrame(frame []byte) error {
	kind, body, err := envelope.Split(frame)
	if err != nil {
		return err
	}
	switch kind {
	case envelope.KindMessages:
		if err := c.handleRequests(body); err != nil {
			return err
		}
	case envelope.KindChunk:
		chunk, err := envelope.DecodeChunk(body)
		if err != nil {
			return err
		}
		if _, err := c.em.Accept(chunk); err != nil {
			return err
		}
	case envelope.KindNotice:
		c.log.Debug("ignoring notice from browser")
		return nil
	}
	return c.flushHeld()
}

// handleRequests validates every message in body against the registry and
// applies its effects before the next one is decoded. Forwarding waits in
// the held queue until descriptor payloads have arrived.
func (c *Connection) handleRequests(body []byte) error {
	for len(body) > 0 {
		msg, n, err := c.m.bridged.Decode(body, wire.Request, c.reg)
		if err != nil {
			return err
		}
		body = body[n:]
		if err := c.applyRequest(msg); err != nil {
			return err
		}
		var toks []transfer.Token
		for _, t := range msg.Tokens() {
			tok := transfer.Token(t)
			if _, err := c.em.Expect(tok); err != nil {
				return err
			}
			toks = append(toks, tok)
		}
		c.held = append(c.held, heldMessage{msg: msg, toks: toks})
	}
	return nil
}

func (c *Connection) applyRequest(msg wire.Message) error {
	sig, err := c.m.table.Lookup(msg.Interface, wire.Request, msg.Opcode)
	if err != nil {
		return err
	}
	sender, err := c.reg.Resolve(msg.Sender)
	if err != nil {
		return fmt.Errorf("%w: %v", wire.ErrUnknownObject, err)
	}
	ranges := c.reg.Ranges()
	for i, a := range msg.Args {
		spec := sig.Args[i]
		switch a.Kind {
		case wire.KindObject:
			if a.Uint == 0 {
				continue
			}
			obj, err := c.reg.Resolve(a.ID())
			if err != nil {
				return fmt.Errorf("%w: %s.%s argument %d: %v", wire.ErrUnknownObject, msg.Interface, sig.Name, i, err)
			}
			if spec.Interface != "" && obj.Interface != spec.Interface {
				return fmt.Errorf("%w: %s.%s argument %d is %s, want %s",
					wire.ErrUnknownObject, msg.Interface, sig.Name, i, obj.Interface, spec.Interface)
			}
		case wire.KindNewID:
			if !ranges.IsClient(a.ID()) {
				return fmt.Errorf("%w: client created %d", registry.ErrIDOutOfRange, a.ID())
			}
			iface, version := spec.Interface, sender.Version
			if iface == "" {
				iface, version = a.Interface, a.Version
			}
			if _, ok := c.m.table.Interface(iface); !ok {
				return fmt.Errorf("%w: %s", wire.ErrUnknownInterface, iface)
			}
			if err := c.reg.Register(a.ID(), iface, version); err != nil {
				return err
			}
		}
	}
	if sig.Destructor {
		return c.reg.Destroy(msg.Sender)
	}
	return nil
}

// flushHeld forwards held requests from the front of the queue for as
// long as their payloads are complete.
func (c *Connection) flushHeld() error {
	var (
		batch []byte
		fds   []int
		n     int
	)
	write := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := c.m.coord.Write(c.ctx, c.peer, batch, fds)
		if err == nil {
			metrics.AddMessages(metrics.ToNative, n)
		}
		batch, fds, n = nil, nil, 0
		return err
	}

	for len(c.held) > 0 {
		h := &c.held[0]
		if len(h.toks) > 0 {
			ready, err := c.em.Ready(h.toks)
			if err != nil {
				native.CloseFDs(fds)
				return err
			}
			if !ready {
				break
			}
			if len(fds)+len(h.toks) > maxFDsPerWrite {
				if err := write(); err != nil {
					return err
				}
			}
			taken := make([]int, 0, len(h.toks))
			for _, tok := range h.toks {
				fd, err := c.em.Take(tok)
				if err != nil {
					native.CloseFDs(taken)
					native.CloseFDs(fds)
					return err
				}
				taken = append(taken, fd)
			}
			j := 0
			for i := range h.msg.Args {
				if h.msg.Args[i].Kind == wire.KindFD {
					h.msg.Args[i].FD = taken[j]
					j++
				}
			}
			fds = append(fds, taken...)
		}
		var err error
		if batch, err = c.m.native.Append(batch, h.msg, wire.Request); err != nil {
			native.CloseFDs(fds)
			return err
		}
		n++
		c.held[0] = heldMessage{}
		c.held = c.held[1:]
	}
	if len(c.held) == 0 {
		c.held = nil
	}
	return write()
}

func (c *Connection) drainNative() error {
	c.nmu.Lock()
	queue, nerr := c.nqueue, c.nerr
	c.nqueue = nil
	c.nmu.Unlock()

	for _, r := range queue {
		c.events = append(c.events, r.data...)
		c.fdq = append(c.fdq, r.fds...)
	}
	if err := c.handleEvents(); err != nil {
		return err
	}
	if err := c.flushOut(); err != nil {
		return err
	}
	return nerr
}

func (c *Connection) handleEvents() error {
	resolver := c.reg.EventResolver()
	for {
		size, err := wire.PeekSize(c.events)
		if err != nil {
			return err
		}
		if size == 0 || size > len(c.events) {
			break
		}
		msg, n, err := c.m.native.Decode(c.events, wire.Event, resolver)
		if err != nil {
			return err
		}
		c.events = c.events[n:]

		var fds []int
		if count := len(msg.FDs()); count > 0 {
			if len(c.fdq) < count {
				return fmt.Errorf("%w: %s event needs %d descriptors, %d received",
					wire.ErrMalformedMessage, msg.Interface, count, len(c.fdq))
			}
			fds = append(fds, c.fdq[:count]...)
			c.fdq = c.fdq[count:]
		}
		if err := c.forwardEvent(msg, fds); err != nil {
			return err
		}
	}
	if len(c.events) == 0 {
		c.events = nil
	}
	return nil
}

// forwardEvent applies an event's registry effects and queues it for the
// browser. Descriptors are shipped as chunks ahead of the message and are
// closed here in every case.
func (c *Connection) forwardEvent(msg wire.Message, fds []int) error {
	defer native.CloseFDs(fds)

	sender, state, _ := c.reg.Inspect(msg.Sender)
	sig, err := c.m.table.Lookup(msg.Interface, wire.Event, msg.Opcode)
	if err != nil {
		return err
	}
	if msg.Sender == wire.DisplayID && msg.Opcode == wire.DisplayDeleteID && len(msg.Args) == 1 {
		id := wire.ObjectID(msg.Args[0].Uint)
		if err := c.reg.Release(id); err != nil {
			c.log.Debug("delete_id for untracked object", zap.Uint32("object", uint32(id)))
		}
	}
	// objects created by the server are tracked even when the event is
	// dropped, so later events addressed to them still decode
	for i, a := range msg.Args {
		if a.Kind != wire.KindNewID {
			continue
		}
		iface := sig.Args[i].Interface
		if iface == "" {
			iface = a.Interface
		}
		if err := c.reg.Register(a.ID(), iface, sender.Version); err != nil {
			return err
		}
	}
	if state == registry.Zombie {
		// the client already destroyed the sender
		metrics.IncRejected("zombie")
		return nil
	}

	var shipped []transfer.Token
	if len(fds) > 0 {
		// payload chunks must precede the message, and so must every
		// message already batched
		if err := c.flushOut(); err != nil {
			return err
		}
		j := 0
		for i := range msg.Args {
			if msg.Args[i].Kind != wire.KindFD {
				continue
			}
			p, chunks, err := c.em.Externalize(c.intr, fds[j])
			if err != nil {
				return err
			}
			j++
			for _, ch := range chunks {
				frame, err := envelope.EncodeChunk(ch)
				if err != nil {
					return err
				}
				if err := c.send(frame); err != nil {
					return err
				}
			}
			msg.Args[i] = wire.FDToken(uint32(p.Token))
			shipped = append(shipped, p.Token)
		}
	}

	if c.out, err = c.m.bridged.Append(c.out, msg, wire.Event); err != nil {
		return err
	}
	c.outCount++
	if sig.Destructor {
		if err := c.reg.Destroy(msg.Sender); err != nil {
			return err
		}
	}
	if len(shipped) > 0 || len(c.out) >= outFlushSize {
		if err := c.flushOut(); err != nil {
			return err
		}
		for _, tok := range shipped {
			if err := c.em.Delivered(tok); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Connection) flushOut() error {
	if len(c.out) == 0 {
		return nil
	}
	frame := envelope.EncodeMessages(c.out)
	n := c.outCount
	c.out, c.outCount = c.out[:0], 0
	if err := c.send(frame); err != nil {
		return err
	}
	metrics.AddMessages(metrics.ToBrowser, n)
	return nil
}

func (c *Connection) send(frame []byte) error {
	if err := c.ep.Send(c.ctx, frame); err != nil {
		return fmt.Errorf("%w: %v", errTransport, err)
	}
	return nil
}

func (c *Connection) sendNotice(n envelope.Notice) error {
	frame, err := envelope.EncodeNotice(n)
	if err != nil {
		return err
	}
	return c.send(frame)
}

func (c *Connection) exposeXWayland(display int) error {
	c.reg.Retract(xwaylandOwner)
	d, err := c.reg.Expose(XWaylandDisplayInterface, 1, xwaylandOwner)
	if err != nil {
		return err
	}
	w, err := c.reg.Expose(XWaylandWMInterface, 1, xwaylandOwner)
	if err != nil {
		return err
	}
	return c.sendNotice(envelope.Notice{
		Code:    envelope.NoticeXWaylandReady,
		Display: display,
		Objects: []uint32{uint32(d.ID), uint32(w.ID)},
	})
}

func (c *Connection) retractXWayland() error {
	objs := c.reg.Retract(xwaylandOwner)
	if len(objs) == 0 {
		return nil
	}
	ids := make([]uint32, 0, len(objs))
	for _, o := range objs {
		ids = append(ids, uint32(o.ID))
	}
	return c.sendNotice(envelope.Notice{Code: envelope.NoticeXWaylandDestroyed, Display: -1, Objects: ids})
}

func (c *Connection) teardown(cause error) {
	reason := closeReason(cause)
	if protocolViolation(reason) {
		metrics.IncRejected(reason)
		c.notifyError(cause, reason)
		c.log.Warn("closing connection on protocol error", zap.String("reason", reason), zap.Error(cause))
	} else {
		c.log.Info("connection closed", zap.String("reason", reason), zap.Error(cause))
	}

	if n := c.em.Abort(cause); n > 0 {
		c.log.Debug("aborted resource transfers", zap.Int("count", n))
	}
	c.reg.Close()
	c.held = nil

	c.nmu.Lock()
	c.ndead = true
	queue := c.nqueue
	c.nqueue = nil
	c.nmu.Unlock()
	for _, r := range queue {
		native.CloseFDs(r.fds)
	}
	native.CloseFDs(c.fdq)
	c.fdq = nil

	_ = c.m.coord.Release(context.Background(), c.peer)
	c.m.limiter.Release()
	_ = c.ep.Close(reason)
	c.cancel()
	c.m.remove(c.handle)
	metrics.DecConnections(reason)

	c.errMu.Lock()
	c.err = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
	c.errMu.Unlock()
	close(c.done)
}

func (c *Connection) notifyError(cause error, reason string) {
	n := envelope.Notice{Code: envelope.NoticeProtocolError, Message: cause.Error()}
	if reason == "transfer" {
		n.Code = envelope.NoticeResourceAborted
	}
	var de *wire.DecodeError
	if errors.As(cause, &de) {
		n.Object = uint32(de.Sender)
	}
	frame, err := envelope.EncodeNotice(n)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, noticeTimeout)
	defer cancel()
	_ = c.ep.Send(ctx, frame)
}

// closeReason maps a close cause to the label used in logs and metrics.
func closeReason(err error) string {
	switch {
	case errors.Is(err, errClosedByOwner):
		return "closed"
	case errors.Is(err, errShutdown):
		return "shutdown"
	case errors.Is(err, transport.ErrFrameTooLarge):
		return "frame_too_large"
	case errors.Is(err, errTransport):
		return "transport_closed"
	case errors.Is(err, native.ErrPeerClosed), errors.Is(err, native.ErrStopped):
		return "native_closed"
	case errors.Is(err, wire.ErrMalformedMessage),
		errors.Is(err, envelope.ErrEmptyFrame),
		errors.Is(err, envelope.ErrUnknownKind),
		errors.Is(err, envelope.ErrBadBody):
		return "malformed"
	case errors.Is(err, wire.ErrUnknownObject), errors.Is(err, registry.ErrUnknownID):
		return "unknown_object"
	case errors.Is(err, wire.ErrUnknownOpcode):
		return "unknown_opcode"
	case errors.Is(err, registry.ErrIDCollision), errors.Is(err, registry.ErrIDOutOfRange):
		return "id_collision"
	case errors.Is(err, wire.ErrSignatureMismatch),
		errors.Is(err, wire.ErrNullArgument),
		errors.Is(err, wire.ErrMessageTooLarge),
		errors.Is(err, wire.ErrUnknownInterface):
		return "bad_message"
	case errors.Is(err, transfer.ErrResourceTransferAborted),
		errors.Is(err, transfer.ErrUnknownToken),
		errors.Is(err, transfer.ErrDuplicateToken),
		errors.Is(err, transfer.ErrChunkOutOfOrder),
		errors.Is(err, transfer.ErrDigestMismatch),
		errors.Is(err, transfer.ErrPayloadTooLarge),
		errors.Is(err, transfer.ErrIncomplete):
		return "transfer"
	case errors.Is(err, context.Canceled):
		return "shutdown"
	}
	return "error"
}

func protocolViolation(reason string) bool {
	switch reason {
	case "malformed", "unknown_object", "unknown_opcode", "id_collision", "bad_message", "transfer":
		return true
	}
	return false
}
