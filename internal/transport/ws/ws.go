// Package ws carries each virtual connection on its own WebSocket. One
// binary message is one frame.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"nhooyr.io/websocket"

	"wlbridge/internal/transport"
)

const (
	DefaultPath     = "/wayland"
	DefaultMaxFrame = 16 << 20
	// close reasons are capped by the protocol's control frame size
	maxCloseReason = 123
)

// Config configures a Listener.
type Config struct {
	Addr string
	Path string
	// OriginPatterns lists the browser origins allowed to connect besides
	// the listener's own host.
	OriginPatterns []string
	// MaxConns caps concurrent HTTP connections. Zero means unlimited.
	MaxConns int
	MaxFrame int64
	Guard    string
	// Backlog is how many upgraded endpoints may wait for Accept.
	Backlog int
}

// Listener accepts WebSocket upgrades on one path.
type Listener struct {
	cfg      Config
	log      *zap.Logger
	ln       net.Listener
	server   *http.Server
	accepted chan transport.Endpoint
	done     chan struct{}
	once     sync.Once

	mu   sync.Mutex
	live map[*Endpoint]struct{}
}

// Listen binds cfg.Addr and starts serving upgrades.
func Listen(cfg Config, log *zap.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	return Serve(ln, cfg, log), nil
}

// Serve serves upgrades on an existing listener.
func Serve(ln net.Listener, cfg Config, log *zap.Logger) *Listener {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = DefaultMaxFrame
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 16
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConns)
	}
	l := &Listener{
		cfg:      cfg,
		log:      log,
		ln:       ln,
		accepted: make(chan transport.Endpoint, cfg.Backlog),
		done:     make(chan struct{}),
		live:     make(map[*Endpoint]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, l.handleWS)
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("websocket listener stopped", zap.Error(err))
		}
	}()
	return l
}

func (l *Listener) handleWS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  l.cfg.OriginPatterns,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		l.log.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	c.SetReadLimit(l.cfg.MaxFrame)
	ep := newEndpoint(c, r.RemoteAddr)

	if err := transport.RecvGuard(context.Background(), ep, l.cfg.Guard); err != nil {
		l.log.Info("websocket guard rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		_ = ep.closeWith(websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	l.mu.Lock()
	select {
	case <-l.done:
		l.mu.Unlock()
		_ = ep.closeWith(websocket.StatusGoingAway, "shutting down")
		return
	default:
	}
	l.live[ep] = struct{}{}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.live, ep)
		l.mu.Unlock()
	}()

	select {
	case l.accepted <- ep:
	default:
		_ = ep.closeWith(websocket.StatusTryAgainLater, "backlog full")
		return
	}
	// the handler keeps the hijacked connection until the endpoint ends
	<-ep.done
}

func (l *Listener) Accept(ctx context.Context) (transport.Endpoint, error) {
	select {
	case ep := <-l.accepted:
		return ep, nil
	case <-l.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting and ends every live endpoint.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		l.mu.Lock()
		close(l.done)
		eps := make([]*Endpoint, 0, len(l.live))
		for ep := range l.live {
			eps = append(eps, ep)
		}
		l.mu.Unlock()
		for _, ep := range eps {
			_ = ep.closeWith(websocket.StatusGoingAway, "shutting down")
		}
		err = l.server.Close()
	})
	return err
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Endpoint is one WebSocket connection.
type Endpoint struct {
	c      *websocket.Conn
	remote string
	done   chan struct{}
	once   sync.Once
}

func newEndpoint(c *websocket.Conn, remote string) *Endpoint {
	return &Endpoint{c: c, remote: remote, done: make(chan struct{})}
}

// Dial connects to a bridge listener and presents guard. It is what a
// non-browser client or a test uses.
func Dial(ctx context.Context, url, guard string) (*Endpoint, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(DefaultMaxFrame)
	ep := newEndpoint(c, url)
	if err := transport.SendGuard(ctx, ep, guard); err != nil {
		_ = ep.Close("guard")
		return nil, err
	}
	return ep, nil
}

func (e *Endpoint) Send(ctx context.Context, frame []byte) error {
	if err := e.c.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return e.mapErr(err)
	}
	return nil
}

func (e *Endpoint) Recv(ctx context.Context) ([]byte, error) {
	typ, data, err := e.c.Read(ctx)
	if err != nil {
		return nil, e.mapErr(err)
	}
	if typ != websocket.MessageBinary {
		_ = e.closeWith(websocket.StatusUnsupportedData, "binary frames only")
		return nil, fmt.Errorf("%w: text message", transport.ErrClosed)
	}
	return data, nil
}

// mapErr marks the endpoint done: a failed read or write, including one
// cut short by ctx, leaves the WebSocket closed.
func (e *Endpoint) mapErr(err error) error {
	e.markDone()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// the read limit surfaces as a plain error after the library has
	// already closed with StatusMessageTooBig
	if websocket.CloseStatus(err) == websocket.StatusMessageTooBig || strings.Contains(err.Error(), "read limited at") {
		return fmt.Errorf("%w: %v", transport.ErrFrameTooLarge, err)
	}
	return fmt.Errorf("%w: %v", transport.ErrClosed, err)
}

func (e *Endpoint) markDone() { e.once.Do(func() { close(e.done) }) }

// Close sends a normal closure with reason.
func (e *Endpoint) Close(reason string) error {
	return e.closeWith(websocket.StatusNormalClosure, reason)
}

func (e *Endpoint) closeWith(code websocket.StatusCode, reason string) error {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	defer e.markDone()
	err := e.c.Close(code, reason)
	if err != nil && websocket.CloseStatus(err) != -1 {
		return nil
	}
	return err
}

func (e *Endpoint) RemoteAddr() string { return e.remote }
