// Package wssmux carries many virtual connections over one WebSocket. Each
// virtual connection is an smux stream; frames on a stream are prefixed
// with their length as a 4-byte big-endian integer.
package wssmux

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/xtaci/smux"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"nhooyr.io/websocket"

	"wlbridge/internal/transport"
)

const (
	DefaultPath     = "/wayland-mux"
	DefaultMaxFrame = 16 << 20
	frameHeaderSize = 4
)

// SmuxConfig returns the stream multiplexer settings shared by both ends.
func SmuxConfig(keepAliveInterval, keepAliveTimeout time.Duration, maxStreamBuf, maxRecvBuf int) *smux.Config {
	cfg := smux.DefaultConfig()
	cfg.Version = 2
	if keepAliveInterval > 0 {
		cfg.KeepAliveInterval = keepAliveInterval
	}
	if keepAliveTimeout > 0 {
		cfg.KeepAliveTimeout = keepAliveTimeout
	}
	if maxStreamBuf > 0 {
		cfg.MaxStreamBuffer = maxStreamBuf
	}
	if maxRecvBuf > 0 {
		cfg.MaxReceiveBuffer = maxRecvBuf
	}
	return cfg
}

type Config struct {
	Addr           string
	Path           string
	OriginPatterns []string
	MaxConns       int
	MaxFrame       int64
	Guard          string
	Backlog        int
	Smux           *smux.Config
}

// Listener accepts WebSockets and yields one endpoint per stream opened
// on them.
type Listener struct {
	cfg      Config
	log      *zap.Logger
	ln       net.Listener
	server   *http.Server
	accepted chan transport.Endpoint
	done     chan struct{}
	once     sync.Once

	mu       sync.Mutex
	sessions map[*smux.Session]struct{}
}

func Listen(cfg Config, log *zap.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	return Serve(ln, cfg, log), nil
}

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
	if cfg.Smux == nil {
		cfg.Smux = SmuxConfig(0, 0, 0, 0)
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
		sessions: make(map[*smux.Session]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, l.handleWS)
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("websocket mux listener stopped", zap.Error(err))
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
	// smux frames exceed the default message limit
	c.SetReadLimit(l.cfg.MaxFrame + 64<<10)
	// r.Context() is cancelled when the handler returns, which is only
	// after the session ends
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := websocket.NetConn(ctx, c, websocket.MessageBinary)
	sess, err := smux.Server(conn, l.cfg.Smux)
	if err != nil {
		_ = conn.Close()
		return
	}

	l.mu.Lock()
	select {
	case <-l.done:
		l.mu.Unlock()
		_ = sess.Close()
		return
	default:
	}
	l.sessions[sess] = struct{}{}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.sessions, sess)
		l.mu.Unlock()
		_ = sess.Close()
	}()

	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			return
		}
		go l.admit(newStreamEndpoint(stream, fmt.Sprintf("%s#%d", r.RemoteAddr, stream.ID()), l.cfg.MaxFrame))
	}
}

func (l *Listener) admit(ep *StreamEndpoint) {
	if err := transport.RecvGuard(context.Background(), ep, l.cfg.Guard); err != nil {
		l.log.Info("stream guard rejected", zap.String("remote", ep.RemoteAddr()), zap.Error(err))
		_ = ep.Close("unauthorized")
		return
	}
	select {
	case l.accepted <- ep:
	case <-l.done:
		_ = ep.Close("shutting down")
	default:
		_ = ep.Close("backlog full")
	}
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

func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		l.mu.Lock()
		close(l.done)
		for s := range l.sessions {
			_ = s.Close()
		}
		l.mu.Unlock()
		err = l.server.Close()
	})
	return err
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Session is the dialing side of one multiplexed WebSocket.
type Session struct {
	sess     *smux.Session
	conn     net.Conn
	guard    string
	url      string
	maxFrame int64
}

// Dial connects to a listener. Streams opened on the returned session
// present guard before use.
func Dial(ctx context.Context, url, guard string, cfg *smux.Config) (*Session, error) {
	if cfg == nil {
		cfg = SmuxConfig(0, 0, 0, 0)
	}
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(DefaultMaxFrame + 64<<10)
	conn := websocket.NetConn(context.Background(), c, websocket.MessageBinary)
	sess, err := smux.Client(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Session{sess: sess, conn: conn, guard: guard, url: url, maxFrame: DefaultMaxFrame}, nil
}

// Open starts a new virtual connection.
func (s *Session) Open(ctx context.Context) (*StreamEndpoint, error) {
	stream, err := s.sess.OpenStream()
	if err != nil {
		return nil, err
	}
	ep := newStreamEndpoint(stream, fmt.Sprintf("%s#%d", s.url, stream.ID()), s.maxFrame)
	if err := transport.SendGuard(ctx, ep, s.guard); err != nil {
		_ = ep.Close("guard")
		return nil, err
	}
	return ep, nil
}

func (s *Session) Close() error {
	_ = s.sess.Close()
	return s.conn.Close()
}

// StreamEndpoint frames one smux stream.
type StreamEndpoint struct {
	stream   *smux.Stream
	remote   string
	maxFrame int64
	wmu      sync.Mutex
	rmu      sync.Mutex
}

func newStreamEndpoint(stream *smux.Stream, remote string, maxFrame int64) *StreamEndpoint {
	return &StreamEndpoint{stream: stream, remote: remote, maxFrame: maxFrame}
}

func (e *StreamEndpoint) Send(ctx context.Context, frame []byte) error {
	if int64(len(frame)) > e.maxFrame {
		return fmt.Errorf("%w: %d bytes", transport.ErrFrameTooLarge, len(frame))
	}
	buf := make([]byte, frameHeaderSize+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[frameHeaderSize:], frame)

	e.wmu.Lock()
	defer e.wmu.Unlock()
	stop := e.bind(ctx, e.stream.SetWriteDeadline)
	defer stop()
	if _, err := e.stream.Write(buf); err != nil {
		return e.mapErr(ctx, err)
	}
	return nil
}

func (e *StreamEndpoint) Recv(ctx context.Context) ([]byte, error) {
	e.rmu.Lock()
	defer e.rmu.Unlock()
	stop := e.bind(ctx, e.stream.SetReadDeadline)
	defer stop()

	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(e.stream, hdr[:]); err != nil {
		return nil, e.mapErr(ctx, err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if int64(n) > e.maxFrame {
		_ = e.stream.Close()
		return nil, fmt.Errorf("%w: %d bytes", transport.ErrFrameTooLarge, n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(e.stream, frame); err != nil {
		return nil, e.mapErr(ctx, err)
	}
	return frame, nil
}

// bind makes ctx cancellation interrupt the blocked stream call through
// its deadline.
func (e *StreamEndpoint) bind(ctx context.Context, set func(time.Time) error) func() {
	stop := context.AfterFunc(ctx, func() { _ = set(time.Now()) })
	return func() {
		stop()
		_ = set(time.Time{})
	}
}

func (e *StreamEndpoint) mapErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %v", transport.ErrClosed, err)
}

func (e *StreamEndpoint) Close(string) error { return e.stream.Close() }

func (e *StreamEndpoint) RemoteAddr() string { return e.remote }
