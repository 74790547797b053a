package native

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"
)

type recordingSink struct {
	data   chan []byte
	fds    chan []int
	closed chan error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		data:   make(chan []byte, 16),
		fds:    make(chan []int, 16),
		closed: make(chan error, 1),
	}
}

func (s *recordingSink) NativeData(data []byte, fds []int) {
	s.data <- data
	s.fds <- fds
}

func (s *recordingSink) NativeClosed(err error) { s.closed <- err }

// fakeCompositor accepts connections on a socket in a temp dir.
func fakeCompositor(t *testing.T) (string, <-chan *Conn) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wayland-test")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	conns := make(chan *Conn, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- NewConn(c.(*net.UnixConn))
		}
	}()
	return path, conns
}

func startCoordinator(t *testing.T, dial DialFunc) (*Coordinator, context.CancelFunc, <-chan error) {
	t.Helper()
	c := NewCoordinator(dial, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return c, cancel, errc
}

func accept(t *testing.T, conns <-chan *Conn) *Conn {
	t.Helper()
	select {
	case c := <-conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("compositor saw no connection")
		return nil
	}
}

func TestPairPassesDescriptors(t *testing.T) {
	a, b, err := Pair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	require.NoError(t, a.Write([]byte("hello"), []int{p[1]}))
	data, fds, err := b.Read()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	require.Len(t, fds, 1)
	defer CloseFDs(fds)

	_, err = unix.Write(fds[0], []byte("x"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = unix.Read(p[0], buf)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf))

	a.Close()
	_, _, err = b.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteRejectsTooManyDescriptors(t *testing.T) {
	a, b, err := Pair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()
	assert.Error(t, a.Write([]byte("x"), make([]int, maxFDsPerMessage+1)))
}

func TestSocketPath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	p, err := SocketPath("", "")
	require.NoError(t, err)
	assert.Equal(t, "/run/user/1000/wayland-0", p)

	p, err = SocketPath("", "wayland-1")
	require.NoError(t, err)
	assert.Equal(t, "/run/user/1000/wayland-1", p)

	p, err = SocketPath("/tmp/w", "wayland-1")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/w", p)

	t.Setenv("XDG_RUNTIME_DIR", "")
	_, err = SocketPath("", "wayland-1")
	assert.Error(t, err)
	p, err = SocketPath("", "/abs/wayland-2")
	require.NoError(t, err)
	assert.Equal(t, "/abs/wayland-2", p)
}

func TestCoordinatorRoutesPerPeer(t *testing.T) {
	path, conns := fakeCompositor(t)
	c, _, _ := startCoordinator(t, DialPath(path))
	ctx := context.Background()

	s1, s2 := newRecordingSink(), newRecordingSink()
	p1, err := c.Open(ctx, s1)
	require.NoError(t, err)
	n1 := accept(t, conns)
	p2, err := c.Open(ctx, s2)
	require.NoError(t, err)
	n2 := accept(t, conns)
	assert.NotEqual(t, p1.ID(), p2.ID())

	require.NoError(t, c.Write(ctx, p1, []byte("one"), nil))
	require.NoError(t, c.Write(ctx, p2, []byte("two"), nil))
	got, _, err := n1.Read()
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))
	got, _, err = n2.Read()
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	require.NoError(t, n2.Write([]byte("event"), nil))
	select {
	case d := <-s2.data:
		assert.Equal(t, "event", string(d))
	case <-time.After(2 * time.Second):
		t.Fatal("event not dispatched")
	}
	assert.Empty(t, s1.data)

	n, err := c.Peers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCoordinatorPeerEOFClosesOnlyThatPeer(t *testing.T) {
	path, conns := fakeCompositor(t)
	c, _, _ := startCoordinator(t, DialPath(path))
	ctx := context.Background()

	s1, s2 := newRecordingSink(), newRecordingSink()
	p1, err := c.Open(ctx, s1)
	require.NoError(t, err)
	n1 := accept(t, conns)
	p2, err := c.Open(ctx, s2)
	require.NoError(t, err)
	n2 := accept(t, conns)

	n1.Close()
	select {
	case err := <-s1.closed:
		assert.ErrorIs(t, err, ErrPeerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("peer close not reported")
	}
	assert.ErrorIs(t, c.Write(ctx, p1, []byte("late"), nil), ErrPeerClosed)

	require.NoError(t, c.Write(ctx, p2, []byte("still here"), nil))
	got, _, err := n2.Read()
	require.NoError(t, err)
	assert.Equal(t, "still here", string(got))
	assert.Empty(t, s2.closed)
}

func TestCoordinatorReleaseIsQuiet(t *testing.T) {
	path, conns := fakeCompositor(t)
	c, _, _ := startCoordinator(t, DialPath(path))
	ctx := context.Background()

	s := newRecordingSink()
	p, err := c.Open(ctx, s)
	require.NoError(t, err)
	n := accept(t, conns)

	require.NoError(t, c.Release(ctx, p))
	require.NoError(t, c.Release(ctx, p))
	_, _, err = n.Read()
	assert.ErrorIs(t, err, io.EOF)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.closed)
	count, err := c.Peers(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCoordinatorDialFailureIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing")
	c, _, errc := startCoordinator(t, DialPath(path))

	_, err := c.Open(context.Background(), newRecordingSink())
	require.ErrorIs(t, err, ErrNativeUnreachable)
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrNativeUnreachable)
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator kept running")
	}
	assert.ErrorIs(t, c.Err(), ErrNativeUnreachable)

	_, err = c.Open(context.Background(), newRecordingSink())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestCoordinatorStopClosesPeers(t *testing.T) {
	path, conns := fakeCompositor(t)
	c, cancel, errc := startCoordinator(t, DialPath(path))

	s := newRecordingSink()
	_, err := c.Open(context.Background(), s)
	require.NoError(t, err)
	n := accept(t, conns)

	cancel()
	require.NoError(t, <-errc)
	select {
	case err := <-s.closed:
		assert.True(t, errors.Is(err, ErrStopped))
	case <-time.After(2 * time.Second):
		t.Fatal("sink not told")
	}
	_, _, err = n.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestCoordinatorWriteClosesDescriptors(t *testing.T) {
	path, conns := fakeCompositor(t)
	c, _, _ := startCoordinator(t, DialPath(path))
	ctx := context.Background()

	p, err := c.Open(ctx, newRecordingSink())
	require.NoError(t, err)
	n := accept(t, conns)

	var pp [2]int
	require.NoError(t, unix.Pipe2(pp[:], unix.O_CLOEXEC))
	defer unix.Close(pp[0])
	require.NoError(t, c.Write(ctx, p, []byte("fd"), []int{pp[1]}))

	var st unix.Stat_t
	assert.ErrorIs(t, unix.Fstat(pp[1], &st), unix.EBADF)

	_, fds, err := n.Read()
	require.NoError(t, err)
	require.Len(t, fds, 1)
	CloseFDs(fds)
}
