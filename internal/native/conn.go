// Package native talks to the local display server over its Unix socket.
// Conn moves raw protocol bytes and SCM_RIGHTS descriptors; Coordinator is
// the single owner of every native peer, serializing writes and fanning
// reads back out to the connection that owns each peer.
package native

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// maxFDsPerMessage mirrors the display server's own per-sendmsg limit.
const maxFDsPerMessage = 28

const readBufferSize = 4096

var ErrControlTruncated = errors.New("native: ancillary data truncated")

// Conn is one stream connection to the display server.
type Conn struct {
	uc *net.UnixConn
}

func NewConn(uc *net.UnixConn) *Conn { return &Conn{uc: uc} }

// Dial connects to the display socket at path.
func Dial(ctx context.Context, path string) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	return NewConn(c.(*net.UnixConn)), nil
}

// SocketPath resolves the display socket the way clients do: an absolute
// socket path wins, then an absolute display name, then the display name
// under XDG_RUNTIME_DIR.
func SocketPath(socket, display string) (string, error) {
	if socket != "" {
		return socket, nil
	}
	if display == "" {
		display = "wayland-0"
	}
	if filepath.IsAbs(display) {
		return display, nil
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		return "", fmt.Errorf("native: XDG_RUNTIME_DIR is not set and %q is not an absolute path", display)
	}
	return filepath.Join(dir, display), nil
}

// Pair returns two connected Conns.
func Pair() (*Conn, *Conn, error) {
	a, b, err := socketpair()
	if err != nil {
		return nil, nil, err
	}
	return NewConn(a), NewConn(b), nil
}

func socketpair() (*net.UnixConn, *net.UnixConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("native: socketpair: %w", err)
	}
	a, err := fileConn(fds[0], "native-a")
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := fileConn(fds[1], "native-b")
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

func fileConn(fd int, name string) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	return unixConn(f)
}

// FileConn wraps a Unix stream socket held in f. f stays open and owned
// by the caller.
func FileConn(f *os.File) (*Conn, error) {
	uc, err := unixConn(f)
	if err != nil {
		return nil, err
	}
	return NewConn(uc), nil
}

func unixConn(f *os.File) (*net.UnixConn, error) {
	// FileConn dups the descriptor.
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("native: file conn: %w", err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("native: %s is not a unix socket", f.Name())
	}
	return uc, nil
}

// Read returns the next bytes from the stream and any descriptors that
// arrived with them. Message boundaries are not preserved. The caller
// owns the returned descriptors.
func (c *Conn) Read() ([]byte, []int, error) {
	buf := make([]byte, readBufferSize)
	oob := make([]byte, unix.CmsgSpace(maxFDsPerMessage*4))
	n, oobn, flags, _, err := c.uc.ReadMsgUnix(buf, oob)

	var fds []int
	if oobn > 0 {
		msgs, perr := unix.ParseSocketControlMessage(oob[:oobn])
		if perr != nil && err == nil {
			err = fmt.Errorf("native: parse control message: %w", perr)
		}
		for i := range msgs {
			if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
				continue
			}
			got, rerr := unix.ParseUnixRights(&msgs[i])
			if rerr != nil {
				continue
			}
			fds = append(fds, got...)
		}
	}
	if flags&unix.MSG_CTRUNC != 0 && err == nil {
		err = ErrControlTruncated
	}
	if err == nil && n == 0 && len(fds) == 0 {
		err = io.EOF
	}
	if err != nil {
		CloseFDs(fds)
		return nil, nil, err
	}
	return buf[:n], fds, nil
}

// Write sends b with fds attached to its first byte. Descriptors stay
// owned by the caller.
func (c *Conn) Write(b []byte, fds []int) error {
	if len(fds) > maxFDsPerMessage {
		return fmt.Errorf("native: %d descriptors in one message", len(fds))
	}
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	n, _, err := c.uc.WriteMsgUnix(b, oob, nil)
	if err != nil {
		return err
	}
	for n < len(b) {
		m, err := c.uc.Write(b[n:])
		if err != nil {
			return err
		}
		n += m
	}
	return nil
}

func (c *Conn) Close() error { return c.uc.Close() }

// CloseFDs closes every descriptor in fds.
func CloseFDs(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}
