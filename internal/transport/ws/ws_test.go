package ws

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wlbridge/internal/transport"
)

func listen(t *testing.T, cfg Config) (*Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	l := Serve(ln, cfg, zap.NewNop())
	t.Cleanup(func() { l.Close() })
	return l, "ws://" + ln.Addr().String() + DefaultPath
}

func TestFramesBothWays(t *testing.T) {
	l, url := listen(t, Config{Guard: "hunter2"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, url, "hunter2")
	require.NoError(t, err)
	defer client.Close("")

	server, err := l.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Send(ctx, []byte{1, 2, 3}))
	require.NoError(t, client.Send(ctx, []byte{4}))
	got, err := server.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
	got, err = server.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, got)

	require.NoError(t, server.Send(ctx, []byte("event")))
	got, err = client.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "event", string(got))

	require.NoError(t, server.Close("protocol error"))
	_, err = client.Recv(ctx)
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestWrongGuardIsRefused(t *testing.T) {
	l, url := listen(t, Config{Guard: "hunter2"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, url, "nope")
	require.NoError(t, err)
	_, err = client.Recv(ctx)
	assert.ErrorIs(t, err, transport.ErrClosed)

	short, cancelShort := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelShort()
	_, err = l.Accept(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOversizedFrameClosesEndpoint(t *testing.T) {
	l, url := listen(t, Config{MaxFrame: 64})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, url, "")
	require.NoError(t, err)
	defer client.Close("")
	server, err := l.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Send(ctx, make([]byte, 128)))
	_, err = server.Recv(ctx)
	assert.ErrorIs(t, err, transport.ErrFrameTooLarge)
}

func TestListenerCloseEndsEndpoints(t *testing.T) {
	l, url := listen(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, url, "")
	require.NoError(t, err)
	_, err = l.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, l.Close())
	_, err = client.Recv(ctx)
	assert.ErrorIs(t, err, transport.ErrClosed)
	_, err = l.Accept(ctx)
	assert.ErrorIs(t, err, transport.ErrClosed)
}
