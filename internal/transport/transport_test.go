package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipePreservesFrames(t *testing.T) {
	a, b := Pipe(4)
	ctx := context.Background()

	buf := []byte("first")
	require.NoError(t, a.Send(ctx, buf))
	copy(buf, "XXXXX")
	require.NoError(t, a.Send(ctx, []byte("second")))

	got, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))
	got, err = b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	require.NoError(t, b.Send(ctx, []byte("back")))
	got, err = a.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "back", string(got))
}

func TestPipeCloseDrainsThenFails(t *testing.T) {
	a, b := Pipe(4)
	ctx := context.Background()
	require.NoError(t, a.Send(ctx, []byte("queued")))
	require.NoError(t, a.Close("bye"))

	got, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "queued", string(got))
	_, err = b.Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Send(ctx, []byte("x")), ErrClosed)
	assert.NoError(t, b.Close(""))
}

func TestPipeRecvHonoursContext(t *testing.T) {
	_, b := Pipe(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemListener(t *testing.T) {
	l := NewMemListener(2)
	ctx := context.Background()

	accepted := make(chan Endpoint, 1)
	go func() {
		ep, err := l.Accept(ctx)
		if err == nil {
			accepted <- ep
		}
	}()
	client, err := l.Dial(ctx)
	require.NoError(t, err)
	server := <-accepted

	require.NoError(t, client.Send(ctx, []byte("hi")))
	got, err := server.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))

	require.NoError(t, l.Close())
	_, err = l.Accept(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = l.Dial(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestGuard(t *testing.T) {
	ctx := context.Background()
	lockout := NewLockout(2, time.Minute)

	a, b := Pipe(1)
	require.NoError(t, SendGuard(ctx, a, "secret"))
	require.NoError(t, recvGuard(ctx, b, "secret", lockout))

	for i := 0; i < 2; i++ {
		a, b = Pipe(1)
		require.NoError(t, SendGuard(ctx, a, "wrong!"))
		assert.ErrorIs(t, recvGuard(ctx, b, "secret", lockout), ErrGuardMismatch)
	}
	a, b = Pipe(1)
	require.NoError(t, SendGuard(ctx, a, "secret"))
	assert.ErrorIs(t, recvGuard(ctx, b, "secret", lockout), ErrGuardRateLimited)

	_, b = Pipe(1)
	assert.NoError(t, recvGuard(ctx, b, "", lockout), "empty guard is not checked")
}

func TestGuardRejectsMalformedFrame(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe(1)
	require.NoError(t, a.Send(ctx, []byte{9, 's'}))
	assert.ErrorIs(t, recvGuard(ctx, b, "s", NewLockout(5, time.Minute)), ErrGuardMismatch)
}

func TestHostKey(t *testing.T) {
	assert.Equal(t, "10.0.0.1", HostKey("10.0.0.1:5555"))
	assert.Equal(t, "::1", HostKey("[::1]:5555"))
	assert.Equal(t, "pipe-a", HostKey("pipe-a"))
	assert.Equal(t, "", HostKey(""))
}

func TestLockoutWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewLockout(2, time.Minute)
	l.now = func() time.Time { return now }

	l.Fail("1.2.3.4:1")
	assert.False(t, l.Blocked("1.2.3.4:2"))
	l.Fail("1.2.3.4:3")
	assert.True(t, l.Blocked("1.2.3.4:2"), "failures from one host share a count")
	assert.False(t, l.Blocked("5.6.7.8:1"))

	now = now.Add(61 * time.Second)
	assert.False(t, l.Blocked("1.2.3.4:2"))

	l.Fail("1.2.3.4:1")
	l.Fail("1.2.3.4:1")
	l.Forget("1.2.3.4:9")
	assert.False(t, l.Blocked("1.2.3.4:1"))

	var nilLockout *Lockout
	assert.False(t, nilLockout.Blocked("x"))
	nilLockout.Fail("x")
}
