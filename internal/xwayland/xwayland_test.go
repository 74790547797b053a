package xwayland

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"
)

const fakeEnv = "WLBRIDGE_FAKE_XWAYLAND"

// TestMain lets the test binary stand in for Xwayland.
func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeEnv); mode != "" {
		os.Exit(fakeXWayland(mode))
	}
	os.Exit(m.Run())
}

func fakeXWayland(mode string) int {
	var st unix.Stat_t
	for _, fd := range []int{childDisplayFD, childWMFD, childWaylandFD} {
		if unix.Fstat(fd, &st) != nil {
			return 3
		}
	}
	if os.Getenv("WAYLAND_SOCKET") != "5" {
		return 4
	}
	displayfd := os.NewFile(childDisplayFD, "displayfd")
	switch mode {
	case "ready":
		displayfd.WriteString("42\n")
	case "delay":
		time.Sleep(200 * time.Millisecond)
		displayfd.WriteString("7\n")
	case "exit":
		displayfd.WriteString("42\n")
		time.Sleep(100 * time.Millisecond)
		return 0
	case "crash":
		return 1
	case "garbage":
		displayfd.WriteString("not-a-number\n")
	case "silent":
	}
	displayfd.Close()
	// stay up until terminated
	for {
		time.Sleep(time.Hour)
	}
}

type recorder struct {
	mu        sync.Mutex
	ready     []Ready
	destroyed int
	failed    []error
	events    chan string
}

func newRecorder() *recorder { return &recorder{events: make(chan string, 8)} }

func (r *recorder) XWaylandReady(x Ready) {
	r.mu.Lock()
	r.ready = append(r.ready, x)
	r.mu.Unlock()
	r.events <- "ready"
}

func (r *recorder) XWaylandDestroyed() {
	r.mu.Lock()
	r.destroyed++
	r.mu.Unlock()
	r.events <- "destroyed"
}

func (r *recorder) XWaylandFailed(err error) {
	r.mu.Lock()
	r.failed = append(r.failed, err)
	r.mu.Unlock()
	r.events <- "failed"
}

func (r *recorder) next(t *testing.T) string {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no listener event")
		return ""
	}
}

func newController(t *testing.T, mode string, startup time.Duration) (*Controller, *recorder) {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	c := New(Config{
		Path:           exe,
		Env:            []string{fakeEnv + "=" + mode},
		StartupTimeout: startup,
		StopTimeout:    time.Second,
	}, zaptest.NewLogger(t))
	rec := newRecorder()
	unsubscribe := c.Subscribe(rec)
	t.Cleanup(func() {
		unsubscribe()
		if c.State() != Idle {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = c.Stop(ctx)
		}
	})
	return c, rec
}

func TestStartDeliversReady(t *testing.T) {
	c, rec := newController(t, "ready", 5*time.Second)
	assert.Equal(t, -1, c.Display())

	display, err := c.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, display)
	assert.Equal(t, Running, c.State())
	assert.Equal(t, 42, c.Display())

	require.Equal(t, "ready", rec.next(t))
	rec.mu.Lock()
	ready := rec.ready[0]
	rec.mu.Unlock()
	assert.Equal(t, 42, ready.Display)
	require.NotNil(t, ready.WM)
	require.NotNil(t, ready.Client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, "destroyed", rec.next(t))
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, -1, c.Display())
	assert.ErrorIs(t, c.Stop(ctx), ErrNotRunning)
}

func TestSecondStartIsRejected(t *testing.T) {
	c, rec := newController(t, "delay", 5*time.Second)

	first := make(chan error, 1)
	go func() {
		_, err := c.Start(context.Background())
		first <- err
	}()
	require.Eventually(t, func() bool { return c.State() == Starting }, 2*time.Second, 5*time.Millisecond)

	_, err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyActive)

	require.NoError(t, <-first)
	assert.Equal(t, Running, c.State())
	assert.Equal(t, 7, c.Display())
	assert.Equal(t, "ready", rec.next(t))
}

func TestStartupTimeout(t *testing.T) {
	c, rec := newController(t, "silent", 100*time.Millisecond)
	_, err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrStartupTimeout)
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, "failed", rec.next(t))
}

func TestStartFailures(t *testing.T) {
	for _, mode := range []string{"crash", "garbage"} {
		t.Run(mode, func(t *testing.T) {
			c, rec := newController(t, mode, 5*time.Second)
			_, err := c.Start(context.Background())
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrStartupTimeout)
			assert.Equal(t, Idle, c.State())
			assert.Equal(t, "failed", rec.next(t))
		})
	}
}

func TestStopAbortsStartup(t *testing.T) {
	c, _ := newController(t, "silent", 10*time.Second)
	errc := make(chan error, 1)
	go func() {
		_, err := c.Start(context.Background())
		errc <- err
	}()
	require.Eventually(t, func() bool { return c.State() == Starting }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
	assert.ErrorIs(t, <-errc, ErrAborted)
	assert.Equal(t, Idle, c.State())
}

func TestVoluntaryExitEndsSession(t *testing.T) {
	c, rec := newController(t, "exit", 5*time.Second)
	_, err := c.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ready", rec.next(t))
	assert.Equal(t, "destroyed", rec.next(t))
	require.Eventually(t, func() bool { return c.State() == Idle }, 2*time.Second, 5*time.Millisecond)

	// a new session may start afterwards
	_, err = c.Start(context.Background())
	require.NoError(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "starting", Starting.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "terminating", Terminating.String())
}
