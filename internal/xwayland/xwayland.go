// Package xwayland supervises the X11 compatibility server. A Controller
// launches Xwayland with a set of socket pairs, waits for it to report
// its display number, and tells subscribed listeners when the session is
// ready and when it is gone.
package xwayland

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
	"golang.org/x/sys/unix"

	"wlbridge/internal/metrics"
	"wlbridge/internal/native"
)

var (
	ErrAlreadyActive  = errors.New("xwayland: session already active")
	ErrStartupTimeout = errors.New("xwayland: startup timed out")
	ErrAborted        = errors.New("xwayland: startup aborted")
	ErrNotRunning     = errors.New("xwayland: no session")
	ErrExited         = errors.New("xwayland: process exited")
)

const (
	DefaultPath           = "Xwayland"
	DefaultStartupTimeout = 10 * time.Second
	DefaultStopTimeout    = 5 * time.Second
)

// Descriptor numbers in the child.
const (
	childDisplayFD = 3
	childWMFD      = 4
	childWaylandFD = 5
)

// State is the controller's lifecycle position.
type State uint8

const (
	Idle State = iota
	Starting
	Running
	Terminating
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Terminating:
		return "terminating"
	}
	return "unknown"
}

// Ready describes a running session. WM and Client stay owned by the
// controller and are closed when the session ends.
type Ready struct {
	Display int
	// WM is the window manager's end of the X connection.
	WM *os.File
	// Client is the bridge side of Xwayland's own Wayland connection.
	Client *native.Conn
}

// Listener is told about session transitions. Calls are made without
// the controller's lock held, from the goroutine that caused them.
type Listener interface {
	XWaylandReady(Ready)
	XWaylandDestroyed()
	XWaylandFailed(error)
}

type Config struct {
	Path           string
	Args           []string
	Env            []string
	StartupTimeout time.Duration
	StopTimeout    time.Duration
}

type session struct {
	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error
	wm      *os.File
	client  *native.Conn
	display int
	// abort is closed by Stop while the session is still starting.
	abort     chan struct{}
	abortOnce sync.Once
}

func (s *session) cancel() { s.abortOnce.Do(func() { close(s.abort) }) }

func (s *session) release() {
	if s.wm != nil {
		s.wm.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
}

// Controller owns at most one Xwayland session at a time.
type Controller struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	state     State
	sess      *session
	listeners map[uint64]Listener
	nextID    uint64
	// idle is closed and replaced each time the controller returns to Idle.
	idle chan struct{}
}

func New(cfg Config, log *zap.Logger) *Controller {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		cfg:       cfg,
		log:       log.Named("xwayland"),
		listeners: make(map[uint64]Listener),
		idle:      make(chan struct{}),
	}
}

// Subscribe registers l and returns a function that removes it.
func (c *Controller) Subscribe(l Listener) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = l
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Display returns the display number of the running session, or -1.
func (c *Controller) Display() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return -1
	}
	return c.sess.display
}

func (c *Controller) snapshotListeners() []Listener {
	out := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		out = append(out, l)
	}
	return out
}

// setIdle must be called with mu held.
func (c *Controller) setIdle() {
	c.state = Idle
	c.sess = nil
	close(c.idle)
	c.idle = make(chan struct{})
	metrics.SetXWayland(Idle.String(), -1)
}

// Start launches Xwayland and waits until it reports its display number,
// the startup timeout elapses, ctx ends, or Stop is called. It fails with
// ErrAlreadyActive unless the controller is Idle.
func (c *Controller) Start(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return -1, ErrAlreadyActive
	}
	c.state = Starting
	sess := &session{exited: make(chan struct{}), abort: make(chan struct{})}
	c.sess = sess
	c.mu.Unlock()
	metrics.SetXWayland(Starting.String(), -1)

	display, err := c.launch(ctx, sess)
	if err != nil {
		c.mu.Lock()
		c.setIdle()
		listeners := c.snapshotListeners()
		c.mu.Unlock()
		c.log.Warn("xwayland failed to start", zap.Error(err))
		for _, l := range listeners {
			l.XWaylandFailed(err)
		}
		return -1, err
	}

	c.mu.Lock()
	sess.display = display
	c.state = Running
	listeners := c.snapshotListeners()
	c.mu.Unlock()
	metrics.SetXWayland(Running.String(), display)
	c.log.Info("xwayland ready", zap.Int("display", display), zap.Int("pid", sess.cmd.Process.Pid))

	ready := Ready{Display: display, WM: sess.wm, Client: sess.client}
	for _, l := range listeners {
		l.XWaylandReady(ready)
	}
	go c.supervise(sess)
	return display, nil
}

func (c *Controller) launch(ctx context.Context, sess *session) (int, error) {
	var parents, children []*os.File
	closeAll := func(files []*os.File) {
		for _, f := range files {
			if f != nil {
				f.Close()
			}
		}
	}
	for _, name := range []string{"displayfd", "wm", "wayland"} {
		p, ch, err := filePair(name)
		if err != nil {
			closeAll(parents)
			closeAll(children)
			return -1, err
		}
		parents = append(parents, p)
		children = append(children, ch)
	}
	displayFile := parents[0]
	defer displayFile.Close()
	sess.wm = parents[1]

	client, err := native.FileConn(parents[2])
	parents[2].Close()
	if err != nil {
		sess.wm.Close()
		closeAll(children)
		return -1, err
	}
	sess.client = client

	args := []string{
		"-rootless", "-terminate",
		"-displayfd", strconv.Itoa(childDisplayFD),
		"-wm", strconv.Itoa(childWMFD),
	}
	cmd := exec.Command(c.cfg.Path, append(args, c.cfg.Args...)...)
	cmd.Env = append(append(os.Environ(), c.cfg.Env...), "WAYLAND_SOCKET="+strconv.Itoa(childWaylandFD))
	cmd.ExtraFiles = children
	cmd.Stdout = &zapio.Writer{Log: c.log, Level: zap.DebugLevel}
	cmd.Stderr = &zapio.Writer{Log: c.log, Level: zap.InfoLevel}
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
	sess.cmd = cmd

	err = cmd.Start()
	closeAll(children)
	if err != nil {
		sess.release()
		return -1, fmt.Errorf("xwayland: start %s: %w", c.cfg.Path, err)
	}
	go func() {
		sess.waitErr = cmd.Wait()
		close(sess.exited)
	}()

	type result struct {
		display int
		err     error
	}
	got := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(displayFile).ReadString('\n')
		if err != nil {
			got <- result{-1, fmt.Errorf("xwayland: read display number: %w", err)}
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || n < 0 {
			got <- result{-1, fmt.Errorf("xwayland: bad display number %q", strings.TrimSpace(line))}
			return
		}
		got <- result{n, nil}
	}()

	timer := time.NewTimer(c.cfg.StartupTimeout)
	defer timer.Stop()
	var fail error
	select {
	case r := <-got:
		if r.err == nil {
			return r.display, nil
		}
		fail = r.err
	case <-timer.C:
		fail = ErrStartupTimeout
	case <-sess.abort:
		fail = ErrAborted
	case <-ctx.Done():
		fail = fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
	case <-sess.exited:
		fail = fmt.Errorf("%w during startup: %v", ErrExited, sess.waitErr)
	}
	_ = cmd.Process.Kill()
	// closing our end unblocks the reader
	displayFile.Close()
	<-sess.exited
	sess.release()
	return -1, fail
}

func filePair(name string) (parent, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("xwayland: %s socketpair: %w", name, err)
	}
	return os.NewFile(uintptr(fds[0]), name), os.NewFile(uintptr(fds[1]), name+"-child"), nil
}

// supervise waits for the running process to exit, whatever the cause,
// and ends the session.
func (c *Controller) supervise(sess *session) {
	<-sess.exited

	c.mu.Lock()
	c.state = Terminating
	listeners := c.snapshotListeners()
	c.mu.Unlock()
	metrics.SetXWayland(Terminating.String(), sess.display)
	c.log.Info("xwayland exited", zap.Int("display", sess.display), zap.Error(sess.waitErr))

	for _, l := range listeners {
		l.XWaylandDestroyed()
	}
	sess.release()

	c.mu.Lock()
	c.setIdle()
	c.mu.Unlock()
}

// Stop ends the current session. A starting session is aborted; a running
// one gets SIGTERM and, after the stop timeout, SIGKILL. Stop returns once
// the controller is Idle again or ctx ends.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	state, sess, idle := c.state, c.sess, c.idle
	c.mu.Unlock()

	switch state {
	case Idle:
		return ErrNotRunning
	case Starting:
		sess.cancel()
	case Running:
		_ = sess.cmd.Process.Signal(syscall.SIGTERM)
		go func() {
			t := time.NewTimer(c.cfg.StopTimeout)
			defer t.Stop()
			select {
			case <-sess.exited:
			case <-t.C:
				c.log.Warn("xwayland ignored SIGTERM, killing")
				_ = sess.cmd.Process.Kill()
			}
		}()
	case Terminating:
	}

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
