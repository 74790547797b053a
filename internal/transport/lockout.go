package transport

import (
	"net"
	"sync"
	"time"
)

// Lockout refuses a host once it has failed the guard handshake max times
// within window. A nil Lockout never refuses.
type Lockout struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	now    func() time.Time
	hosts  map[string][]time.Time
}

func NewLockout(max int, window time.Duration) *Lockout {
	if max <= 0 {
		max = 1
	}
	if window <= 0 {
		window = 2 * time.Minute
	}
	return &Lockout{max: max, window: window, now: time.Now, hosts: make(map[string][]time.Time)}
}

// HostKey reduces a remote address to its host so that reconnects from
// different ports count together. Addresses without a port are kept as is.
func HostKey(remote string) string {
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}

// recent drops failures older than the window. Called with mu held.
func (l *Lockout) recent(key string) []time.Time {
	cutoff := l.now().Add(-l.window)
	fails := l.hosts[key]
	i := 0
	for i < len(fails) && !fails[i].After(cutoff) {
		i++
	}
	fails = fails[i:]
	if len(fails) == 0 {
		delete(l.hosts, key)
		return nil
	}
	l.hosts[key] = fails
	return fails
}

// Blocked reports whether remote's host is locked out.
func (l *Lockout) Blocked(remote string) bool {
	key := HostKey(remote)
	if l == nil || key == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.recent(key)) >= l.max
}

func (l *Lockout) Fail(remote string) {
	key := HostKey(remote)
	if l == nil || key == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fails := l.recent(key)
	if len(fails) >= l.max {
		fails = fails[1:]
	}
	l.hosts[key] = append(fails, l.now())
}

// Forget clears the host's failures after a successful handshake.
func (l *Lockout) Forget(remote string) {
	key := HostKey(remote)
	if l == nil || key == "" {
		return
	}
	l.mu.Lock()
	delete(l.hosts, key)
	l.mu.Unlock()
}
