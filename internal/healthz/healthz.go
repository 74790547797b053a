// Package healthz runs the bridge's health probes and serves the aggregate
// result over HTTP.
package healthz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
)

// Status is the outcome of a probe, ordered from best to worst.
type Status int

const (
	Healthy Status = iota
	Degraded
	Unhealthy
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	default:
		return "unhealthy"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

const (
	defaultInterval = 30 * time.Second
	probeTimeout    = 5 * time.Second
)

// ErrDegraded marks a probe failure that does not make the bridge unusable.
var ErrDegraded = errors.New("degraded")

// Degradedf returns an error that makes a probe report Degraded.
func Degradedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDegraded, fmt.Sprintf(format, args...))
}

// Probe is one health check. A nil error is healthy, an error wrapping
// ErrDegraded is degraded and anything else is unhealthy.
type Probe interface {
	Name() string
	Probe(ctx context.Context) error
}

type probeFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (p probeFunc) Name() string                    { return p.name }
func (p probeFunc) Probe(ctx context.Context) error { return p.fn(ctx) }

// ProbeFunc wraps fn as a Probe called name.
func ProbeFunc(name string, fn func(ctx context.Context) error) Probe {
	return probeFunc{name: name, fn: fn}
}

// Report is the last outcome of one probe.
type Report struct {
	Name    string        `json:"name"`
	Status  Status        `json:"status"`
	Message string        `json:"message,omitempty"`
	At      time.Time     `json:"at"`
	Took    time.Duration `json:"took_ns"`
}

// Summary aggregates every probe; its Status is the worst of them.
type Summary struct {
	Status  Status    `json:"status"`
	Reports []Report  `json:"probes"`
	At      time.Time `json:"at"`
}

// Monitor holds the registered probes and their latest reports.
type Monitor struct {
	mu       sync.RWMutex
	probes   map[string]Probe
	last     map[string]Report
	interval time.Duration
}

// New returns a Monitor that refreshes every interval once Start runs.
func New(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Monitor{
		probes:   make(map[string]Probe),
		last:     make(map[string]Report),
		interval: interval,
	}
}

// Register adds p, replacing any probe of the same name.
func (m *Monitor) Register(p Probe) {
	m.mu.Lock()
	m.probes[p.Name()] = p
	m.mu.Unlock()
}

func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	delete(m.probes, name)
	delete(m.last, name)
	m.mu.Unlock()
}

// Run executes every probe in name order.
func (m *Monitor) Run(ctx context.Context) Summary {
	m.mu.RLock()
	probes := make([]Probe, 0, len(m.probes))
	for _, p := range m.probes {
		probes = append(probes, p)
	}
	m.mu.RUnlock()
	slices.SortFunc(probes, func(a, b Probe) int { return strings.Compare(a.Name(), b.Name()) })

	sum := Summary{At: time.Now(), Reports: make([]Report, 0, len(probes))}
	for _, p := range probes {
		r := m.run(ctx, p)
		sum.Reports = append(sum.Reports, r)
		sum.Status = max(sum.Status, r.Status)
	}
	return sum
}

func (m *Monitor) run(ctx context.Context, p Probe) Report {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	r := Report{Name: p.Name(), At: time.Now()}
	err := p.Probe(ctx)
	r.Took = time.Since(r.At)
	if err != nil {
		r.Status = Unhealthy
		if errors.Is(err, ErrDegraded) {
			r.Status = Degraded
		}
		r.Message = err.Error()
	}

	m.mu.Lock()
	if _, ok := m.probes[r.Name]; ok {
		m.last[r.Name] = r
	}
	m.mu.Unlock()
	return r
}

// Last returns the most recent report for name.
func (m *Monitor) Last(name string) (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.last[name]
	return r, ok
}

// Start refreshes the reports every interval until ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.Run(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Handler runs every probe per request and answers 503 when any is
// unhealthy.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sum := m.Run(r.Context())
		code := http.StatusOK
		if sum.Status == Unhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(sum)
	})
}

// UnixSocket probes that something accepts connections on path.
func UnixSocket(name, path string) Probe {
	return ProbeFunc(name, func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", path)
		if err != nil {
			return err
		}
		return conn.Close()
	})
}

// Stoppable is anything that reports why it stopped running.
type Stoppable interface {
	Done() <-chan struct{}
	Err() error
}

// Running is unhealthy once s has stopped.
func Running(name string, s Stoppable) Probe {
	return ProbeFunc(name, func(context.Context) error {
		select {
		case <-s.Done():
			if err := s.Err(); err != nil {
				return err
			}
			return errors.New("stopped")
		default:
			return nil
		}
	})
}

// State is degraded unless state() returns one of want.
func State(name string, state func() string, want ...string) Probe {
	return ProbeFunc(name, func(context.Context) error {
		s := state()
		if slices.Contains(want, s) {
			return nil
		}
		return Degradedf("state %s", s)
	})
}
