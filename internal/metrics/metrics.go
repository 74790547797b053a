package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Direction labels.
const (
	ToNative  = "to_native"
	ToBrowser = "to_browser"
)

type Snapshot struct {
	ConnectionsTotal   int64            `json:"connections_total"`
	ConnectionsActive  int64            `json:"connections_active"`
	ConnectionsClosed  map[string]int64 `json:"connections_closed,omitempty"`
	MessagesToNative   int64            `json:"messages_to_native"`
	MessagesToBrowser  int64            `json:"messages_to_browser"`
	MessagesRejected   map[string]int64 `json:"messages_rejected,omitempty"`
	ResourceBytesIn    int64            `json:"resource_bytes_to_native"`
	ResourceBytesOut   int64            `json:"resource_bytes_to_browser"`
	TransfersCompleted int64            `json:"transfers_completed"`
	TransfersAborted   int64            `json:"transfers_aborted"`
	XWaylandState      string           `json:"xwayland_state"`
	XWaylandDisplay    int64            `json:"xwayland_display"`
	UpdatedUnix        int64            `json:"updated_unix"`
}

var (
	connectionsTotal   atomic.Int64
	connectionsActive  atomic.Int64
	messagesToNative   atomic.Int64
	messagesToBrowser  atomic.Int64
	resourceBytesIn    atomic.Int64
	resourceBytesOut   atomic.Int64
	transfersCompleted atomic.Int64
	transfersAborted   atomic.Int64
	xwaylandDisplay    atomic.Int64
	closedByReason     sync.Map // reason -> *atomic.Int64
	rejectedByReason   sync.Map // reason -> *atomic.Int64

	xwaylandMu    sync.Mutex
	xwaylandState = "idle"
)

func init() { xwaylandDisplay.Store(-1) }

func IncConnections() {
	connectionsTotal.Add(1)
	connectionsActive.Add(1)
	promConnectionsTotal.Inc()
	promConnectionsActive.Inc()
}

// DecConnections records a closed connection and why it closed.
func DecConnections(reason string) {
	connectionsActive.Add(-1)
	promConnectionsActive.Dec()
	incLabeled(&closedByReason, reason)
	promConnectionsClosed.WithLabelValues(reason).Inc()
}

func AddMessages(direction string, n int) {
	switch direction {
	case ToNative:
		messagesToNative.Add(int64(n))
	case ToBrowser:
		messagesToBrowser.Add(int64(n))
	}
	promMessages.WithLabelValues(direction).Add(float64(n))
}

func IncRejected(reason string) {
	incLabeled(&rejectedByReason, reason)
	promRejected.WithLabelValues(reason).Inc()
}

func AddResourceBytes(direction string, n int64) {
	switch direction {
	case ToNative:
		resourceBytesIn.Add(n)
	case ToBrowser:
		resourceBytesOut.Add(n)
	}
	promResourceBytes.WithLabelValues(direction).Add(float64(n))
}

func IncTransferCompleted() {
	transfersCompleted.Add(1)
	promTransfers.WithLabelValues("completed").Inc()
}

func IncTransferAborted() {
	transfersAborted.Add(1)
	promTransfers.WithLabelValues("aborted").Inc()
}

// SetXWayland records the controller state; display is -1 when none.
func SetXWayland(state string, display int) {
	xwaylandMu.Lock()
	xwaylandState = state
	xwaylandMu.Unlock()
	xwaylandDisplay.Store(int64(display))
	promXWaylandDisplay.Set(float64(display))
	promXWaylandState.Reset()
	promXWaylandState.WithLabelValues(state).Set(1)
}

func GetConnectionsActive() int64 { return connectionsActive.Load() }

func incLabeled(m *sync.Map, label string) {
	v, _ := m.LoadOrStore(label, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func loadLabeled(m *sync.Map) map[string]int64 {
	out := make(map[string]int64)
	m.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}

func SnapshotData() Snapshot {
	xwaylandMu.Lock()
	state := xwaylandState
	xwaylandMu.Unlock()
	return Snapshot{
		ConnectionsTotal:   connectionsTotal.Load(),
		ConnectionsActive:  connectionsActive.Load(),
		ConnectionsClosed:  loadLabeled(&closedByReason),
		MessagesToNative:   messagesToNative.Load(),
		MessagesToBrowser:  messagesToBrowser.Load(),
		MessagesRejected:   loadLabeled(&rejectedByReason),
		ResourceBytesIn:    resourceBytesIn.Load(),
		ResourceBytesOut:   resourceBytesOut.Load(),
		TransfersCompleted: transfersCompleted.Load(),
		TransfersAborted:   transfersAborted.Load(),
		XWaylandState:      state,
		XWaylandDisplay:    xwaylandDisplay.Load(),
		UpdatedUnix:        time.Now().Unix(),
	}
}
