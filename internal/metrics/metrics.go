package metrics

import "sync"

// Counter names used across the signaling server.
const (
	ConnectionsOpened = "connections_opened"
	ConnectionsClosed = "connections_closed"
	RoomJoins         = "room_joins"
	RoomJoinsRejected = "room_joins_rejected"
	RoomLeaves        = "room_leaves"
	SignalsRelayed    = "signals_relayed"
	AvatarUpdates     = "avatar_updates"
	AvatarUploads     = "avatar_uploads"
	TimelineEvents    = "timeline_events"
	TimelineSwept     = "timeline_swept"
	ClientErrors      = "client_errors"
	DroppedRateLimit  = "dropped_rate_limited"
	DroppedSlowClient = "dropped_slow_client"
)

// Metrics is a minimal, concurrency-safe counter registry. It keeps the
// dispatcher testable without a metrics backend; the /metrics endpoint
// exposes it in Prometheus' text format.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
