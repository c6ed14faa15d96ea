package metrics

import "sync"

// Event names recorded by the rendezvous server and beam flows.
const (
	EventSessionCreated  = "session_created"
	EventSessionDeleted  = "session_deleted"
	EventSessionExpired  = "session_expired"
	EventTooManySessions = "too_many_sessions"
	EventRateLimited     = "rate_limited"
	EventInvalidMessage  = "invalid_message"
	EventSubscribed      = "subscribed"
	EventSnapshotSent    = "snapshot_sent"
)

// Metrics is a minimal, concurrency-safe counter registry. It exists to keep
// enforcement logic testable without pulling a full metrics backend into the
// binary; /metrics exposes it in Prometheus text format.
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
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
