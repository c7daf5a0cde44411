package metrics

import "sync"

// Event and drop-reason names recorded by the relay.
const (
	EventRoomCreated   = "room_created"
	EventRoomDestroyed = "room_destroyed"
	EventJoin          = "join"
	EventPeerJoined    = "peer_joined"
	EventPeerLeft      = "peer_left"
	EventRelayed       = "message_relayed"

	AuthFailure = "auth_failure"

	DropReasonTargetGone    = "drop_target_gone"
	DropReasonSendQueueFull = "drop_send_queue_full"
	DropReasonRateLimited   = "drop_rate_limited"
	DropReasonBadMessage    = "drop_bad_message"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It keeps delivery and drop accounting testable without pulling a metrics
// backend into the relay; counters are exposed for scraping via
// PrometheusHandler.
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
	m.mu.Lock()
	m.m[name]++
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
