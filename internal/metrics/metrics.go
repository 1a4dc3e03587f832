package metrics

import "sync"

// Relay event counters. Names are stable; the Prometheus handler exposes them
// as label values on a single counter metric.
const (
	EventRobotConnected     = "robot_connected"
	EventRobotDisconnected  = "robot_disconnected"
	EventAppConnected       = "app_connected"
	EventAppDisconnected    = "app_disconnected"
	EventCommandForwarded   = "command_forwarded"
	EventCommandRejected    = "command_rejected"
	EventEventForwarded     = "event_forwarded"
	EventFrameMalformed     = "frame_malformed"
	EventSessionCreated     = "webrtc_session_created"
	EventSessionEvicted     = "webrtc_session_evicted"
	EventSessionClosed      = "webrtc_session_closed"
	EventGraceStarted       = "grace_started"
	EventGraceCancelled     = "grace_cancelled"
	EventGraceFired         = "grace_fired"
	EventRateLimited        = "rate_limited"
	EventTURNCredentialsOK  = "turn_credentials_ok"
	EventTURNCredentialsErr = "turn_credentials_err"
)

// Metrics is a minimal, concurrency-safe counter registry.
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
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
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
