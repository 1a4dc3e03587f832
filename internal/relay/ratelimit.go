package relay

import (
	"time"

	"github.com/wimz/cloud-relay/internal/metrics"
)

type rateEntry struct {
	at      time.Time
	cmdType string
}

// rateWindow is a time-ordered queue of the user's recent commands, pruned on
// every check.
type rateWindow struct {
	entries []rateEntry
}

func (w *rateWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.entries) && w.entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

func (w *rateWindow) distinctTypesSince(cutoff time.Time) map[string]struct{} {
	types := make(map[string]struct{})
	for _, e := range w.entries {
		if !e.at.Before(cutoff) {
			types[e.cmdType] = struct{}{}
		}
	}
	return types
}

// AllowCommand records one command against the user's window and reports
// whether it is within the configured budget. Exactly RateLimitMax commands
// fit in a window; the next one is rejected and not recorded.
//
// Independently, a spike in distinct command types inside the diversity
// window emits a forensic warning with the type set and the caller's address.
// Diversity never rejects on its own.
func (m *Manager) AllowCommand(userID, cmdType, remoteAddr string) bool {
	now := m.clock.Now()

	m.mu.Lock()
	w := m.windows[userID]
	if w == nil {
		w = &rateWindow{}
		m.windows[userID] = w
	}
	w.prune(now.Add(-m.cfg.RateLimitWindow))

	if len(w.entries) >= m.cfg.RateLimitMax {
		m.mu.Unlock()
		m.logger.Warn("command rate limit exceeded",
			"user_id", userID, "command", cmdType, "remote_addr", remoteAddr,
			"max", m.cfg.RateLimitMax, "window", m.cfg.RateLimitWindow)
		m.metrics.Inc(metrics.EventRateLimited)
		return false
	}

	w.entries = append(w.entries, rateEntry{at: now, cmdType: cmdType})
	m.activity[userID] = now
	types := w.distinctTypesSince(now.Add(-m.cfg.DiversityWindow))
	m.mu.Unlock()

	if len(types) > m.cfg.DiversityThreshold {
		names := make([]string, 0, len(types))
		for t := range types {
			names = append(names, t)
		}
		m.logger.Warn("command type diversity spike",
			"user_id", userID, "remote_addr", remoteAddr,
			"distinct_types", len(types), "types", names,
			"window", m.cfg.DiversityWindow)
	}
	return true
}

// LastActivity returns the user's last recorded command time.
func (m *Manager) LastActivity(userID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.activity[userID]
	return t, ok
}

// HasRateState reports whether the user holds a rate-limit window or an
// activity record. A user with no live connection and no grace state must
// hold neither.
func (m *Manager) HasRateState(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, w := m.windows[userID]
	_, a := m.activity[userID]
	return w || a
}
