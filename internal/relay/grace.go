package relay

import (
	"time"

	"github.com/wimz/cloud-relay/internal/metrics"
)

// graceState is the pending cleanup for a user whose last app connection
// dropped. Sessions stay in the routing index while grace runs so a reconnect
// can restore them.
type graceState struct {
	timer        *time.Timer
	sessions     []GraceSession
	lastActivity time.Time
}

// StartGracePeriod schedules teardown of the user's sessions after the
// configured grace interval, replacing any timer already pending.
func (m *Manager) StartGracePeriod(userID string, sessions []GraceSession) {
	m.mu.Lock()
	if gs := m.grace[userID]; gs != nil {
		gs.timer.Stop()
	}
	gs := &graceState{
		sessions:     sessions,
		lastActivity: m.clock.Now(),
	}
	gs.timer = m.afterFunc(m.cfg.GracePeriod, func() {
		m.ExecuteGraceCleanup(userID)
	})
	m.grace[userID] = gs
	m.mu.Unlock()

	m.logger.Info("grace period started",
		"user_id", userID, "sessions", len(sessions), "grace", m.cfg.GracePeriod)
	m.metrics.Inc(metrics.EventGraceStarted)
}

// ExtendGracePeriod appends sessions to an existing grace record. Returns
// false when the user has no grace state; the caller starts a fresh one.
func (m *Manager) ExtendGracePeriod(userID string, sessions []GraceSession) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	gs := m.grace[userID]
	if gs == nil {
		return false
	}
	gs.sessions = append(gs.sessions, sessions...)
	return true
}

// CancelGracePeriod stops the pending cleanup and returns the preserved
// sessions for restoration. ok is false when no grace state existed.
func (m *Manager) CancelGracePeriod(userID string) (sessions []GraceSession, ok bool) {
	m.mu.Lock()
	gs := m.grace[userID]
	if gs == nil {
		m.mu.Unlock()
		return nil, false
	}
	gs.timer.Stop()
	delete(m.grace, userID)
	sessions = gs.sessions
	m.mu.Unlock()

	m.logger.Info("grace period cancelled by reconnect",
		"user_id", userID, "sessions", len(sessions))
	m.metrics.Inc(metrics.EventGraceCancelled)
	return sessions, true
}

// ExecuteGraceCleanup is the timer body. It is a no-op when the grace state
// was cancelled between firing and running. Each preserved session that is
// still the active one for its device is closed with robot notification, the
// user's robots get a user_disconnected notice, and the user's rate-limit and
// activity records are dropped.
func (m *Manager) ExecuteGraceCleanup(userID string) {
	m.mu.Lock()
	gs := m.grace[userID]
	if gs == nil {
		m.mu.Unlock()
		return
	}
	delete(m.grace, userID)

	var closing []GraceSession
	for _, sess := range gs.sessions {
		if m.active[sess.DeviceID] != sess.SessionID {
			delete(m.sessions, sess.SessionID)
			continue
		}
		delete(m.sessions, sess.SessionID)
		delete(m.active, sess.DeviceID)
		closing = append(closing, sess)
	}

	var owned []string
	for deviceID, owner := range m.owners {
		if owner != userID {
			continue
		}
		if _, online := m.robots[deviceID]; online {
			owned = append(owned, deviceID)
		}
	}

	delete(m.windows, userID)
	delete(m.activity, userID)
	m.mu.Unlock()

	for _, sess := range closing {
		m.notifyRobotSessionClosed(sess.DeviceID, sess.SessionID)
		m.metrics.Inc(metrics.EventSessionClosed)
	}
	for _, deviceID := range owned {
		err := m.SendToRobot(deviceID, Frame{
			"type":    "user_disconnected",
			"user_id": userID,
		})
		if err != nil {
			m.logger.Debug("user_disconnected notice not delivered",
				"device_id", deviceID, "err", err)
		}
	}

	m.logger.Info("grace period expired, sessions cleaned",
		"user_id", userID, "closed_sessions", len(closing), "notified_robots", len(owned))
	m.metrics.Inc(metrics.EventGraceFired)
}

// Shutdown cancels every outstanding grace timer and clears the saved session
// lists. Called once on process shutdown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for userID, gs := range m.grace {
		gs.timer.Stop()
		delete(m.grace, userID)
	}
	m.windows = make(map[string]*rateWindow)
	m.activity = make(map[string]time.Time)
	m.mu.Unlock()
}
