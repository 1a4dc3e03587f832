package relay

import (
	"time"

	"github.com/google/uuid"

	"github.com/wimz/cloud-relay/internal/metrics"
)

// Session is one negotiated signaling channel between an app connection and a
// robot. The session index owns the record; the per-device active slot holds
// only the session id, and App is a non-owning reference invalidated by
// Connection.Close.
type Session struct {
	ID        string
	DeviceID  string
	UserID    string
	App       *Connection
	CreatedAt time.Time
}

// CreateWebRTCSession allocates a fresh session for the device and makes it
// the active one. If a session was already active for the device, it is
// evicted first and the robot is told to close it, so the robot always sees
// the close of the old session before the request for the new one.
func (m *Manager) CreateWebRTCSession(deviceID, userID string, app *Connection) string {
	id := uuid.NewString()

	m.mu.Lock()
	evicted := m.active[deviceID]
	if evicted != "" {
		delete(m.sessions, evicted)
	}
	m.sessions[id] = &Session{
		ID:        id,
		DeviceID:  deviceID,
		UserID:    userID,
		App:       app,
		CreatedAt: m.clock.Now(),
	}
	m.active[deviceID] = id
	m.mu.Unlock()

	if evicted != "" {
		m.metrics.Inc(metrics.EventSessionEvicted)
		m.notifyRobotSessionClosed(deviceID, evicted)
	}
	m.metrics.Inc(metrics.EventSessionCreated)
	return id
}

// RollbackWebRTCSession removes a session that never became usable (TURN
// minting failed after creation). The robot is not notified; it has not seen
// the session yet.
func (m *Manager) RollbackWebRTCSession(sessionID, deviceID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	if m.active[deviceID] == sessionID {
		delete(m.active, deviceID)
	}
	m.mu.Unlock()
}

// CloseWebRTCSession drops the session from the index. The active slot is
// cleared and the robot notified only when sessionID is still the device's
// active session; a late close of a superseded session must not cancel the
// session that replaced it.
func (m *Manager) CloseWebRTCSession(sessionID, deviceID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	wasActive := m.active[deviceID] == sessionID
	if wasActive {
		delete(m.active, deviceID)
	}
	m.mu.Unlock()

	if wasActive {
		m.notifyRobotSessionClosed(deviceID, sessionID)
	}
	m.metrics.Inc(metrics.EventSessionClosed)
}

// GetWebRTCSession returns a copy of the session record.
func (m *Manager) GetWebRTCSession(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// ActiveSessionID returns the device's active session id, or "".
func (m *Manager) ActiveSessionID(deviceID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[deviceID]
}

// RebindSession points a restored session at the user's new app connection.
func (m *Manager) RebindSession(sessionID string, app *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	s.App = app
	return true
}

// PurgeDeviceSessions removes stale routing entries for a device, keeping
// only keepID. Used when a new session is established to drop leftovers from
// earlier negotiations.
func (m *Manager) PurgeDeviceSessions(deviceID, keepID string) {
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.DeviceID == deviceID && id != keepID {
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()
}

// GraceSession identifies one preserved session during a grace period.
type GraceSession struct {
	SessionID string
	DeviceID  string
}

// SessionsForApp returns the sessions bound to conn without removing them.
// Used to seed a grace period, where sessions are deliberately preserved so a
// reconnect can re-bind them.
func (m *Manager) SessionsForApp(conn *Connection) []GraceSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionsForAppLocked(conn)
}

func (m *Manager) sessionsForAppLocked(conn *Connection) []GraceSession {
	var out []GraceSession
	for id, s := range m.sessions {
		if s.App == conn {
			out = append(out, GraceSession{SessionID: id, DeviceID: s.DeviceID})
		}
	}
	return out
}

// CleanupAppSessions removes every session bound to conn. Robots are told to
// close sessions that were active; superseded records vanish silently.
func (m *Manager) CleanupAppSessions(conn *Connection) {
	m.mu.Lock()
	notify := m.detachAppSessionsLocked(conn)
	m.mu.Unlock()

	m.notifyClosedSessions(notify)
}

func (m *Manager) detachAppSessionsLocked(conn *Connection) []GraceSession {
	var notify []GraceSession
	for id, s := range m.sessions {
		if s.App != conn {
			continue
		}
		delete(m.sessions, id)
		if m.active[s.DeviceID] == id {
			delete(m.active, s.DeviceID)
			notify = append(notify, GraceSession{SessionID: id, DeviceID: s.DeviceID})
		}
	}
	return notify
}

func (m *Manager) notifyClosedSessions(closed []GraceSession) {
	for _, n := range closed {
		m.notifyRobotSessionClosed(n.DeviceID, n.SessionID)
		m.metrics.Inc(metrics.EventSessionClosed)
	}
}

// CleanupRobotSessions removes every session for a dead robot and clears its
// active slot. Nothing is written to the robot.
func (m *Manager) CleanupRobotSessions(deviceID string) {
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.DeviceID == deviceID {
			delete(m.sessions, id)
		}
	}
	delete(m.active, deviceID)
	m.mu.Unlock()
}

func (m *Manager) notifyRobotSessionClosed(deviceID, sessionID string) {
	err := m.SendToRobot(deviceID, Frame{
		"type":       "webrtc_close",
		"session_id": sessionID,
	})
	if err != nil {
		m.logger.Debug("webrtc close notification not delivered",
			"device_id", deviceID, "session_id", sessionID, "err", err)
	}
}
