// Package relay holds the in-memory core of the cloud relay: the connection
// tables, the device ownership map, the WebRTC session table, the grace-period
// machinery and the per-user command rate limiter.
//
// All tables live behind one mutex. The tables are small and the hot path is
// lookup-and-write, so a single coarse lock is sufficient; the lock is never
// held across a socket write or a timer wait.
package relay

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wimz/cloud-relay/internal/config"
	"github.com/wimz/cloud-relay/internal/metrics"
)

type Manager struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   Clock

	// afterFunc is time.AfterFunc, swapped out by grace-period tests.
	afterFunc func(time.Duration, func()) *time.Timer

	mu       sync.Mutex
	robots   map[string]*Connection              // device id -> connection
	apps     map[string]map[*Connection]struct{} // user id -> connections
	owners   map[string]string                   // device id -> user id
	sessions map[string]*Session                 // session id -> record
	active   map[string]string                   // device id -> active session id
	grace    map[string]*graceState              // user id -> pending cleanup
	windows  map[string]*rateWindow              // user id -> command window
	activity map[string]time.Time                // user id -> last command
}

func NewManager(cfg config.Config, logger *slog.Logger, m *metrics.Metrics, clock Clock) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		clock:     clock,
		afterFunc: time.AfterFunc,
		robots:    make(map[string]*Connection),
		apps:      make(map[string]map[*Connection]struct{}),
		owners:    make(map[string]string),
		sessions:  make(map[string]*Session),
		active:    make(map[string]string),
		grace:     make(map[string]*graceState),
		windows:   make(map[string]*rateWindow),
		activity:  make(map[string]time.Time),
	}
}

func (m *Manager) Metrics() *metrics.Metrics { return m.metrics }

// RegisterRobot installs conn as the device's connection. A prior connection
// for the same device id is displaced and closed.
func (m *Manager) RegisterRobot(conn *Connection) {
	deviceID := conn.ID()

	m.mu.Lock()
	old := m.robots[deviceID]
	m.robots[deviceID] = conn
	m.mu.Unlock()

	if old != nil && old != conn {
		m.logger.Info("robot reconnected, displacing previous connection",
			"device_id", deviceID, "old_remote_addr", old.RemoteAddr())
		_ = old.Close()
	}
	m.metrics.Inc(metrics.EventRobotConnected)
}

// UnregisterRobot removes conn if it is still the device's current
// connection, then closes it. Safe to call twice; a displaced connection does
// not remove its successor.
func (m *Manager) UnregisterRobot(conn *Connection) {
	deviceID := conn.ID()

	m.mu.Lock()
	if m.robots[deviceID] == conn {
		delete(m.robots, deviceID)
	}
	m.mu.Unlock()

	_ = conn.Close()
	m.metrics.Inc(metrics.EventRobotDisconnected)
}

func (m *Manager) RegisterApp(conn *Connection) {
	userID := conn.ID()

	m.mu.Lock()
	set := m.apps[userID]
	if set == nil {
		set = make(map[*Connection]struct{})
		m.apps[userID] = set
	}
	set[conn] = struct{}{}
	m.mu.Unlock()

	m.metrics.Inc(metrics.EventAppConnected)
}

func (m *Manager) UnregisterApp(conn *Connection) {
	userID := conn.ID()

	m.mu.Lock()
	if set := m.apps[userID]; set != nil {
		delete(set, conn)
		if len(set) == 0 {
			delete(m.apps, userID)
		}
	}
	m.mu.Unlock()

	_ = conn.Close()
	m.metrics.Inc(metrics.EventAppDisconnected)
}

// AppConnectionCount returns the number of live connections for the user.
func (m *Manager) AppConnectionCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.apps[userID])
}

// ReleaseAppConnection settles an app disconnect in one critical section: conn
// leaves the user's set, and depending on the remaining count either only
// conn's sessions are torn down (other app connections stay live) or the
// user's sessions are preserved under a grace period, extending one already
// pending. Doing the count check and the grace decision under one lock keeps
// two concurrent disconnects from double-starting grace and dropping the
// sessions the first one saved.
func (m *Manager) ReleaseAppConnection(conn *Connection) {
	userID := conn.ID()

	m.mu.Lock()
	if set := m.apps[userID]; set != nil {
		delete(set, conn)
		if len(set) == 0 {
			delete(m.apps, userID)
		}
	}

	var closed []GraceSession
	var graceStarted, graceExtended bool
	var preserved int
	if len(m.apps[userID]) > 0 {
		closed = m.detachAppSessionsLocked(conn)
	} else {
		sessions := m.sessionsForAppLocked(conn)
		preserved = len(sessions)
		if gs := m.grace[userID]; gs != nil {
			gs.sessions = append(gs.sessions, sessions...)
			graceExtended = true
		} else {
			gs := &graceState{
				sessions:     sessions,
				lastActivity: m.clock.Now(),
			}
			gs.timer = m.afterFunc(m.cfg.GracePeriod, func() {
				m.ExecuteGraceCleanup(userID)
			})
			m.grace[userID] = gs
			graceStarted = true
		}
	}
	m.mu.Unlock()

	_ = conn.Close()
	m.metrics.Inc(metrics.EventAppDisconnected)
	m.notifyClosedSessions(closed)

	switch {
	case graceStarted:
		m.logger.Info("grace period started",
			"user_id", userID, "sessions", preserved, "grace", m.cfg.GracePeriod)
		m.metrics.Inc(metrics.EventGraceStarted)
	case graceExtended:
		m.logger.Debug("grace period extended",
			"user_id", userID, "sessions", preserved)
	}
}

func (m *Manager) RobotOnline(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.robots[deviceID]
	return ok
}

// SendToRobot writes msg to the device's connection. A write error tears the
// connection down and is reported as ErrSendFailed; an absent connection is
// ErrDeviceOffline.
func (m *Manager) SendToRobot(deviceID string, msg any) error {
	m.mu.Lock()
	conn := m.robots[deviceID]
	m.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("robot %s: %w", deviceID, ErrDeviceOffline)
	}
	if err := conn.Send(msg); err != nil {
		m.logger.Warn("write to robot failed, disconnecting",
			"device_id", deviceID, "err", err)
		m.UnregisterRobot(conn)
		return fmt.Errorf("robot %s: %w", deviceID, ErrSendFailed)
	}
	return nil
}

// SendToUserApps writes msg to every connection the user holds and returns
// the number of successful deliveries. Failed connections are torn down.
func (m *Manager) SendToUserApps(userID string, msg any) int {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.apps[userID]))
	for conn := range m.apps[userID] {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(msg); err != nil {
			m.logger.Warn("write to app failed, disconnecting",
				"user_id", userID, "remote_addr", conn.RemoteAddr(), "err", err)
			m.UnregisterApp(conn)
			continue
		}
		delivered++
	}
	return delivered
}

// ForwardCommand delivers an app command to a robot after checking that the
// acting user owns it. The in-memory ownership map is the sole source of
// truth at decision time.
func (m *Manager) ForwardCommand(userID, deviceID string, msg any) error {
	m.mu.Lock()
	owner := m.owners[deviceID]
	m.mu.Unlock()

	if owner != userID {
		m.metrics.Inc(metrics.EventCommandRejected)
		return fmt.Errorf("user %s -> device %s: %w", userID, deviceID, ErrNotOwner)
	}
	if err := m.SendToRobot(deviceID, msg); err != nil {
		m.metrics.Inc(metrics.EventCommandRejected)
		return err
	}
	m.metrics.Inc(metrics.EventCommandForwarded)
	return nil
}

// ForwardEvent delivers a robot event to the owner's apps. An unowned device
// is logged and dropped.
func (m *Manager) ForwardEvent(deviceID string, msg any) int {
	m.mu.Lock()
	owner := m.owners[deviceID]
	m.mu.Unlock()

	if owner == "" {
		m.logger.Debug("event from unpaired device dropped", "device_id", deviceID)
		return 0
	}
	n := m.SendToUserApps(owner, msg)
	if n > 0 {
		m.metrics.Inc(metrics.EventEventForwarded)
	}
	return n
}

// SetDeviceOwner updates the in-memory ownership view. Callers that mutate
// pairings also persist them through the store; the manager never talks to
// the store itself.
func (m *Manager) SetDeviceOwner(deviceID, userID string) {
	m.mu.Lock()
	m.owners[deviceID] = userID
	m.mu.Unlock()
}

func (m *Manager) RemoveDeviceOwner(deviceID string) {
	m.mu.Lock()
	delete(m.owners, deviceID)
	m.mu.Unlock()
}

// DeviceOwner returns the owning user id, or "" when unpaired.
func (m *Manager) DeviceOwner(deviceID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owners[deviceID]
}

// OwnedDevices returns the user's device ids, sorted so that "the first
// owned device" is deterministic when a command names no target.
func (m *Manager) OwnedDevices(userID string) []string {
	m.mu.Lock()
	var out []string
	for deviceID, owner := range m.owners {
		if owner == userID {
			out = append(out, deviceID)
		}
	}
	m.mu.Unlock()

	sort.Strings(out)
	return out
}

// SeedOwners loads the persisted pairings map at startup.
func (m *Manager) SeedOwners(pairings map[string]string) {
	m.mu.Lock()
	for deviceID, userID := range pairings {
		m.owners[deviceID] = userID
	}
	m.mu.Unlock()
}

type Stats struct {
	RobotsOnline         int `json:"robots_online"`
	AppUsers             int `json:"app_users"`
	AppConnections       int `json:"app_connections"`
	PairedDevices        int `json:"paired_devices"`
	WebRTCSessions       int `json:"webrtc_sessions"`
	ActiveWebRTCSessions int `json:"active_webrtc_sessions"`
	UsersInGrace         int `json:"users_in_grace"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		RobotsOnline:         len(m.robots),
		AppUsers:             len(m.apps),
		PairedDevices:        len(m.owners),
		WebRTCSessions:       len(m.sessions),
		ActiveWebRTCSessions: len(m.active),
		UsersInGrace:         len(m.grace),
	}
	for _, set := range m.apps {
		s.AppConnections += len(set)
	}
	return s
}
