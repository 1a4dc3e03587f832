package relay

import "testing"

func TestCreateWebRTCSession_EvictsPreviousBeforeNewRequest(t *testing.T) {
	m, clk := newTestManager(testConfig())
	_, robotSock := connectRobot(m, clk, "wimz_robot_01")
	app, _ := connectApp(m, clk, "user_1")

	s1 := m.CreateWebRTCSession("wimz_robot_01", "user_1", app)
	if got := m.ActiveSessionID("wimz_robot_01"); got != s1 {
		t.Fatalf("active=%q want %q", got, s1)
	}
	if n := len(robotSock.Frames()); n != 0 {
		t.Fatalf("robot frames=%d want 0 before handoff", n)
	}

	s2 := m.CreateWebRTCSession("wimz_robot_01", "user_1", app)
	if s2 == s1 {
		t.Fatalf("session id reused")
	}
	if got := m.ActiveSessionID("wimz_robot_01"); got != s2 {
		t.Fatalf("active=%q want %q", got, s2)
	}
	if _, ok := m.GetWebRTCSession(s1); ok {
		t.Fatalf("evicted session still in index")
	}

	frames := robotSock.Frames()
	if len(frames) != 1 || frames[0]["type"] != "webrtc_close" || frames[0]["session_id"] != s1 {
		t.Fatalf("robot frames=%v want one webrtc_close for %s", frames, s1)
	}
}

func TestCloseWebRTCSession_SupersededCloseIsNoOp(t *testing.T) {
	m, clk := newTestManager(testConfig())
	_, robotSock := connectRobot(m, clk, "wimz_robot_01")
	app, _ := connectApp(m, clk, "user_1")

	s1 := m.CreateWebRTCSession("wimz_robot_01", "user_1", app)
	s2 := m.CreateWebRTCSession("wimz_robot_01", "user_1", app)

	// One close for s1 from the handoff.
	if n := len(robotSock.Frames()); n != 1 {
		t.Fatalf("robot frames=%d want 1", n)
	}

	// A late close of the superseded session must not cancel the current
	// one and must not reach the robot.
	m.CloseWebRTCSession(s1, "wimz_robot_01")
	if got := m.ActiveSessionID("wimz_robot_01"); got != s2 {
		t.Fatalf("active=%q want %q", got, s2)
	}
	if n := len(robotSock.Frames()); n != 1 {
		t.Fatalf("robot received a second close: %v", robotSock.FrameTypes())
	}

	m.CloseWebRTCSession(s2, "wimz_robot_01")
	if got := m.ActiveSessionID("wimz_robot_01"); got != "" {
		t.Fatalf("active=%q want empty", got)
	}
	frames := robotSock.Frames()
	if len(frames) != 2 || frames[1]["session_id"] != s2 {
		t.Fatalf("robot frames=%v", frames)
	}
}

func TestActiveSlotPointsIntoSessionIndex(t *testing.T) {
	m, clk := newTestManager(testConfig())
	connectRobot(m, clk, "wimz_robot_01")
	app, _ := connectApp(m, clk, "user_1")

	id := m.CreateWebRTCSession("wimz_robot_01", "user_1", app)
	s, ok := m.GetWebRTCSession(id)
	if !ok {
		t.Fatalf("active session missing from index")
	}
	if s.DeviceID != "wimz_robot_01" || s.UserID != "user_1" || s.App != app {
		t.Fatalf("session=%+v", s)
	}
}

func TestRollbackWebRTCSession(t *testing.T) {
	m, clk := newTestManager(testConfig())
	_, robotSock := connectRobot(m, clk, "wimz_robot_01")
	app, _ := connectApp(m, clk, "user_1")

	id := m.CreateWebRTCSession("wimz_robot_01", "user_1", app)
	m.RollbackWebRTCSession(id, "wimz_robot_01")

	if _, ok := m.GetWebRTCSession(id); ok {
		t.Fatalf("rolled-back session still in index")
	}
	if got := m.ActiveSessionID("wimz_robot_01"); got != "" {
		t.Fatalf("active=%q want empty", got)
	}
	if n := len(robotSock.Frames()); n != 0 {
		t.Fatalf("robot notified about a session it never saw: %v", robotSock.FrameTypes())
	}
}

func TestCleanupAppSessions_NotifiesRobotsForActiveOnly(t *testing.T) {
	m, clk := newTestManager(testConfig())
	_, robot1 := connectRobot(m, clk, "wimz_robot_01")
	_, robot2 := connectRobot(m, clk, "wimz_robot_02")
	app, _ := connectApp(m, clk, "user_1")

	s1 := m.CreateWebRTCSession("wimz_robot_01", "user_1", app)
	s2 := m.CreateWebRTCSession("wimz_robot_02", "user_1", app)

	m.CleanupAppSessions(app)

	if _, ok := m.GetWebRTCSession(s1); ok {
		t.Fatalf("session %s survived cleanup", s1)
	}
	if _, ok := m.GetWebRTCSession(s2); ok {
		t.Fatalf("session %s survived cleanup", s2)
	}
	if m.ActiveSessionID("wimz_robot_01") != "" || m.ActiveSessionID("wimz_robot_02") != "" {
		t.Fatalf("active slots not cleared")
	}
	for _, sock := range []*fakeSocket{robot1, robot2} {
		types := sock.FrameTypes()
		if len(types) != 1 || types[0] != "webrtc_close" {
			t.Fatalf("robot frames=%v want one webrtc_close", types)
		}
	}
}

func TestCleanupRobotSessions_SilentRemoval(t *testing.T) {
	m, clk := newTestManager(testConfig())
	robotConn, robotSock := connectRobot(m, clk, "wimz_robot_01")
	app, _ := connectApp(m, clk, "user_1")

	id := m.CreateWebRTCSession("wimz_robot_01", "user_1", app)
	m.UnregisterRobot(robotConn)
	m.CleanupRobotSessions("wimz_robot_01")

	if _, ok := m.GetWebRTCSession(id); ok {
		t.Fatalf("session survived robot death")
	}
	if m.ActiveSessionID("wimz_robot_01") != "" {
		t.Fatalf("active slot survived robot death")
	}
	if n := len(robotSock.Frames()); n != 0 {
		t.Fatalf("dead robot written to: %v", robotSock.FrameTypes())
	}
}

func TestRebindSession(t *testing.T) {
	m, clk := newTestManager(testConfig())
	connectRobot(m, clk, "wimz_robot_01")
	app1, _ := connectApp(m, clk, "user_1")

	id := m.CreateWebRTCSession("wimz_robot_01", "user_1", app1)

	app2, _ := connectApp(m, clk, "user_1")
	if !m.RebindSession(id, app2) {
		t.Fatalf("rebind failed")
	}
	s, _ := m.GetWebRTCSession(id)
	if s.App != app2 {
		t.Fatalf("session still bound to old connection")
	}

	if m.RebindSession("missing", app2) {
		t.Fatalf("rebind of unknown session succeeded")
	}
}

func TestPurgeDeviceSessions(t *testing.T) {
	m, clk := newTestManager(testConfig())
	connectRobot(m, clk, "wimz_robot_01")
	app, _ := connectApp(m, clk, "user_1")

	s1 := m.CreateWebRTCSession("wimz_robot_01", "user_1", app)
	s2 := m.CreateWebRTCSession("wimz_robot_01", "user_1", app)
	_ = s1 // already evicted by the second create

	m.PurgeDeviceSessions("wimz_robot_01", s2)
	if _, ok := m.GetWebRTCSession(s2); !ok {
		t.Fatalf("kept session purged")
	}
	if m.ActiveSessionID("wimz_robot_01") != s2 {
		t.Fatalf("active slot disturbed by purge")
	}
}
