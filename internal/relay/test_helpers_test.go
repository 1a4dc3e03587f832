package relay

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/wimz/cloud-relay/internal/config"
	"github.com/wimz/cloud-relay/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSocket struct {
	mu         sync.Mutex
	frames     []Frame
	failWrites bool
	closed     bool
}

func (s *fakeSocket) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errors.New("fake write failure")
	}
	// Round-trip through JSON so recorded frames are detached copies.
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *fakeSocket) FrameTypes() []string {
	var out []string
	for _, f := range s.Frames() {
		t, _ := f["type"].(string)
		out = append(out, t)
	}
	return out
}

func (s *fakeSocket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func testConfig() config.Config {
	return config.Config{
		RateLimitMax:       3,
		RateLimitWindow:    time.Minute,
		DiversityThreshold: 10,
		DiversityWindow:    10 * time.Second,
		GracePeriod:        600 * time.Second,
	}
}

func newTestManager(cfg config.Config) (*Manager, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(cfg, logger, metrics.New(), clk), clk
}

func connectRobot(m *Manager, clk *fakeClock, deviceID string) (*Connection, *fakeSocket) {
	sock := &fakeSocket{}
	conn := NewConnection(sock, RoleRobot, deviceID, "203.0.113.1:9000", clk.Now())
	m.RegisterRobot(conn)
	return conn, sock
}

func connectApp(m *Manager, clk *fakeClock, userID string) (*Connection, *fakeSocket) {
	sock := &fakeSocket{}
	conn := NewConnection(sock, RoleApp, userID, "198.51.100.1:9000", clk.Now())
	m.RegisterApp(conn)
	return conn, sock
}
