package relay

import (
	"fmt"
	"testing"
	"time"
)

func TestAllowCommand_ExactBudget(t *testing.T) {
	cfg := testConfig() // max 3 per minute
	m, clk := newTestManager(cfg)

	for i := 0; i < cfg.RateLimitMax; i++ {
		if !m.AllowCommand("user_1", "motor", "198.51.100.1") {
			t.Fatalf("command %d rejected inside budget", i+1)
		}
	}
	if m.AllowCommand("user_1", "motor", "198.51.100.1") {
		t.Fatalf("command %d allowed over budget", cfg.RateLimitMax+1)
	}

	// The rejected command is not recorded; once the window slides past the
	// accepted entries the budget is whole again.
	clk.Advance(cfg.RateLimitWindow + time.Second)
	for i := 0; i < cfg.RateLimitMax; i++ {
		if !m.AllowCommand("user_1", "motor", "198.51.100.1") {
			t.Fatalf("command %d rejected after window slid", i+1)
		}
	}
}

func TestAllowCommand_WindowSlidesPerEntry(t *testing.T) {
	m, clk := newTestManager(testConfig())

	m.AllowCommand("user_1", "motor", "")
	clk.Advance(30 * time.Second)
	m.AllowCommand("user_1", "motor", "")
	m.AllowCommand("user_1", "motor", "")

	if m.AllowCommand("user_1", "motor", "") {
		t.Fatalf("4th command allowed")
	}

	// 31s later the first entry has aged out; exactly one slot is free.
	clk.Advance(31 * time.Second)
	if !m.AllowCommand("user_1", "motor", "") {
		t.Fatalf("command rejected after oldest entry expired")
	}
	if m.AllowCommand("user_1", "motor", "") {
		t.Fatalf("window slid by more than one entry")
	}
}

func TestAllowCommand_PerUserIsolation(t *testing.T) {
	cfg := testConfig()
	m, _ := newTestManager(cfg)

	for i := 0; i < cfg.RateLimitMax; i++ {
		m.AllowCommand("user_1", "motor", "")
	}
	if m.AllowCommand("user_1", "motor", "") {
		t.Fatalf("user_1 over budget allowed")
	}
	if !m.AllowCommand("user_2", "motor", "") {
		t.Fatalf("user_2 affected by user_1's window")
	}
}

func TestAllowCommand_DiversityNeverRejects(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitMax = 100
	cfg.DiversityThreshold = 5
	m, _ := newTestManager(cfg)

	for i := 0; i < 20; i++ {
		if !m.AllowCommand("user_1", fmt.Sprintf("cmd_%d", i), "198.51.100.1") {
			t.Fatalf("diverse command %d rejected", i)
		}
	}
}

func TestAllowCommand_RecordsActivity(t *testing.T) {
	m, clk := newTestManager(testConfig())

	if _, ok := m.LastActivity("user_1"); ok {
		t.Fatalf("activity record before any command")
	}
	m.AllowCommand("user_1", "motor", "")
	at, ok := m.LastActivity("user_1")
	if !ok || !at.Equal(clk.Now()) {
		t.Fatalf("activity=%v ok=%v", at, ok)
	}
	if !m.HasRateState("user_1") {
		t.Fatalf("rate state missing after command")
	}
}
