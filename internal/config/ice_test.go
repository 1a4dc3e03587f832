package config

import (
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	raw := `[
		{"urls": "stun:stun.example.com:3478"},
		{"urls": ["turn:turn.example.com:3478"], "username": "u", "credential": "c"}
	]`

	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected stun url %q", servers[0].URLs[0])
	}
	if servers[1].Username != "u" {
		t.Fatalf("unexpected turn username %q", servers[1].Username)
	}
}

func TestParseICEServersJSON_RejectsTURNWithoutCredentials(t *testing.T) {
	raw := `[{"urls": ["turn:turn.example.com:3478"]}]`
	if _, err := ParseICEServersJSON(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseICEServersJSON_RejectsUnknownScheme(t *testing.T) {
	raw := `[{"urls": ["http://example.com"]}]`
	if _, err := ParseICEServersJSON(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	servers, err := ParseICEServersFromConvenienceEnv(
		"stun:a.example.com, stun:b.example.com",
		"turn:c.example.com",
		"user",
		"pass",
	)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if len(servers[0].URLs) != 2 {
		t.Fatalf("got %d stun urls, want 2", len(servers[0].URLs))
	}
}

func TestParseICEServersFromConvenienceEnv_TURNRequiresBothCreds(t *testing.T) {
	if _, err := ParseICEServersFromConvenienceEnv("", "turn:c.example.com", "user", ""); err == nil {
		t.Fatalf("expected error")
	}
}
