// Package turnclient mints short-lived ICE/TURN credentials through a
// Cloudflare-compatible REST provider. No caching: every call issues fresh
// credentials for one WebRTC session.
package turnclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wimz/cloud-relay/internal/config"
)

// ErrNotConfigured is returned when neither a credential provider nor a
// static ICE fallback is configured.
var ErrNotConfigured = errors.New("turn: not configured")

// HTTPError is a non-2xx response from the provider, distinct from transport
// failures so callers can log them apart.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("turn provider returned %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	cfg    config.TURNConfig
	static []webrtc.ICEServer
	http   *http.Client
	logger *slog.Logger
}

// New builds a client. static is the fallback served when the provider is
// not configured (dev setups, on-prem coturn with long-lived credentials).
func New(cfg config.TURNConfig, static []webrtc.ICEServer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		static: static,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// GenerateCredentials mints ICE servers valid for ttlSeconds (the configured
// TTL when <= 0).
func (c *Client) GenerateCredentials(ctx context.Context, ttlSeconds int64) ([]webrtc.ICEServer, error) {
	if !c.cfg.Enabled() {
		if len(c.static) > 0 {
			return c.static, nil
		}
		return nil, ErrNotConfigured
	}
	if ttlSeconds <= 0 {
		ttlSeconds = c.cfg.TTLSeconds
	}

	body, err := json.Marshal(map[string]int64{"ttl": ttlSeconds})
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + c.cfg.KeyID + "/credentials/generate-ice-servers"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("turn provider request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("turn provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	servers, err := decodeICEServers(raw)
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		return nil, errors.New("turn provider returned no ice servers")
	}
	return servers, nil
}

// wireICEServer tolerates both a single URL string and a URL list in "urls",
// matching what providers actually emit.
type wireICEServer struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username,omitempty"`
	Credential string          `json:"credential,omitempty"`
}

func decodeICEServers(raw []byte) ([]webrtc.ICEServer, error) {
	var envelope struct {
		ICEServers []wireICEServer `json:"iceServers"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode turn provider response: %w", err)
	}

	out := make([]webrtc.ICEServer, 0, len(envelope.ICEServers))
	for i, ws := range envelope.ICEServers {
		urls, err := decodeURLs(ws.URLs)
		if err != nil {
			return nil, fmt.Errorf("ice server %d: %w", i, err)
		}
		if len(urls) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: urls, Username: ws.Username}
		if ws.Credential != "" {
			server.Credential = ws.Credential
		}
		out = append(out, server)
	}
	return out, nil
}

func decodeURLs(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("invalid urls field: %w", err)
	}
	return list, nil
}
