package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/wimz/cloud-relay/internal/auth"
	"github.com/wimz/cloud-relay/internal/config"
	"github.com/wimz/cloud-relay/internal/metrics"
	"github.com/wimz/cloud-relay/internal/relay"
	"github.com/wimz/cloud-relay/internal/store"
	"github.com/wimz/cloud-relay/internal/turnclient"
)

type testEnv struct {
	baseURL string
	cfg     config.Config
	manager *relay.Manager
	store   *store.Memory
	tokens  auth.Tokens
	signer  auth.DeviceVerifier
}

func startTestServer(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Config{
		ListenAddr:        "127.0.0.1:0",
		Mode:              config.ModeDev,
		LogFormat:         config.LogFormatText,
		LogLevel:          slog.LevelInfo,
		DeviceSecret:      "device-secret",
		AuthLegacyLayouts: true,
		JWTSecret:         "jwt-secret",
		JWTAlgorithm:      "HS256",
		JWTExpire:         time.Hour,
		WSMaxMessageBytes: 1 << 20,
		MusicUploadDir:    t.TempDir(),
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := relay.NewManager(cfg, log, metrics.New(), relay.RealClock{})
	st := store.NewMemory()
	turn := turnclient.New(cfg.TURN, cfg.ICEServers, log)
	devices := auth.NewDeviceVerifier(cfg.DeviceSecret, cfg.AuthLegacyLayouts)
	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.JWTAlgorithm, cfg.JWTExpire)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}

	srv := New(cfg, log, manager, st, turn, devices, tokens, BuildInfo{Commit: "abc", BuildTime: "time"})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return &testEnv{
		baseURL: "http://" + ln.Addr().String(),
		cfg:     cfg,
		manager: manager,
		store:   st,
		tokens:  tokens,
		signer:  devices,
	}
}

func (e *testEnv) postJSON(t *testing.T, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, e.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (e *testEnv) getJSON(t *testing.T, path, token string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthStatsVersion(t *testing.T) {
	e := startTestServer(t)

	resp, body := e.getJSON(t, "/health", "")
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("health status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = e.getJSON(t, "/stats", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status=%d", resp.StatusCode)
	}
	if body["robots_online"] != float64(0) {
		t.Fatalf("stats=%v", body)
	}

	resp, body = e.getJSON(t, "/version", "")
	if resp.StatusCode != http.StatusOK || body["commit"] != "abc" {
		t.Fatalf("version status=%d body=%v", resp.StatusCode, body)
	}
}

func TestRegisterLoginMe(t *testing.T) {
	e := startTestServer(t)

	resp, body := e.postJSON(t, "/api/auth/register", "", map[string]any{
		"email": "owner@example.com", "password": "correcthorse",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status=%d body=%v", resp.StatusCode, body)
	}
	if body["access_token"] == "" || body["access_token"] == nil {
		t.Fatalf("register returned no token: %v", body)
	}

	// Duplicate email conflicts.
	resp, _ = e.postJSON(t, "/api/auth/register", "", map[string]any{
		"email": "OWNER@example.com", "password": "correcthorse",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register status=%d", resp.StatusCode)
	}

	resp, body = e.postJSON(t, "/api/auth/login", "", map[string]any{
		"email": "owner@example.com", "password": "correcthorse",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status=%d body=%v", resp.StatusCode, body)
	}
	token, _ := body["access_token"].(string)
	if token == "" {
		t.Fatalf("login returned no token: %v", body)
	}

	resp, _ = e.postJSON(t, "/api/auth/login", "", map[string]any{
		"email": "owner@example.com", "password": "wrongpassword",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login status=%d", resp.StatusCode)
	}

	resp, body = e.getJSON(t, "/api/auth/me", token)
	if resp.StatusCode != http.StatusOK || body["email"] != "owner@example.com" {
		t.Fatalf("me status=%d body=%v", resp.StatusCode, body)
	}

	resp, _ = e.getJSON(t, "/api/auth/me", "garbage")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("me with bad token status=%d", resp.StatusCode)
	}
}

func TestRegisterValidation(t *testing.T) {
	e := startTestServer(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"bad email", map[string]any{"email": "not-an-email", "password": "correcthorse"}},
		{"short password", map[string]any{"email": "a@example.com", "password": "short"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := e.postJSON(t, "/api/auth/register", "", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusBadRequest)
			}
		})
	}
}

func (e *testEnv) registerDevice(t *testing.T, deviceID string) map[string]any {
	t.Helper()
	ts := fmt.Sprintf("%d", time.Now().Unix())
	req, err := http.NewRequest(http.MethodPost, e.baseURL+"/api/device/register", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("X-Device-ID", deviceID)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", e.signer.Sign(deviceID, ts))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("device register status=%d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

func TestDevicePairingFlow(t *testing.T) {
	e := startTestServer(t)

	body := e.registerDevice(t, "wimz_robot_01")
	code, _ := body["pairing_code"].(string)
	if code == "" {
		t.Fatalf("registration returned no pairing code: %v", body)
	}

	_, reg := e.postJSON(t, "/api/auth/register", "", map[string]any{
		"email": "owner@example.com", "password": "correcthorse",
	})
	token := reg["access_token"].(string)

	resp, paired := e.postJSON(t, "/api/device/pair", token, map[string]any{"pairing_code": code})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pair status=%d body=%v", resp.StatusCode, paired)
	}
	if paired["device_id"] != "wimz_robot_01" {
		t.Fatalf("paired=%v", paired)
	}
	userID := reg["user"].(map[string]any)["id"].(string)
	if e.manager.DeviceOwner("wimz_robot_01") != userID {
		t.Fatalf("pairing not reflected in the connection manager")
	}

	// A second account cannot claim the same device.
	_, reg2 := e.postJSON(t, "/api/auth/register", "", map[string]any{
		"email": "other@example.com", "password": "correcthorse",
	})
	token2 := reg2["access_token"].(string)
	resp, _ = e.postJSON(t, "/api/device/pair", token2, map[string]any{"pairing_code": code})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second pair status=%d", resp.StatusCode)
	}

	resp, list := e.getJSON(t, "/api/device/list", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status=%d", resp.StatusCode)
	}
	devices, _ := list["devices"].([]any)
	if len(devices) != 1 {
		t.Fatalf("list=%v", list)
	}

	// Unpair by non-owner is forbidden; by the owner it clears both views.
	resp, _ = e.postJSON(t, "/api/device/unpair", token2, map[string]any{"device_id": "wimz_robot_01"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign unpair status=%d", resp.StatusCode)
	}
	resp, _ = e.postJSON(t, "/api/device/unpair", token, map[string]any{"device_id": "wimz_robot_01"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unpair status=%d", resp.StatusCode)
	}
	if e.manager.DeviceOwner("wimz_robot_01") != "" {
		t.Fatalf("ownership survived unpair")
	}
	if owner, _ := e.store.GetDeviceOwner(context.Background(), "wimz_robot_01"); owner != "" {
		t.Fatalf("persisted ownership survived unpair")
	}
}

func TestDeviceRegisterRejectsBadSignature(t *testing.T) {
	e := startTestServer(t)

	req, err := http.NewRequest(http.MethodPost, e.baseURL+"/api/device/register", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("X-Device-ID", "wimz_robot_01")
	req.Header.Set("X-Signature", "deadbeef")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestTURNCredentialsUnconfigured(t *testing.T) {
	e := startTestServer(t)

	_, reg := e.postJSON(t, "/api/auth/register", "", map[string]any{
		"email": "owner@example.com", "password": "correcthorse",
	})
	token := reg["access_token"].(string)

	resp, _ := e.postJSON(t, "/api/turn/credentials", token, map[string]any{})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestMusicUploadLifecycle(t *testing.T) {
	e := startTestServer(t)

	_, reg := e.postJSON(t, "/api/auth/register", "", map[string]any{
		"email": "owner@example.com", "password": "correcthorse",
	})
	token := reg["access_token"].(string)
	userID := reg["user"].(map[string]any)["id"].(string)
	e.manager.SetDeviceOwner("wimz_robot_01", userID)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "song.mp3")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	io.WriteString(fw, "not really mp3 bytes")
	mw.WriteField("device_id", "wimz_robot_01")
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, e.baseURL+"/api/music/upload", &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status=%d body=%v", resp.StatusCode, body)
	}
	fileID, _ := body["file_id"].(string)
	if fileID == "" {
		t.Fatalf("upload returned no file id: %v", body)
	}
	// Robot is offline, so the download command could not be delivered.
	if body["delivered"] != false {
		t.Fatalf("delivered=%v, want false", body["delivered"])
	}

	dl, err := http.Get(e.baseURL + "/api/music/file/" + fileID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	raw, _ := io.ReadAll(dl.Body)
	dl.Body.Close()
	if dl.StatusCode != http.StatusOK || string(raw) != "not really mp3 bytes" {
		t.Fatalf("download status=%d body=%q", dl.StatusCode, raw)
	}

	delReq, err := http.NewRequest(http.MethodDelete, e.baseURL+"/api/music/file/"+fileID, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	delReq.Header.Set("Authorization", "Bearer "+token)
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete status=%d", delResp.StatusCode)
	}

	gone, err := http.Get(e.baseURL + "/api/music/file/" + fileID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	gone.Body.Close()
	if gone.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted file status=%d", gone.StatusCode)
	}
}

func TestMusicUploadRejectsUnknownFormat(t *testing.T) {
	e := startTestServer(t)

	_, reg := e.postJSON(t, "/api/auth/register", "", map[string]any{
		"email": "owner@example.com", "password": "correcthorse",
	})
	token := reg["access_token"].(string)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "malware.exe")
	io.WriteString(fw, "nope")
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, e.baseURL+"/api/music/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusUnsupportedMediaType)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := startTestServer(t)

	e.manager.Metrics().Inc(metrics.EventTURNCredentialsOK)

	resp, err := http.Get(e.baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if !strings.Contains(string(raw), "wimz_relay_events_total") {
		t.Fatalf("exposition missing counter: %q", raw)
	}
}
