// Package ws implements the relay's three WebSocket accept paths and the
// message dispatch shared between them. Robots authenticate with a
// shared-secret HMAC signature, apps with a bearer token; the generic path
// accepts either, carried in the first frame.
package ws

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wimz/cloud-relay/internal/auth"
	"github.com/wimz/cloud-relay/internal/config"
	"github.com/wimz/cloud-relay/internal/metrics"
	"github.com/wimz/cloud-relay/internal/relay"
	"github.com/wimz/cloud-relay/internal/store"
	"github.com/wimz/cloud-relay/internal/turnclient"
)

const (
	// Application close codes shared with robot firmware and the app.
	CloseBadRequest   = 4000
	CloseUnauthorized = 4001

	wsWriteWait = 5 * time.Second

	// How long the generic path waits for the auth frame.
	authFrameTimeout = 10 * time.Second
)

type Server struct {
	cfg      config.Config
	logger   *slog.Logger
	manager  *relay.Manager
	store    store.Store
	turn     *turnclient.Client
	devices  auth.DeviceVerifier
	tokens   auth.Tokens
	metrics  *metrics.Metrics
	clock    relay.Clock
	upgrader websocket.Upgrader
}

func NewServer(
	cfg config.Config,
	logger *slog.Logger,
	manager *relay.Manager,
	st store.Store,
	turn *turnclient.Client,
	devices auth.DeviceVerifier,
	tokens auth.Tokens,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		manager: manager,
		store:   st,
		turn:    turn,
		devices: devices,
		tokens:  tokens,
		metrics: manager.Metrics(),
		clock:   relay.RealClock{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts the WebSocket endpoints on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/device", s.handleDevice)
	mux.HandleFunc("GET /ws/app", s.handleApp)
	mux.HandleFunc("GET /ws", s.handleGeneric)
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return nil, false
	}
	conn.SetReadLimit(s.cfg.WSMaxMessageBytes)
	return conn, true
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	_ = conn.Close()
}

// keepalive pings the peer at the configured interval until stop is closed.
// Pong receipt pushes the read deadline forward; a peer that stops answering
// times out in the read loop.
func (s *Server) keepalive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.WSPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (s *Server) armKeepalive(conn *websocket.Conn) func() {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.WSPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.WSPongTimeout))
	})
	stop := make(chan struct{})
	go s.keepalive(conn, stop)
	return func() { close(stop) }
}

// readFrame reads and decodes the next JSON frame. A decode failure returns
// frame == nil with ok == true: malformed frames are logged and skipped, the
// connection survives. ok == false means the read loop should exit.
func (s *Server) readFrame(conn *websocket.Conn, who string) (frame relay.Frame, raw []byte, ok bool) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.WSPongTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, nil, false
	}
	var f relay.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.logger.Warn("malformed frame skipped", "from", who, "err", err)
		s.metrics.Inc(metrics.EventFrameMalformed)
		return nil, nil, true
	}
	return f, raw, true
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
