package ws

import (
	"encoding/json"
	"net/http"
	"time"
)

// authFrame is the first frame on the generic path. A device id plus
// signature authenticates a robot; a token alone authenticates an app.
type authFrame struct {
	Type      string `json:"type"`
	Token     string `json:"token,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	Signature string `json:"signature,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// handleGeneric accepts without credentials and expects a single auth frame
// before anything else. 4000 covers malformed or missing frames, 4001 covers
// failed verification, matching the dedicated endpoints.
func (s *Server) handleGeneric(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(authFrameTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		writeClose(conn, CloseBadRequest, "auth frame required")
		return
	}

	var af authFrame
	if err := json.Unmarshal(raw, &af); err != nil || af.Type != "auth" {
		writeClose(conn, CloseBadRequest, "first frame must be an auth message")
		return
	}

	ip := remoteIP(r)
	switch {
	case af.DeviceID != "":
		if !s.devices.Verify(af.DeviceID, af.Timestamp, af.Signature) {
			s.logger.Warn("device signature rejected on generic path",
				"device_id", af.DeviceID, "remote_addr", r.RemoteAddr)
			writeClose(conn, CloseUnauthorized, "invalid signature")
			return
		}
		s.runRobot(conn, af.DeviceID, ip)

	case af.Token != "":
		claims, err := s.tokens.Verify(af.Token)
		if err != nil {
			writeClose(conn, CloseUnauthorized, "invalid token")
			return
		}
		s.runApp(conn, claims.UserID, ip)

	default:
		writeClose(conn, CloseBadRequest, "auth frame carries neither device credentials nor a token")
	}
}
