package httpserver

import (
	"errors"
	"net/http"

	"github.com/wimz/cloud-relay/internal/turnclient"
)

type turnCredentialsRequest struct {
	TTL int64 `json:"ttl,omitempty"`
}

// handleTURNCredentials mints ICE servers for a client that negotiates its
// WebRTC session out of band, for example a web dashboard that never opens a
// relay WebSocket.
func (s *Server) handleTURNCredentials(w http.ResponseWriter, r *http.Request, userID string) {
	var req turnCredentialsRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	servers, err := s.turn.GenerateCredentials(r.Context(), req.TTL)
	if err != nil {
		if errors.Is(err, turnclient.ErrNotConfigured) {
			writeError(w, http.StatusServiceUnavailable, "no TURN provider configured")
			return
		}
		var httpErr *turnclient.HTTPError
		if errors.As(err, &httpErr) {
			s.log.Error("turn provider rejected credential request",
				"user_id", userID, "status", httpErr.StatusCode)
		} else {
			s.log.Error("turn provider unreachable", "user_id", userID, "err", err)
		}
		writeError(w, http.StatusBadGateway, "could not obtain TURN credentials")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}
