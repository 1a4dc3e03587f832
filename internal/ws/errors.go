package ws

import "github.com/wimz/cloud-relay/internal/relay"

// Inline error codes returned to clients inside {type:"error"} frames.
const (
	CodeNoDevice        = "NO_DEVICE"
	CodeNotAuthorized   = "NOT_AUTHORIZED"
	CodeDeviceOffline   = "DEVICE_OFFLINE"
	CodeTURNError       = "TURN_ERROR"
	CodeForwardFailed   = "FORWARD_FAILED"
	CodeRateLimited     = "RATE_LIMITED"
	CodeStaleCommand    = "STALE_COMMAND"
	CodeMessageTooLarge = "MESSAGE_TOO_LARGE"
)

func errorFrame(code, message string) relay.Frame {
	return relay.Frame{
		"type":    "error",
		"code":    code,
		"message": message,
	}
}

// sendError delivers an inline error on the client's own socket. Delivery is
// best effort; a dead socket is detected by the read loop.
func (s *Server) sendError(conn *relay.Connection, code, message string) {
	if err := conn.Send(errorFrame(code, message)); err != nil {
		s.logger.Debug("error frame not delivered", "code", code, "err", err)
	}
}
