package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wimz/cloud-relay/internal/relay"
)

// handleApp is the app accept path: a bearer token in the query string whose
// subject claim becomes the user id.
func (s *Server) handleApp(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	claims, err := s.tokens.Verify(token)
	if err != nil {
		writeClose(conn, CloseUnauthorized, "invalid token")
		return
	}

	s.runApp(conn, claims.UserID, remoteIP(r))
}

// runApp owns the app's message loop. The connect sequence restores any
// sessions preserved by a grace period before anything else is sent, so the
// app never acts on stale session ids.
func (s *Server) runApp(ws *websocket.Conn, userID, ip string) {
	ctx := context.Background()
	conn := relay.NewConnection(ws, relay.RoleApp, userID, ip, s.clock.Now())

	s.manager.RegisterApp(conn)
	stopKeepalive := s.armKeepalive(ws)
	s.logger.Info("app connected", "user_id", userID, "remote_addr", ip)

	if restored, ok := s.manager.CancelGracePeriod(userID); ok {
		for _, sess := range restored {
			if !s.manager.RebindSession(sess.SessionID, conn) {
				continue
			}
			err := conn.Send(relay.Frame{
				"type":       "session_restored",
				"session_id": sess.SessionID,
				"device_id":  sess.DeviceID,
			})
			if err != nil {
				s.logger.Debug("session_restored not delivered", "user_id", userID, "err", err)
			}
		}
	}

	if err := conn.Send(relay.Frame{"type": "auth_result", "success": true, "user_id": userID}); err != nil {
		s.logger.Debug("auth_result not delivered", "user_id", userID, "err", err)
	}

	devices := s.manager.OwnedDevices(userID)
	for _, deviceID := range devices {
		online := s.manager.RobotOnline(deviceID)
		err := conn.Send(relay.Frame{
			"type":      "robot_status",
			"device_id": deviceID,
			"online":    online,
		})
		if err != nil {
			s.logger.Debug("robot_status not delivered", "user_id", userID, "err", err)
		}
		if online {
			// Lets the robot restore user-specific state (volume, active
			// playlist) for the returning user.
			err := s.manager.SendToRobot(deviceID, relay.Frame{
				"type":    "user_connected",
				"user_id": userID,
			})
			if err != nil {
				s.logger.Debug("user_connected not delivered", "device_id", deviceID, "err", err)
			}
		}
	}

	s.sendMetricsSync(ctx, conn, userID)

	defer func() {
		stopKeepalive()
		// One manager call settles the whole disconnect: whether other app
		// connections remain (phone + tablet) and whether to start or extend
		// a grace period are decided under a single lock hold.
		s.manager.ReleaseAppConnection(conn)
		s.logger.Info("app disconnected", "user_id", userID, "remote_addr", ip)
	}()

	for {
		frame, raw, ok := s.readFrame(ws, "app "+userID)
		if !ok {
			return
		}
		if frame == nil {
			continue
		}
		s.dispatchAppFrame(conn, userID, ip, frame, len(raw))
	}
}

// sendMetricsSync pushes today's aggregates for each of the user's dogs.
func (s *Server) sendMetricsSync(ctx context.Context, conn *relay.Connection, userID string) {
	dogs, err := s.store.GetUserDogs(ctx, userID)
	if err != nil {
		s.logger.Warn("dog lookup failed", "user_id", userID, "err", err)
		return
	}
	startOfDay := s.clock.Now().UTC().Truncate(24 * time.Hour)
	for _, dog := range dogs {
		agg, err := s.store.GetMetrics(ctx, dog.ID, userID, startOfDay)
		if err != nil {
			s.logger.Warn("metrics lookup failed", "user_id", userID, "dog_id", dog.ID, "err", err)
			continue
		}
		err = conn.Send(relay.Frame{
			"type":    "metrics_sync",
			"dog_id":  dog.ID,
			"metrics": agg,
		})
		if err != nil {
			s.logger.Debug("metrics_sync not delivered", "user_id", userID, "err", err)
			return
		}
	}
}

func (s *Server) dispatchAppFrame(conn *relay.Connection, userID, ip string, frame relay.Frame, size int) {
	switch frameType(frame) {
	case "ping":
		if err := conn.Send(relay.Frame{"type": "pong"}); err != nil {
			s.logger.Debug("pong not delivered", "user_id", userID, "err", err)
		}

	case "webrtc_request":
		s.startWebRTCSession(conn, userID, frame)

	case "webrtc_answer":
		s.relayAnswerToRobot(userID, frame)

	case "webrtc_ice":
		s.relayICEFromApp(userID, frame)

	case "webrtc_close":
		s.closeSessionFromApp(userID, frame)

	case "get_status":
		s.replyDeviceStatus(conn, userID, frame)

	case "debug_log":
		s.recordDebugLog(userID, ip, frame)

	default:
		if frameString(frame, "command") != "" {
			s.forwardAppCommand(conn, userID, ip, frame, size)
			return
		}
		s.logger.Debug("unhandled app frame dropped",
			"user_id", userID, "type", frameType(frame))
	}
}

// replyDeviceStatus answers inline with the device's pairing and presence.
func (s *Server) replyDeviceStatus(conn *relay.Connection, userID string, frame relay.Frame) {
	deviceID := frameString(frame, "device_id")
	if deviceID == "" {
		if owned := s.manager.OwnedDevices(userID); len(owned) > 0 {
			deviceID = owned[0]
		}
	}
	if deviceID == "" {
		s.sendError(conn, CodeNoDevice, "no device paired to this account")
		return
	}
	err := conn.Send(relay.Frame{
		"type":          "status_response",
		"device_id":     deviceID,
		"device_paired": s.manager.DeviceOwner(deviceID) == userID,
		"robot_online":  s.manager.RobotOnline(deviceID),
	})
	if err != nil {
		s.logger.Debug("status_response not delivered", "user_id", userID, "err", err)
	}
}

const debugLogMaxBytes = 4096

// recordDebugLog writes app-side diagnostics into the server log. Never
// forwarded and never rate limited, but truncated so a chatty client cannot
// flood the log with one frame.
func (s *Server) recordDebugLog(userID, ip string, frame relay.Frame) {
	msg := frameString(frame, "message")
	if len(msg) > debugLogMaxBytes {
		msg = msg[:debugLogMaxBytes] + "...(truncated)"
	}
	s.logger.Info("app debug log",
		"user_id", userID, "remote_addr", ip,
		"level", frameString(frame, "level"), "message", msg)
}

// forwardAppCommand runs the command pipeline: rate limit, size cap,
// staleness, target resolution, forward. Upload commands bypass the soft cap
// and the staleness check; the transport read limit still bounds them.
func (s *Server) forwardAppCommand(conn *relay.Connection, userID, ip string, frame relay.Frame, size int) {
	cmd := frameString(frame, "command")
	upload := isUploadCommand(cmd)

	if !s.manager.AllowCommand(userID, cmd, ip) {
		s.sendError(conn, CodeRateLimited, fmt.Sprintf(
			"rate limit exceeded: max %d commands per %s",
			s.cfg.RateLimitMax, s.cfg.RateLimitWindow))
		return
	}

	if !upload && int64(size) > s.cfg.AppFrameSoftCap {
		s.sendError(conn, CodeMessageTooLarge, fmt.Sprintf(
			"message of %d bytes exceeds the %d byte limit; use the HTTP upload endpoint for large payloads",
			size, s.cfg.AppFrameSoftCap))
		return
	}

	if ts, ok := frameTimestampMS(frame); ok && !upload {
		age := s.clock.Now().UnixMilli() - ts
		if age > s.cfg.StaleCommandThreshold.Milliseconds() {
			s.sendError(conn, CodeStaleCommand, fmt.Sprintf(
				"command %q is %d ms old, threshold is %d ms",
				cmd, age, s.cfg.StaleCommandThreshold.Milliseconds()))
			return
		}
	}

	deviceID := frameString(frame, "device_id")
	if deviceID == "" {
		deviceID = frameString(frame, "target_device")
	}
	if deviceID == "" {
		if owned := s.manager.OwnedDevices(userID); len(owned) > 0 {
			deviceID = owned[0]
		}
	}
	if deviceID == "" {
		s.sendError(conn, CodeNoDevice, "no device paired to this account")
		return
	}

	// Routing fields are relay metadata; the robot sees only the command.
	delete(frame, "device_id")
	delete(frame, "target_device")

	if err := s.manager.ForwardCommand(userID, deviceID, frame); err != nil {
		switch {
		case errors.Is(err, relay.ErrDeviceOffline):
			s.sendError(conn, CodeDeviceOffline, fmt.Sprintf("device %s is offline", deviceID))
		default:
			s.logger.Warn("command forward failed",
				"user_id", userID, "device_id", deviceID, "command", cmd, "err", err)
			s.sendError(conn, CodeForwardFailed, fmt.Sprintf("could not deliver command to %s", deviceID))
		}
	}
}
