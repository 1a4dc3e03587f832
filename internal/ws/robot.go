package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wimz/cloud-relay/internal/relay"
)

// handleDevice is the robot accept path. Credentials arrive as URL query
// parameters or request headers; the close code tells old firmware what went
// wrong (4000 missing params, 4001 bad signature).
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, timestamp, sig := deviceCredentials(r)

	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	if deviceID == "" || sig == "" {
		writeClose(conn, CloseBadRequest, "missing device_id or signature")
		return
	}
	if !s.devices.Verify(deviceID, timestamp, sig) {
		s.logger.Warn("device signature rejected",
			"device_id", deviceID, "remote_addr", r.RemoteAddr)
		writeClose(conn, CloseUnauthorized, "invalid signature")
		return
	}

	s.runRobot(conn, deviceID, remoteIP(r))
}

func deviceCredentials(r *http.Request) (deviceID, timestamp, sig string) {
	q := r.URL.Query()

	deviceID = q.Get("device_id")
	if deviceID == "" {
		deviceID = r.Header.Get("X-Device-ID")
	}
	sig = q.Get("signature")
	if sig == "" {
		sig = q.Get("sig")
	}
	if sig == "" {
		sig = r.Header.Get("X-Signature")
	}
	timestamp = q.Get("timestamp")
	if timestamp == "" {
		timestamp = r.Header.Get("X-Timestamp")
	}
	return deviceID, timestamp, sig
}

// runRobot owns the robot's message loop from registration to teardown.
func (s *Server) runRobot(ws *websocket.Conn, deviceID, ip string) {
	ctx := context.Background()
	conn := relay.NewConnection(ws, relay.RoleRobot, deviceID, ip, s.clock.Now())

	s.manager.RegisterRobot(conn)
	stopKeepalive := s.armKeepalive(ws)
	s.logger.Info("robot connected", "device_id", deviceID, "remote_addr", ip)

	// Ownership is authoritative in the store; refresh the in-memory view on
	// every robot connect so a pairing made while the robot was offline takes
	// effect immediately.
	owner, err := s.store.GetDeviceOwner(ctx, deviceID)
	if err != nil {
		s.logger.Warn("owner lookup failed", "device_id", deviceID, "err", err)
	} else if owner != "" {
		s.manager.SetDeviceOwner(deviceID, owner)
	}
	if err := s.store.SetDeviceOnline(ctx, deviceID, true); err != nil {
		s.logger.Warn("device status update failed", "device_id", deviceID, "err", err)
	}

	if owner != "" {
		s.broadcastRobotStatus(owner, deviceID, true)
	}

	defer func() {
		stopKeepalive()
		s.manager.UnregisterRobot(conn)
		// A displaced connection exits through here while its successor is
		// already live; only the device's current connection tears down
		// sessions and broadcasts offline state.
		if s.manager.RobotOnline(deviceID) {
			s.logger.Debug("displaced robot connection exited", "device_id", deviceID)
			return
		}
		s.manager.CleanupRobotSessions(deviceID)
		if err := s.store.SetDeviceOnline(ctx, deviceID, false); err != nil {
			s.logger.Warn("device status update failed", "device_id", deviceID, "err", err)
		}
		if owner := s.manager.DeviceOwner(deviceID); owner != "" {
			s.broadcastRobotStatus(owner, deviceID, false)
		}
		s.logger.Info("robot disconnected", "device_id", deviceID)
	}()

	for {
		frame, _, ok := s.readFrame(ws, "robot "+deviceID)
		if !ok {
			return
		}
		if frame == nil {
			continue
		}
		s.dispatchRobotFrame(ctx, conn, deviceID, frame)
	}
}

// broadcastRobotStatus tells the owner's apps about the robot's presence,
// emitting both the legacy event frame and the typed status frame.
func (s *Server) broadcastRobotStatus(owner, deviceID string, online bool) {
	event := "robot_disconnected"
	if online {
		event = "robot_connected"
	}
	s.manager.SendToUserApps(owner, relay.Frame{
		"event":     event,
		"device_id": deviceID,
		"timestamp": s.clock.Now().UTC().Format(time.RFC3339),
	})
	s.manager.SendToUserApps(owner, relay.Frame{
		"type":      "robot_status",
		"device_id": deviceID,
		"online":    online,
	})
}

func (s *Server) dispatchRobotFrame(ctx context.Context, conn *relay.Connection, deviceID string, frame relay.Frame) {
	switch frameType(frame) {
	case "ping":
		if err := conn.Send(relay.Frame{"type": "pong"}); err != nil {
			s.logger.Debug("pong not delivered", "device_id", deviceID, "err", err)
		}

	case "webrtc_offer":
		s.relayOfferToApp(deviceID, frame)

	case "webrtc_ice":
		s.relayICEFromRobot(deviceID, frame)

	case "webrtc_close":
		s.closeSessionFromRobot(deviceID, frame)

	case "status_update", "audio_state":
		stampDeviceID(frame, deviceID)
		n := s.manager.ForwardEvent(deviceID, frame)
		s.logger.Debug("robot frame forwarded",
			"device_id", deviceID, "type", frameType(frame), "delivered", n)

	case "upload_complete", "upload_error", "upload_result":
		stampDeviceID(frame, deviceID)
		stampTimestamp(frame, s.clock.Now())
		n := s.manager.ForwardEvent(deviceID, frame)
		s.logger.Info("upload result forwarded",
			"device_id", deviceID, "type", frameType(frame), "delivered", n)

	case "schedule_created", "schedule_updated", "schedule_deleted":
		stampDeviceID(frame, deviceID)
		stampTimestamp(frame, s.clock.Now())
		s.manager.ForwardEvent(deviceID, frame)

	case "metric_event":
		s.handleMetricEvent(ctx, deviceID, frame)

	case "":
		if frameString(frame, "event") != "" {
			stampDeviceID(frame, deviceID)
			stampTimestamp(frame, s.clock.Now())
			n := s.manager.ForwardEvent(deviceID, frame)
			s.logger.Debug("robot event forwarded",
				"device_id", deviceID, "event", frameString(frame, "event"), "delivered", n)
			return
		}
		s.logger.Debug("robot frame without type or event dropped", "device_id", deviceID)

	default:
		// Catch-all: unknown typed frames from the robot flow to the owner's
		// apps so firmware can ship new frame types without a relay release.
		stampDeviceID(frame, deviceID)
		s.manager.ForwardEvent(deviceID, frame)
	}
}

// handleMetricEvent persists the sample and forwards it. A record with both
// mission fields is a mission log, otherwise a plain metric. Store failures
// drop the persistence with a warning but never the forward.
func (s *Server) handleMetricEvent(ctx context.Context, deviceID string, frame relay.Frame) {
	owner := s.manager.DeviceOwner(deviceID)
	dogID := frameString(frame, "dog_id")
	missionType := frameString(frame, "mission_type")
	missionResult := frameString(frame, "mission_result")

	if owner != "" && dogID != "" {
		var err error
		if missionType != "" && missionResult != "" {
			err = s.store.LogMission(ctx, dogID, owner, missionType, missionResult, frameString(frame, "details"))
		} else {
			value, _ := frame["value"].(float64)
			err = s.store.LogMetric(ctx, dogID, owner, frameString(frame, "metric_type"), value)
		}
		if err != nil {
			s.logger.Warn("metric persistence failed, event still forwarded",
				"device_id", deviceID, "dog_id", dogID, "err", err)
		}
	}

	stampDeviceID(frame, deviceID)
	s.manager.ForwardEvent(deviceID, frame)
}
