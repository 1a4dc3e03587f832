package ws

import (
	"context"
	"errors"

	"github.com/wimz/cloud-relay/internal/metrics"
	"github.com/wimz/cloud-relay/internal/relay"
	"github.com/wimz/cloud-relay/internal/turnclient"
)

// startWebRTCSession handles an app's webrtc_request: resolve the target,
// establish the single active session for the device, mint ICE credentials
// and hand both sides the session id. TURN failure rolls the session back so
// the table never holds a session nobody can use.
func (s *Server) startWebRTCSession(conn *relay.Connection, userID string, frame relay.Frame) {
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
	if s.manager.DeviceOwner(deviceID) != userID {
		s.sendError(conn, CodeNotAuthorized, "device is not paired to this account")
		return
	}
	if !s.manager.RobotOnline(deviceID) {
		s.sendError(conn, CodeDeviceOffline, "device is offline")
		return
	}

	sessionID := s.manager.CreateWebRTCSession(deviceID, userID, conn)
	s.manager.PurgeDeviceSessions(deviceID, sessionID)

	iceServers, err := s.turn.GenerateCredentials(context.Background(), s.cfg.TURN.TTLSeconds)
	if err != nil {
		s.manager.RollbackWebRTCSession(sessionID, deviceID)
		s.metrics.Inc(metrics.EventTURNCredentialsErr)
		if errors.Is(err, turnclient.ErrNotConfigured) {
			s.logger.Error("webrtc request with no turn provider and no static ice servers")
		} else {
			s.logger.Error("turn credential minting failed", "device_id", deviceID, "err", err)
		}
		s.sendError(conn, CodeTURNError, "could not obtain ice servers")
		return
	}
	s.metrics.Inc(metrics.EventTURNCredentialsOK)

	err = conn.Send(relay.Frame{
		"type":        "webrtc_credentials",
		"session_id":  sessionID,
		"device_id":   deviceID,
		"ice_servers": iceServers,
	})
	if err != nil {
		s.logger.Debug("webrtc_credentials not delivered", "user_id", userID, "err", err)
	}

	err = s.manager.SendToRobot(deviceID, relay.Frame{
		"type":        "webrtc_request",
		"session_id":  sessionID,
		"user_id":     userID,
		"ice_servers": iceServers,
	})
	if err != nil {
		s.logger.Warn("webrtc_request not delivered to robot",
			"device_id", deviceID, "session_id", sessionID, "err", err)
	}
	s.logger.Info("webrtc session established",
		"session_id", sessionID, "device_id", deviceID, "user_id", userID)
}

// relayOfferToApp forwards a robot's offer verbatim when the session is
// current and its app reference is live; anything else is a stale offer from
// a superseded negotiation and is dropped.
func (s *Server) relayOfferToApp(deviceID string, frame relay.Frame) {
	sessionID := frameString(frame, "session_id")
	sess, ok := s.manager.GetWebRTCSession(sessionID)
	if !ok || sess.DeviceID != deviceID || sess.App == nil || sess.App.Closed() {
		s.logger.Debug("stale webrtc_offer dropped",
			"device_id", deviceID, "session_id", sessionID)
		return
	}
	if err := sess.App.Send(frame); err != nil {
		s.logger.Debug("webrtc_offer not delivered", "session_id", sessionID, "err", err)
	}
}

// relayAnswerToRobot forwards an app's answer when the session belongs to the
// answering user.
func (s *Server) relayAnswerToRobot(userID string, frame relay.Frame) {
	sessionID := frameString(frame, "session_id")
	sess, ok := s.manager.GetWebRTCSession(sessionID)
	if !ok || sess.UserID != userID {
		s.logger.Debug("stale webrtc_answer dropped",
			"user_id", userID, "session_id", sessionID)
		return
	}
	if err := s.manager.SendToRobot(sess.DeviceID, frame); err != nil {
		s.logger.Debug("webrtc_answer not delivered", "session_id", sessionID, "err", err)
	}
}

// ICE candidates flow to the peer of the originating role; mismatches are
// dropped silently, they are routine during session handoff.
func (s *Server) relayICEFromRobot(deviceID string, frame relay.Frame) {
	sess, ok := s.manager.GetWebRTCSession(frameString(frame, "session_id"))
	if !ok || sess.DeviceID != deviceID || sess.App == nil || sess.App.Closed() {
		return
	}
	_ = sess.App.Send(frame)
}

func (s *Server) relayICEFromApp(userID string, frame relay.Frame) {
	sess, ok := s.manager.GetWebRTCSession(frameString(frame, "session_id"))
	if !ok || sess.UserID != userID {
		return
	}
	_ = s.manager.SendToRobot(sess.DeviceID, frame)
}

// closeSessionFromApp removes the session; the manager notifies the robot
// only when the closed session is still the device's active one.
func (s *Server) closeSessionFromApp(userID string, frame relay.Frame) {
	sessionID := frameString(frame, "session_id")
	sess, ok := s.manager.GetWebRTCSession(sessionID)
	if !ok || sess.UserID != userID {
		return
	}
	s.manager.CloseWebRTCSession(sessionID, sess.DeviceID)
	s.logger.Info("webrtc session closed by app",
		"session_id", sessionID, "device_id", sess.DeviceID)
}

// closeSessionFromRobot tears down the session and lets the app know its
// peer went away.
func (s *Server) closeSessionFromRobot(deviceID string, frame relay.Frame) {
	sessionID := frameString(frame, "session_id")
	sess, ok := s.manager.GetWebRTCSession(sessionID)
	if !ok || sess.DeviceID != deviceID {
		return
	}
	if sess.App != nil && !sess.App.Closed() {
		_ = sess.App.Send(relay.Frame{
			"type":       "webrtc_close",
			"session_id": sessionID,
			"device_id":  deviceID,
		})
	}
	// The robot initiated this close; removing via rollback avoids echoing
	// the close frame back at it.
	s.manager.RollbackWebRTCSession(sessionID, deviceID)
	s.metrics.Inc(metrics.EventSessionClosed)
	s.logger.Info("webrtc session closed by robot",
		"session_id", sessionID, "device_id", deviceID)
}
