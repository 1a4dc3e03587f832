package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/wimz/cloud-relay/internal/auth"
	"github.com/wimz/cloud-relay/internal/store"
)

type deviceRegisterRequest struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name,omitempty"`
}

// handleDeviceRegister enrolls a robot in the registry and issues its pairing
// code. Robots authenticate with the same HMAC scheme as the WebSocket path,
// carried in headers.
func (s *Server) handleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	deviceID := r.Header.Get("X-Device-ID")
	sig := r.Header.Get("X-Signature")
	timestamp := r.Header.Get("X-Timestamp")
	if deviceID == "" || sig == "" {
		writeError(w, http.StatusBadRequest, "missing device credentials")
		return
	}
	if !s.devices.Verify(deviceID, timestamp, sig) {
		s.log.Warn("device registration signature rejected",
			"device_id", deviceID, "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	// The body is optional; old firmware registers with headers alone.
	var req deviceRegisterRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID != "" && req.DeviceID != deviceID {
		writeError(w, http.StatusBadRequest, "body device_id does not match credentials")
		return
	}

	code, err := auth.NewPairingCode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not generate pairing code")
		return
	}
	device, err := s.store.RegisterDevice(r.Context(), deviceID, req.Name, code)
	if err != nil {
		s.log.Error("device registration failed", "device_id", deviceID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not register device")
		return
	}
	s.log.Info("device registered", "device_id", deviceID)
	WriteJSON(w, http.StatusCreated, device)
}

type devicePairRequest struct {
	PairingCode string `json:"pairing_code"`
}

// handleDevicePair claims a device by pairing code and makes the ownership
// effective immediately, both in the store and the live connection manager.
func (s *Server) handleDevicePair(w http.ResponseWriter, r *http.Request, userID string) {
	var req devicePairRequest
	if !decodeBody(w, r, &req) {
		return
	}
	code := strings.ToUpper(strings.TrimSpace(req.PairingCode))
	if code == "" {
		writeError(w, http.StatusBadRequest, "pairing_code is required")
		return
	}

	device, err := s.store.GetDeviceByPairingCode(r.Context(), code)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown pairing code")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "device lookup failed")
		return
	}

	owner, err := s.store.GetDeviceOwner(r.Context(), device.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ownership lookup failed")
		return
	}
	if owner != "" && owner != userID {
		writeError(w, http.StatusConflict, "device is already paired to another account")
		return
	}

	if err := s.store.CreateDevicePairing(r.Context(), userID, device.ID); err != nil {
		s.log.Error("pairing failed", "device_id", device.ID, "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not pair device")
		return
	}
	s.manager.SetDeviceOwner(device.ID, userID)

	device.OwnerID = userID
	device.Online = s.manager.RobotOnline(device.ID)
	s.log.Info("device paired", "device_id", device.ID, "user_id", userID)
	WriteJSON(w, http.StatusOK, device)
}

type deviceUnpairRequest struct {
	DeviceID string `json:"device_id"`
}

func (s *Server) handleDeviceUnpair(w http.ResponseWriter, r *http.Request, userID string) {
	var req deviceUnpairRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	owner, err := s.store.GetDeviceOwner(r.Context(), req.DeviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ownership lookup failed")
		return
	}
	if owner != userID {
		writeError(w, http.StatusForbidden, "device is not paired to this account")
		return
	}

	if err := s.store.DeleteDevicePairing(r.Context(), req.DeviceID); err != nil {
		s.log.Error("unpairing failed", "device_id", req.DeviceID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not unpair device")
		return
	}
	s.manager.RemoveDeviceOwner(req.DeviceID)

	s.log.Info("device unpaired", "device_id", req.DeviceID, "user_id", userID)
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleDeviceList returns the user's devices with live presence overlaid on
// the registry records.
func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request, userID string) {
	devices, err := s.store.ListUserDevices(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "device lookup failed")
		return
	}
	for i := range devices {
		devices[i].Online = s.manager.RobotOnline(devices[i].ID)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"devices": devices})
}
