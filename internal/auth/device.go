package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DeviceVerifier checks shared-secret HMAC signatures presented by robots.
//
// The canonical signed message is "device_id:timestamp". Deployed firmware
// predates that standardization and signs one of several layouts, so the
// verifier optionally accepts the legacy forms as well. Comparison is
// constant-time over lowercased hex on every path.
type DeviceVerifier struct {
	secret        []byte
	legacyLayouts bool
}

func NewDeviceVerifier(secret string, legacyLayouts bool) DeviceVerifier {
	return DeviceVerifier{
		secret:        []byte(secret),
		legacyLayouts: legacyLayouts,
	}
}

// Verify reports whether sig is a valid signature for deviceID. timestamp may
// be empty, in which case only the bare device-id layout is checked.
func (v DeviceVerifier) Verify(deviceID, timestamp, sig string) bool {
	if deviceID == "" || sig == "" {
		return false
	}

	got := []byte(strings.ToLower(strings.TrimSpace(sig)))

	for _, message := range v.candidateMessages(deviceID, timestamp) {
		if hmac.Equal(got, v.signHex(message)) {
			return true
		}
	}
	return false
}

// Sign produces the canonical hex signature for a device id and timestamp.
// Used by the device registration surface and by provisioning tooling.
func (v DeviceVerifier) Sign(deviceID, timestamp string) string {
	if timestamp == "" {
		return string(v.signHex(deviceID))
	}
	return string(v.signHex(deviceID + ":" + timestamp))
}

func (v DeviceVerifier) candidateMessages(deviceID, timestamp string) []string {
	if timestamp == "" {
		return []string{deviceID}
	}
	if !v.legacyLayouts {
		return []string{deviceID + ":" + timestamp, deviceID}
	}
	return []string{
		deviceID + timestamp,
		deviceID + ":" + timestamp,
		timestamp + deviceID,
		timestamp + ":" + deviceID,
		deviceID,
	}
}

func (v DeviceVerifier) signHex(message string) []byte {
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(message))
	return []byte(hex.EncodeToString(mac.Sum(nil)))
}
