package auth

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// NewPairingCode returns a 6-character upper-case hex pairing code shown on
// the robot and typed into the app to claim ownership.
func NewPairingCode() (string, error) {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b[:])), nil
}
