package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// HashPassword returns "salt$digest" with a random 16-byte salt and a
// SHA-256 digest of salt||password, both hex encoded.
func HashPassword(password string) (string, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(salt[:]) + "$" + digestHex(salt[:], password), nil
}

// VerifyPassword reports whether password matches a stored HashPassword
// value. Malformed stored values never match.
func VerifyPassword(stored, password string) bool {
	saltHex, want, ok := strings.Cut(stored, "$")
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(digestHex(salt, password)), []byte(want)) == 1
}

func digestHex(salt []byte, password string) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(password))
	return hex.EncodeToString(h.Sum(nil))
}
