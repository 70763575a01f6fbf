package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// PairingTokenBytes is the entropy of a pairing token before encoding.
const PairingTokenBytes = 32

// GeneratePairingToken returns an opaque, URL-safe secret suitable for the
// device websocket query string.
func GeneratePairingToken() (string, error) {
	buf := make([]byte, PairingTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
