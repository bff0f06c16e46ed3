package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const generatedTokenBytes = 32

// GenerateToken returns a URL-safe random pairing token.
func GenerateToken() (string, error) {
	buf := make([]byte, generatedTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate pairing token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
