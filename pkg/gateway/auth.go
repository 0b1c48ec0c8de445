package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// maxAuthAttempts bounds signature retries per connection.
const maxAuthAttempts = 3

// AuthHandler implements challenge-response authentication over a
// shared secret. The secret never crosses the wire; clients prove
// possession by signing the server's random challenge.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates an authentication handler.
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{sharedSecret: sharedSecret}
}

// GenerateChallenge produces a random 32-byte hex challenge.
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// VerifySignature checks an HMAC-SHA256 signature over the challenge
// in constant time.
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	h := hmac.New(sha256.New, []byte(a.sharedSecret))
	h.Write([]byte(challenge))
	expected := hex.EncodeToString(h.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// Authenticate processes a client's signature over its pending
// challenge.
func (a *AuthHandler) Authenticate(client *Client, signature string) AuthResult {
	if client.Challenge == "" {
		return AuthResult{Event: "auth.failure", Message: "no pending challenge"}
	}

	if !a.VerifySignature(client.Challenge, signature) {
		client.AuthAttempts++
		if client.AuthAttempts >= maxAuthAttempts {
			return AuthResult{Event: "auth.failure", Message: "too many failed attempts"}
		}
		return AuthResult{Event: "auth.failure", Message: "invalid signature"}
	}

	client.Authenticated = true
	client.AuthAttempts = 0
	client.Challenge = ""
	return AuthResult{Event: "auth.success", Success: true}
}
