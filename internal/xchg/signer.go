package xchg

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign computes the exchange's request signature: HMAC-SHA256 over the
// concatenation timestamp‖apiKey‖recvWindow‖payload, keyed by secret.
// For GET requests payload is the canonicalized query string (or empty);
// for POST it is the literal JSON body that will be sent.
func Sign(secret, timestamp, apiKey, recvWindow, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + apiKey + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignWSAuth computes the signature the private WebSocket expects in its
// auth frame: HMAC-SHA256(secret, "GET/realtime"+expiresMs).
func SignWSAuth(secret, expiresMs string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("GET/realtime" + expiresMs))
	return hex.EncodeToString(mac.Sum(nil))
}
