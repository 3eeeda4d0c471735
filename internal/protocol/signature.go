package protocol

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Signature computes the lowercase hex SHA-256 auth signature over the
// concatenation agentID ∥ apiKey ∥ timestamp ∥ nonce. Both ends of the
// control channel must produce byte-identical output for the handshake to
// succeed, so the concatenation order is part of the wire contract.
func Signature(agentID, apiKey, timestamp, nonce string) string {
	h := sha256.New()
	h.Write([]byte(agentID))
	h.Write([]byte(apiKey))
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature recomputes the expected signature and compares it against
// the presented one in constant time, so a mismatch leaks no information
// about how many leading characters were correct.
func VerifySignature(agentID, apiKey, timestamp, nonce, presented string) bool {
	expected := Signature(agentID, apiKey, timestamp, nonce)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}
