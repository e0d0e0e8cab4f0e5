// Package signature computes and verifies the HMAC carried on outbound
// deliveries. Receivers recompute the digest over the raw request body with
// the shared secret and compare it to the header value.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefix identifies the digest algorithm in the transmitted header value.
const Prefix = "sha256="

// Sign returns the hex HMAC-SHA256 of payload keyed by secret. It operates on
// the exact bytes given; callers must pass the bytes that go on the wire, not
// a re-serialization.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Header returns the header form of the signature, "sha256=<hex digest>".
func Header(secret string, payload []byte) string {
	return Prefix + Sign(secret, payload)
}

// Verify reports whether header matches the signature of payload under
// secret. Comparison is constant time.
func Verify(secret string, payload []byte, header string) bool {
	digest, ok := strings.CutPrefix(header, Prefix)
	if !ok {
		return false
	}
	expected, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}
