// Package webhook implements the signing contract for outgoing platform
// webhooks, for use by third-party receivers: every delivery carries an
// X-Webhook-Signature header holding the hex HMAC-SHA256 of the raw request
// body under the endpoint's shared secret.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
)

// SignatureHeader is the header carrying the body signature.
const SignatureHeader = "X-Webhook-Signature"

// Sign computes the hex-encoded HMAC-SHA256 signature of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret. The comparison
// is constant-time.
func Verify(secret, body []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// VerifyRequest verifies a received webhook request's signature header
// against the already-read raw body.
func VerifyRequest(secret []byte, header http.Header, body []byte) bool {
	return Verify(secret, body, header.Get(SignatureHeader))
}
