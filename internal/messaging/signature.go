package messaging

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-PatientFlow-Signature"

// ErrSignatureInvalid rejects a webhook before any processing.
var ErrSignatureInvalid = errors.New("messaging: invalid webhook signature")

// Sign returns the signature for body, as sent in SignatureHeader.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC of the raw body in
// constant time. A "sha256=" prefix on the header is accepted.
func VerifySignature(secret string, body []byte, header string) error {
	if secret == "" {
		return ErrSignatureInvalid
	}
	got := strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	provided, err := hex.DecodeString(got)
	if err != nil || len(provided) != sha256.Size {
		return ErrSignatureInvalid
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrSignatureInvalid
	}
	return nil
}
