package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ComputeSignature returns the hex HMAC-SHA256 of payload under secret.
func ComputeSignature(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature against the raw payload using
// a constant-time comparison. An optional "sha256=" prefix (GitHub style) is
// stripped and the digest is compared in decoded form, so hex case does not
// matter. Empty or malformed signatures always fail.
func VerifySignature(secret string, payload []byte, signature string) error {
	signature = strings.TrimPrefix(signature, "sha256=")
	if signature == "" {
		return ErrBadSignature
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), sig) {
		return ErrBadSignature
	}
	return nil
}
