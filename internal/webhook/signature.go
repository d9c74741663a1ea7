package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sign returns the lowercase hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC-SHA256 of body. The header
// may carry Meta's "sha256=" prefix and any hex case.
func VerifySignature(secret string, body []byte, header string) error {
	got := strings.ToLower(strings.TrimSpace(header))
	got = strings.TrimPrefix(got, "sha256=")
	if got == "" {
		return ErrMissingSignature
	}
	if !hmac.Equal([]byte(got), []byte(Sign(secret, body))) {
		return ErrBadSignature
	}
	return nil
}

// CheckSignature applies the webhook signing policy: with no secret
// configured every request passes; with a secret, a present signature must
// match, and an absent one passes unless required is set.
func CheckSignature(secret string, body []byte, header string, required bool) error {
	if secret == "" {
		return nil
	}
	if strings.TrimSpace(header) == "" {
		if required {
			return ErrMissingSignature
		}
		return nil
	}
	return VerifySignature(secret, body, header)
}
