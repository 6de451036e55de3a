package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HMACDigest computes the caller-side digest over a provider config key and
// an optional connection id: HMAC-SHA256 of the plain UTF-8 concatenation,
// hex-encoded. Tenants with HMAC enabled must send this digest on every
// connect call.
func HMACDigest(key, providerConfigKey, connectionID string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(providerConfigKey))
	mac.Write([]byte(connectionID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a caller-supplied digest in constant time.
func VerifyHMAC(key, digest, providerConfigKey, connectionID string) bool {
	expected := HMACDigest(key, providerConfigKey, connectionID)
	return hmac.Equal([]byte(expected), []byte(digest))
}

// CheckHMAC applies the per-tenant HMAC policy: when enabled, a missing
// digest fails with missing_hmac and a wrong one with invalid_hmac. No other
// state is touched on failure.
func CheckHMAC(enabled bool, key, digest, providerConfigKey, connectionID string) error {
	if !enabled {
		return nil
	}
	if digest == "" {
		return NewError(CodeMissingHMAC, "missing HMAC digest")
	}
	if !VerifyHMAC(key, digest, providerConfigKey, connectionID) {
		return NewError(CodeInvalidHMAC, "invalid HMAC digest")
	}
	return nil
}
