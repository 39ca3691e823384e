package ecommerce

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/erp/marketsync/internal/domain/integration"
)

// SignHMAC returns the HMAC-SHA256 of the concatenated parts
func SignHMAC(secret string, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// SignHMACHex returns the hex encoded HMAC-SHA256 of the concatenated parts
func SignHMACHex(secret string, parts ...[]byte) string {
	return hex.EncodeToString(SignHMAC(secret, parts...))
}

// SignHMACBase64 returns the base64 encoded HMAC-SHA256 of the concatenated parts
func SignHMACBase64(secret string, parts ...[]byte) string {
	return base64.StdEncoding.EncodeToString(SignHMAC(secret, parts...))
}

// verifyHex compares a hex signature against the expected MAC in constant time
func verifyHex(provided string, expected []byte) error {
	provided = strings.TrimSpace(provided)
	if provided == "" {
		return &integration.SecurityError{Reason: "missing signature"}
	}
	got, err := hex.DecodeString(provided)
	if err != nil {
		return &integration.SecurityError{Reason: "malformed signature"}
	}
	if !hmac.Equal(got, expected) {
		return &integration.SecurityError{Reason: "signature mismatch"}
	}
	return nil
}

// verifyBase64 compares a base64 signature against the expected MAC in constant time
func verifyBase64(provided string, expected []byte) error {
	provided = strings.TrimSpace(provided)
	if provided == "" {
		return &integration.SecurityError{Reason: "missing signature"}
	}
	got, err := base64.StdEncoding.DecodeString(provided)
	if err != nil {
		return &integration.SecurityError{Reason: "malformed signature"}
	}
	if !hmac.Equal(got, expected) {
		return &integration.SecurityError{Reason: "signature mismatch"}
	}
	return nil
}

func requireSecret(secret string) error {
	if secret == "" {
		return &integration.SecurityError{Reason: "no webhook secret configured"}
	}
	return nil
}
