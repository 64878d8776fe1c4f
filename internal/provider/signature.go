package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/smallbiznis/signvault/internal/domain"
)

func hmacSHA256(secret string, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

func verifyHex(provider, got, secret string, parts ...[]byte) error {
	want := hmacSHA256(secret, parts...)
	decoded, err := hex.DecodeString(strings.TrimSpace(got))
	if err != nil || !hmac.Equal(decoded, want) {
		return fmt.Errorf("%s: %w", provider, domain.ErrSignature)
	}
	return nil
}

func verifyBase64(provider, got, secret string, parts ...[]byte) error {
	want := hmacSHA256(secret, parts...)
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(got))
	if err != nil || !hmac.Equal(decoded, want) {
		return fmt.Errorf("%s: %w", provider, domain.ErrSignature)
	}
	return nil
}
