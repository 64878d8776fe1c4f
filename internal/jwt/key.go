package jwt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/smallbiznis/signvault/internal/adapter/secret"
)

const minSecretBytes = 32

// Key is the shared HMAC secret that signs and verifies bearer tokens.
type Key struct {
	KID    string
	Secret []byte
}

// NewKey wraps secret, deriving a stable key id from its hash.
func NewKey(secret []byte) (Key, error) {
	if len(secret) < minSecretBytes {
		return Key{}, fmt.Errorf("jwt secret must be at least %d bytes", minSecretBytes)
	}
	sum := sha256.Sum256(secret)
	return Key{KID: hex.EncodeToString(sum[:8]), Secret: secret}, nil
}

// LoadKey resolves the secret stored under param.
func LoadKey(ctx context.Context, r secret.Resolver, param string) (Key, error) {
	raw, err := r.GetSecret(ctx, param)
	if err != nil {
		return Key{}, fmt.Errorf("load jwt secret: %w", err)
	}
	return NewKey([]byte(strings.TrimSpace(raw)))
}
