// Package crypto seals provider tokens before they are persisted.
package crypto

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/smallbiznis/signvault/internal/repository"
)

// KMSAPI is the subset of *kms.Client used by KMSEncryptor.
type KMSAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSEncryptor implements TokenEncryptor using AWS KMS.
type KMSEncryptor struct {
	client KMSAPI
	keyID  string
}

var _ repository.TokenEncryptor = (*KMSEncryptor)(nil)

// NewKMSEncryptor accepts a key id, key ARN or alias name.
func NewKMSEncryptor(client KMSAPI, keyID string) *KMSEncryptor {
	return &KMSEncryptor{client: client, keyID: keyID}
}

// Encrypt returns base64 encoded ciphertext.
func (s *KMSEncryptor) Encrypt(ctx context.Context, plaintext string) (string, error) {
	result, err := s.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(s.keyID),
		Plaintext: []byte(plaintext),
	})
	if err != nil {
		return "", fmt.Errorf("kms encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(result.CiphertextBlob), nil
}

// Decrypt reverses Encrypt.
func (s *KMSEncryptor) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	result, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: decoded,
		KeyId:          aws.String(s.keyID),
	})
	if err != nil {
		return "", fmt.Errorf("kms decrypt: %w", err)
	}
	return string(result.Plaintext), nil
}
