package crypto

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/require"
)

func TestLocalEncryptorRoundTrip(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))
	enc, err := NewLocalEncryptor(key)
	require.NoError(t, err)

	sealed, err := enc.Encrypt(context.Background(), "refresh-token-value")
	require.NoError(t, err)
	require.NotContains(t, sealed, "refresh-token-value")

	again, err := enc.Encrypt(context.Background(), "refresh-token-value")
	require.NoError(t, err)
	require.NotEqual(t, sealed, again)

	plain, err := enc.Decrypt(context.Background(), sealed)
	require.NoError(t, err)
	require.Equal(t, "refresh-token-value", plain)

	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	_, err = enc.Decrypt(context.Background(), base64.StdEncoding.EncodeToString(raw))
	require.Error(t, err)
}

func TestLocalEncryptorRejectsShortKey(t *testing.T) {
	_, err := NewLocalEncryptor(base64.StdEncoding.EncodeToString([]byte("short")))
	require.Error(t, err)
}

type fakeKMS struct{}

func (fakeKMS) Encrypt(_ context.Context, in *kms.EncryptInput, _ ...func(*kms.Options)) (*kms.EncryptOutput, error) {
	return &kms.EncryptOutput{CiphertextBlob: append([]byte("kms:"), in.Plaintext...)}, nil
}

func (fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	return &kms.DecryptOutput{Plaintext: bytes.TrimPrefix(in.CiphertextBlob, []byte("kms:"))}, nil
}

func TestKMSEncryptorRoundTrip(t *testing.T) {
	enc := NewKMSEncryptor(fakeKMS{}, "alias/signvault-tokens")
	sealed, err := enc.Encrypt(context.Background(), "access")
	require.NoError(t, err)
	plain, err := enc.Decrypt(context.Background(), sealed)
	require.NoError(t, err)
	require.Equal(t, "access", plain)
}
