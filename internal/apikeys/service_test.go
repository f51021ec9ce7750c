package apikeys

import (
	"crypto/aes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upbit-trading-bot/internal/database"
)

func TestSealOpenRoundTrip(t *testing.T) {
	svc := NewService(nil, "master-secret")

	sealed, err := svc.seal("UPBIT-ACCESS-KEY")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "UPBIT-ACCESS-KEY")

	opened, err := svc.open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "UPBIT-ACCESS-KEY", opened)
}

func TestSealedValuesDiffer(t *testing.T) {
	// Fresh nonce per seal call, so identical plaintexts never repeat.
	svc := NewService(nil, "master-secret")
	a, err := svc.seal("same")
	require.NoError(t, err)
	b, err := svc.seal("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpenRejectsWrongSecret(t *testing.T) {
	sealed, err := NewService(nil, "secret-one").seal("payload")
	require.NoError(t, err)

	_, err = NewService(nil, "secret-two").open(sealed)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	svc := NewService(nil, "master-secret")
	sealed, err := svc.seal("payload")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	_, err = svc.open(base64.StdEncoding.EncodeToString(raw))
	assert.ErrorIs(t, err, ErrDecryptFailed)

	_, err = svc.open("not-base64!!")
	assert.ErrorIs(t, err, ErrDecryptFailed)

	_, err = svc.open(base64.StdEncoding.EncodeToString(raw[:4]))
	assert.ErrorIs(t, err, ErrDecryptFailed, "short ciphertext")
}

func TestKeyDerivationIsAlwaysAES256(t *testing.T) {
	svc := NewService(nil, "x")
	assert.Len(t, svc.key, 2*aes.BlockSize)
}

func TestUnsealRequiresBothKeys(t *testing.T) {
	svc := NewService(nil, "master-secret")
	_, err := svc.Unseal(&database.User{ID: "u1"})
	assert.ErrorIs(t, err, ErrNoCredentials)
}
