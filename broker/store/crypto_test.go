package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveEncryptionKey(t *testing.T) {
	key, err := DeriveEncryptionKey("test-secret")
	require.NoError(t, err)
	assert.Len(t, key, 32)

	again, err := DeriveEncryptionKey("test-secret")
	require.NoError(t, err)
	assert.Equal(t, key, again)

	other, err := DeriveEncryptionKey("other-secret")
	require.NoError(t, err)
	assert.NotEqual(t, key, other)

	_, err = DeriveEncryptionKey("")
	assert.Error(t, err)
}

func TestSealOpen(t *testing.T) {
	key, _ := DeriveEncryptionKey("test-secret")

	ct, err := seal(key, "eyJhbGciOi.token")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ct, encPrefix))

	pt, err := open(key, ct)
	require.NoError(t, err)
	assert.Equal(t, "eyJhbGciOi.token", pt)

	ct2, _ := seal(key, "eyJhbGciOi.token")
	assert.NotEqual(t, ct, ct2, "fresh nonce per seal")
}

func TestOpenFailures(t *testing.T) {
	key1, _ := DeriveEncryptionKey("secret-1")
	key2, _ := DeriveEncryptionKey("secret-2")
	ct, err := seal(key1, "sensitive")
	require.NoError(t, err)

	_, err = open(key2, ct)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = open(nil, ct)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = open(key1, encPrefix+"!!!")
	assert.ErrorIs(t, err, ErrDecrypt)

	plain, err := open(key1, "legacy-plaintext")
	require.NoError(t, err)
	assert.Equal(t, "legacy-plaintext", plain)
}
