package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// keyInfo separates this key from any other use of the same secret.
const keyInfo = "marketmind-feed-credential-v1"

// encPrefix marks encrypted column values so plaintext rows stay readable.
const encPrefix = "enc:v1:"

// ErrDecrypt is returned when an encrypted value cannot be opened.
var ErrDecrypt = errors.New("credential decryption failed")

// DeriveEncryptionKey derives a 32-byte AES-256 key from secret using HKDF-SHA256.
func DeriveEncryptionKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("empty secret")
	}
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf derive: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// seal encrypts plaintext with AES-256-GCM. The result is
// encPrefix + base64(nonce || ciphertext || tag).
func seal(key []byte, plaintext string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	out := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// open reverses seal. Values without encPrefix were written before a key
// was configured and are returned unchanged.
func open(key []byte, stored string) (string, error) {
	body, ok := strings.CutPrefix(stored, encPrefix)
	if !ok {
		return stored, nil
	}
	if key == nil {
		return "", fmt.Errorf("%w: no key configured", ErrDecrypt)
	}
	data, err := base64.RawStdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	n := gcm.NonceSize()
	if len(data) < n {
		return "", fmt.Errorf("%w: short ciphertext", ErrDecrypt)
	}
	plain, err := gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}
