package security

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32 // 256-bit key
	NonceSize = 24 // NaCl secretbox nonce size
)

// GenerateKey returns a random per-connection frame key.
func GenerateKey() (*[KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &key, nil
}

// EncodeKey is the wire form sent in the encryption:key frame.
func EncodeKey(key *[KeySize]byte) string {
	return hex.EncodeToString(key[:])
}

func DecodeKey(s string) (*[KeySize]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex key: %w", err)
	}
	if len(raw) != KeySize {
		return nil, ErrInvalidKey
	}

	var key [KeySize]byte
	copy(key[:], raw)
	return &key, nil
}

// Seal encrypts plaintext and returns base64(nonce || box).
func Seal(plaintext []byte, key *[KeySize]byte) (string, error) {
	if key == nil {
		return "", ErrInvalidKey
	}

	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	encrypted := secretbox.Seal(nonce[:], plaintext, &nonce, key)

	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// Open reverses Seal.
func Open(data string, key *[KeySize]byte) ([]byte, error) {
	if key == nil {
		return nil, ErrInvalidKey
	}

	ciphertext, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}

	if len(ciphertext) < NonceSize+secretbox.Overhead {
		return nil, ErrInvalidCiphertext
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, key)
	if !ok {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}
