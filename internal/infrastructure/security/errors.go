package security

import (
	"errors"
	"fmt"
)

// ErrAuthRejected is the parent of every handshake authentication failure.
var ErrAuthRejected = errors.New("auth rejected")

var (
	ErrTokenMissing = fmt.Errorf("%w: missing token", ErrAuthRejected)
	ErrTokenInvalid = fmt.Errorf("%w: invalid token", ErrAuthRejected)
	ErrTokenExpired = fmt.Errorf("%w: expired token", ErrAuthRejected)
)

var (
	ErrInvalidKey        = errors.New("invalid key size")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrDecryptionFailed  = errors.New("decryption failed")
)
