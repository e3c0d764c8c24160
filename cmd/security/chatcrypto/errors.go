package chatcrypto

import (
	"errors"
	"fmt"
)

// Public, stable errors for callers.
var (
	ErrMissingParticipant = errors.New("missing participant id")
	ErrDecryption         = errors.New("message could not be decrypted")
	ErrNilKey             = errors.New("nil conversation key")
)

// DecryptionError reports an authentication or framing failure for one ciphertext.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", ErrDecryption, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %v", ErrDecryption, e.Reason, e.Err)
}

// Unwrap exposes both ErrDecryption and the underlying cause.
func (e *DecryptionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDecryption}
	}
	return []error{ErrDecryption, e.Err}
}

// IsDecryption reports whether err is a decryption failure.
func IsDecryption(err error) bool { return errors.Is(err, ErrDecryption) }
