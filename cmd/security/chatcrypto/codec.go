package chatcrypto

import (
	"crypto/rand"
	"fmt"
)

// Sealed is an encrypted message body: the nonce and ciphertext||tag.
// Its layout matches the wire Ciphertext so values convert directly.
type Sealed struct {
	IV      []byte
	Content []byte
}

// Encrypt seals plaintext under key with a fresh random nonce.
func Encrypt(plaintext string, key *Key) (Sealed, error) {
	if key == nil || key.aead == nil {
		return Sealed{}, ErrNilKey
	}

	iv := make([]byte, nonceLength)
	if _, err := rand.Read(iv); err != nil {
		return Sealed{}, fmt.Errorf("generate nonce: %w", err)
	}

	content := key.aead.Seal(nil, iv, []byte(plaintext), nil)
	return Sealed{IV: iv, Content: content}, nil
}

// Decrypt opens s under key. Any failure is a *DecryptionError.
func Decrypt(s Sealed, key *Key) (string, error) {
	if key == nil || key.aead == nil {
		return "", &DecryptionError{Reason: "no key", Err: ErrNilKey}
	}
	if len(s.IV) != nonceLength {
		return "", &DecryptionError{Reason: fmt.Sprintf("invalid iv length %d", len(s.IV))}
	}
	if len(s.Content) < key.aead.Overhead() {
		return "", &DecryptionError{Reason: "content shorter than tag"}
	}

	plain, err := key.aead.Open(nil, s.IV, s.Content, nil)
	if err != nil {
		return "", &DecryptionError{Reason: "authentication failed", Err: err}
	}
	return string(plain), nil
}
