package chatcrypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// Key is a derived conversation key. It is only usable through Encrypt and Decrypt.
type Key struct {
	aead cipher.AEAD
	pair string
}

// Pair returns the sorted "low:high" participant pair the key was derived from.
func (k *Key) Pair() string {
	if k == nil {
		return ""
	}
	return k.pair
}

// Deriver derives and caches conversation keys.
// A Deriver is safe for concurrent use.
type Deriver struct {
	cfg Config

	mu    sync.Mutex
	cache map[string]*Key
}

// NewDeriver validates cfg and returns a Deriver.
func NewDeriver(cfg Config) (*Deriver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Deriver{
		cfg:   cfg,
		cache: make(map[string]*Key),
	}, nil
}

// DeriveKey returns the key shared by users a and b. The result does not depend on argument order.
func (d *Deriver) DeriveKey(ctx context.Context, a, b string) (*Key, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return nil, ErrMissingParticipant
	}
	if b < a {
		a, b = b, a
	}
	pair := a + ":" + b

	d.mu.Lock()
	k, ok := d.cache[pair]
	d.mu.Unlock()
	if ok {
		return k, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw := pbkdf2.Key([]byte(pair), []byte(d.cfg.Salt), d.cfg.Iterations, keyLength, sha256.New)

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	k = &Key{aead: aead, pair: pair}

	d.mu.Lock()
	if cached, ok := d.cache[pair]; ok {
		k = cached
	} else {
		d.cache[pair] = k
	}
	d.mu.Unlock()

	return k, nil
}
