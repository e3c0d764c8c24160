package chatcrypto

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	// DefaultIterations is the PBKDF2 work factor used by every murmur client.
	DefaultIterations = 150_000
	// MinIterations is the lowest accepted work factor.
	MinIterations = 100_000
	maxIterations = 10_000_000

	// DefaultSalt is the application-wide PBKDF2 salt. Changing it breaks every existing conversation.
	DefaultSalt = "murmur-secure-chat-v1"

	keyLength   = 32 // AES-256
	nonceLength = 12 // GCM standard nonce
)

// Config is the single configuration surface for this package.
type Config struct {
	Iterations int
	Salt       string
}

// DefaultConfig returns the interoperable baseline. Peers must agree on it.
func DefaultConfig() Config {
	return Config{
		Iterations: DefaultIterations,
		Salt:       DefaultSalt,
	}
}

// Validate enforces the minimum work factor and a non-empty salt.
func (c Config) Validate() error {
	if c.Iterations < MinIterations || c.Iterations > maxIterations {
		return fmt.Errorf("chatcrypto: iterations out of range [%d..%d]", MinIterations, maxIterations)
	}
	if strings.TrimSpace(c.Salt) == "" {
		return fmt.Errorf("chatcrypto: empty salt")
	}
	return nil
}

// FromEnv loads config from environment variables.
//
// Env surface:
// - MURMUR_KDF_ITERATIONS
// - MURMUR_KDF_SALT
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v, ok := os.LookupEnv("MURMUR_KDF_ITERATIONS"); ok {
		n, err := atoiRange(v, MinIterations, maxIterations)
		if err != nil {
			return Config{}, fmt.Errorf("MURMUR_KDF_ITERATIONS: %w", err)
		}
		cfg.Iterations = n
	}

	if v, ok := os.LookupEnv("MURMUR_KDF_SALT"); ok {
		if strings.TrimSpace(v) == "" {
			return Config{}, fmt.Errorf("MURMUR_KDF_SALT: empty")
		}
		cfg.Salt = v
	}

	return cfg, nil
}

func atoiRange(s string, minVal, maxVal int) (int, error) {
	s = strings.TrimSpace(s)
	i64, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not an integer")
	}

	if i64 < int64(minVal) || i64 > int64(maxVal) {
		return 0, fmt.Errorf("out of range [%d..%d]", minVal, maxVal)
	}
	return int(i64), nil
}
