package token

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config controls token issuance and verification.
type Config struct {
	// Issuer is set as "iss" and required on verify.
	Issuer string

	// TTL is the lifetime of issued tokens.
	TTL time.Duration

	// ClockSkew is tolerated between issuer and verifier clocks.
	ClockSkew time.Duration

	// SecretKeyHex signs tokens. Optional for verifiers.
	SecretKeyHex string

	// PublicKeyHex verifies tokens. Derived from SecretKeyHex when empty.
	PublicKeyHex string
}

// DefaultConfig returns development defaults. Keys are never defaulted.
func DefaultConfig() Config {
	return Config{
		Issuer:    "murmur",
		TTL:       12 * time.Hour,
		ClockSkew: 30 * time.Second,
	}
}

// FromEnv loads Config from MURMUR_TOKEN_* variables on top of DefaultConfig.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("MURMUR_TOKEN_ISSUER")); v != "" {
		cfg.Issuer = v
	}
	if v := strings.TrimSpace(os.Getenv("MURMUR_TOKEN_TTL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("%w: MURMUR_TOKEN_TTL=%q", ErrConfig, v)
		}
		cfg.TTL = d
	}
	if v := strings.TrimSpace(os.Getenv("MURMUR_TOKEN_CLOCK_SKEW")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 || d > 5*time.Minute {
			return Config{}, fmt.Errorf("%w: MURMUR_TOKEN_CLOCK_SKEW=%q", ErrConfig, v)
		}
		cfg.ClockSkew = d
	}
	cfg.SecretKeyHex = strings.TrimSpace(os.Getenv("MURMUR_TOKEN_SECRET_KEY_HEX"))
	cfg.PublicKeyHex = strings.TrimSpace(os.Getenv("MURMUR_TOKEN_PUBLIC_KEY_HEX"))
	return cfg, nil
}

// Enabled reports whether any key is configured.
func (c Config) Enabled() bool {
	return c.SecretKeyHex != "" || c.PublicKeyHex != ""
}
