// Package token issues and verifies murmur access tokens.
//
// Tokens are PASETO v4.public: Ed25519-signed, carrying the user id as subject plus a
// session id. The feed service only needs the public key to verify them; the secret
// key stays with whatever issues tokens (murmur-token in development).
//
// Environment:
//   - MURMUR_TOKEN_SECRET_KEY_HEX: Ed25519 secret key, hex (issuers)
//   - MURMUR_TOKEN_PUBLIC_KEY_HEX: Ed25519 public key, hex (verifiers; derived from the secret when unset)
//   - MURMUR_TOKEN_ISSUER, MURMUR_TOKEN_TTL, MURMUR_TOKEN_CLOCK_SKEW
package token
