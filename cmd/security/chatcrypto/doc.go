// Package chatcrypto provides the per-conversation symmetric encryption used by murmur clients.
//
// It implements:
// - Conversation key derivation: PBKDF2-HMAC-SHA256 over the sorted participant ids
//   with a fixed application-wide salt, yielding an AES-256 key.
// - A message codec: AES-256-GCM with a fresh random 12-byte nonce per message.
//
// Security notes:
// - Both peers derive the same key without a handshake; confidentiality rests on the
//   participant ids and the salt, so the salt must stay stable across releases.
// - Keys are opaque and only usable through Encrypt/Decrypt.
// - Decryption failures are always reported as *DecryptionError, never as empty text.
package chatcrypto
