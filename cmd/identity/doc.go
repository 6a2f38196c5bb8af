// Package identity owns parley's authentication boundary: accounts,
// Argon2id password hashing, and opaque access tokens.
//
// Scope:
//   - An Account links a username + password hash to a chat profile id.
//   - Tokens are random opaque strings; the server stores only a hash
//     (HMAC-SHA256 when PARLEY_TOKEN_HMAC_KEY is set, SHA-256 otherwise).
//   - identity knows nothing about servers, channels, or messages.
package identity
