package app

import (
	"errors"
	"os"
	"strings"

	"parley/cmd/identity"
)

// ValidateSecurityConfig enforces parley's security policy at startup.
// Fail-fast is intentional: silently falling back to weaker crypto in
// production is unacceptable.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireTokenHMAC {
		return nil
	}

	key := strings.TrimSpace(os.Getenv(identity.HMACEnvKey))
	if key == "" {
		return errors.New("security policy: PARLEY_REQUIRE_TOKEN_HMAC=true but PARLEY_TOKEN_HMAC_KEY is missing")
	}
	// Minimum 32 bytes recommended for an HMAC-SHA256 secret. Measured in
	// bytes (not runes) because the key is used as raw bytes.
	if len(key) < 32 {
		return errors.New("security policy: PARLEY_REQUIRE_TOKEN_HMAC=true but PARLEY_TOKEN_HMAC_KEY is too short (min 32 bytes)")
	}

	return nil
}
