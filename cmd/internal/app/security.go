package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"marketsync/cmd/security/token"
)

// ValidateSecurityConfig enforces the credential-handling policy at startup.
//
// An oversized fingerprint key would be silently truncated at log time, so it fails here instead.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.FingerprintKey != "" {
		if _, err := token.FingerprintWithKey("probe", []byte(cfg.FingerprintKey)); err != nil {
			if errors.Is(err, token.ErrFingerprintKeyTooLong) {
				return fmt.Errorf("security policy: %s is too long (max 64 bytes)", token.FingerprintEnvKey)
			}
			return err
		}
	}

	if !cfg.RequireTLS {
		return nil
	}
	for name, raw := range map[string]string{"API_URL": cfg.APIURL, "PUSH_URL": cfg.pushURL()} {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("security policy: %s%s: %w", envPrefix, name, err)
		}
		switch strings.ToLower(u.Scheme) {
		case "https", "wss":
		default:
			return fmt.Errorf("security policy: %sREQUIRE_TLS=true but %s%s uses %q", envPrefix, envPrefix, name, u.Scheme)
		}
	}
	return nil
}
