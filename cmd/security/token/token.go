package token

import (
	"encoding/hex"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// FingerprintEnvKey is the env var name for the optional fingerprint key.
	// #nosec G101 -- not a credential; it's an environment variable name.
	FingerprintEnvKey = "MARKETSYNC_FINGERPRINT_KEY"

	// fingerprintBytes is the digest size kept in fingerprints (hex doubles it).
	fingerprintBytes = 8
)

// Fingerprint returns a short hex digest identifying token.
// Behavior:
// - If MARKETSYNC_FINGERPRINT_KEY is set, uses keyed BLAKE2b so fingerprints differ per deployment.
// - Otherwise falls back to unkeyed BLAKE2b for dev.
// An empty token yields an empty fingerprint.
func Fingerprint(token string) string {
	key := strings.TrimSpace(os.Getenv(FingerprintEnvKey))
	fp, err := FingerprintWithKey(token, []byte(key))
	if err != nil {
		// Oversized keys are truncated rather than disabling logging.
		fp, _ = FingerprintWithKey(token, []byte(key)[:blake2b.Size])
	}
	return fp
}

// FingerprintWithKey computes the fingerprint using an explicit key (may be empty).
func FingerprintWithKey(token string, key []byte) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", nil
	}
	if len(key) > blake2b.Size {
		return "", ErrFingerprintKeyTooLong
	}

	h, err := blake2b.New(fingerprintBytes, key)
	if err != nil {
		return "", err
	}
	_, _ = h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil)), nil
}
