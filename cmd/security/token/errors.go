package token

import "errors"

// Public, stable errors for callers.
var (
	ErrFingerprintKeyTooLong = errors.New("token fingerprint key too long")
)
