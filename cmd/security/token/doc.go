// Package token derives non-reversible fingerprints of bearer credentials.
//
// Credentials are opaque to the sync layer and must never reach logs or metrics labels.
// A fingerprint lets operators correlate sessions across log lines without exposing the secret.
package token
