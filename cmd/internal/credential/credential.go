// Package credential supplies the opaque bearer credential and user id the sync layer runs as.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/99designs/keyring"

	"marketsync/cmd/security/token"
)

// ErrNotFound means the provider holds no credential.
var ErrNotFound = errors.New("credential: not found")

// Credential is a user id and its bearer token.
type Credential struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// Valid reports whether both fields are set.
func (c Credential) Valid() bool {
	return strings.TrimSpace(c.UserID) != "" && strings.TrimSpace(c.Token) != ""
}

// LogValue keeps the token out of logs.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user_id", c.UserID),
		slog.String("token_fp", token.Fingerprint(c.Token)),
	)
}

// Provider resolves the current credential.
type Provider interface {
	Credential(ctx context.Context) (Credential, error)
}

// Static always returns the same credential.
type Static Credential

// Credential implements Provider.
func (s Static) Credential(context.Context) (Credential, error) {
	c := Credential(s)
	if !c.Valid() {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

// Env reads the credential from environment variables.
type Env struct {
	UserIDKey string
	TokenKey  string
}

// Credential implements Provider.
func (e Env) Credential(context.Context) (Credential, error) {
	c := Credential{
		UserID: strings.TrimSpace(os.Getenv(e.UserIDKey)),
		Token:  strings.TrimSpace(os.Getenv(e.TokenKey)),
	}
	if !c.Valid() {
		return Credential{}, fmt.Errorf("%w: set %s and %s", ErrNotFound, e.UserIDKey, e.TokenKey)
	}
	return c, nil
}

const (
	serviceName = "marketsync"
	itemKey     = "credential"
)

// OpenKeyring opens the OS keyring, falling back to an encrypted file under fileDir.
func OpenKeyring(fileDir string) (keyring.Keyring, error) {
	if fileDir == "" {
		fileDir = "~/.config/marketsync/credentials"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("marketsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Keyring stores the credential as one keyring item.
type Keyring struct {
	ring keyring.Keyring
}

// NewKeyring wraps an opened keyring.
func NewKeyring(ring keyring.Keyring) *Keyring {
	return &Keyring{ring: ring}
}

// Credential implements Provider.
func (k *Keyring) Credential(context.Context) (Credential, error) {
	item, err := k.ring.Get(itemKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("getting credential: %w", err)
	}

	var c Credential
	if err := json.Unmarshal(item.Data, &c); err != nil {
		return Credential{}, fmt.Errorf("decoding credential: %w", err)
	}
	if !c.Valid() {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

// Store saves c, replacing any previous credential.
func (k *Keyring) Store(c Credential) error {
	c.UserID, c.Token = strings.TrimSpace(c.UserID), strings.TrimSpace(c.Token)
	if !c.Valid() {
		return errors.New("credential: user id and token are required")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := k.ring.Set(keyring.Item{
		Key:         itemKey,
		Data:        data,
		Label:       "marketsync credential",
		Description: "bearer token for " + c.UserID,
	}); err != nil {
		return fmt.Errorf("setting credential: %w", err)
	}
	return nil
}

// Clear removes the stored credential. Clearing an empty keyring succeeds.
func (k *Keyring) Clear() error {
	err := k.ring.Remove(itemKey)
	if err == nil || errors.Is(err, keyring.ErrKeyNotFound) {
		return nil
	}
	return fmt.Errorf("deleting credential: %w", err)
}
