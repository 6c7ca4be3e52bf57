package pushgw

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned when a request carries no valid credential.
var ErrUnauthenticated = errors.New("pushgw: unauthenticated")

// Authenticator resolves the user of a request from its bearer credential.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// TokenAuthenticator maps static bearer tokens to users (development only).
type TokenAuthenticator struct {
	tokens map[string]string // token -> user_id
}

// NewTokenAuthenticator builds an authenticator from a token -> user_id map.
func NewTokenAuthenticator(tokens map[string]string) *TokenAuthenticator {
	cp := make(map[string]string, len(tokens))
	for tok, user := range tokens {
		tok, user = strings.TrimSpace(tok), strings.TrimSpace(user)
		if tok != "" && user != "" {
			cp[tok] = user
		}
	}
	return &TokenAuthenticator{tokens: cp}
}

// ParseDevTokens parses "token:user" pairs (already split on commas).
func ParseDevTokens(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		tok, user, ok := strings.Cut(p, ":")
		tok, user = strings.TrimSpace(tok), strings.TrimSpace(user)
		if !ok || tok == "" || user == "" {
			return nil, fmt.Errorf("%w: dev token entry must be token:user", ErrInvalidInput)
		}
		out[tok] = user
	}
	return out, nil
}

// Authenticate implements Authenticator.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	tok := bearerToken(r)
	if tok == "" {
		return "", ErrUnauthenticated
	}
	user, ok := a.tokens[tok]
	if !ok {
		return "", ErrUnauthenticated
	}
	return user, nil
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
