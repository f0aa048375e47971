package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/diabetactic/orchestrator/internal/config"
)

// PKCE (RFC 7636) helpers for the external IdP login. The authorization
// code exchange is bound to a client-generated verifier so an intercepted
// code is useless without it.

const (
	// verifierLength is the byte length of the code verifier.
	// 32 bytes -> 43 base64url characters, the RFC 7636 minimum.
	verifierLength = 32

	// stateLength is the byte length of the CSRF state parameter.
	stateLength = 16
)

// Predefined PKCE errors.
var (
	ErrStateMismatch = errors.New("oauth state mismatch")
	ErrNoCode        = errors.New("redirect carries no authorization code")
)

// LoginAttempt holds the transient state of one IdP authorization round
// trip. It lives only for the duration of the browser redirect.
type LoginAttempt struct {
	// AuthorizeURL is the URL to open in the system browser.
	AuthorizeURL string

	// State is the CSRF token echoed back in the redirect.
	State string

	// Verifier is the PKCE code verifier for the token exchange.
	Verifier string
}

// GenerateVerifier returns a cryptographically random code verifier.
func GenerateVerifier() (string, error) {
	bytes := make([]byte, verifierLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generating code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// ChallengeS256 derives the S256 code challenge from a verifier.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// generateState returns a random state parameter.
func generateState() (string, error) {
	bytes := make([]byte, stateLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// NewLoginAttempt builds the authorization URL for the configured IdP with
// a fresh verifier, S256 challenge, and state.
func NewLoginAttempt(cfg config.IdPConfig) (*LoginAttempt, error) {
	verifier, err := GenerateVerifier()
	if err != nil {
		return nil, err
	}
	state, err := generateState()
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", cfg.ClientID)
	q.Set("redirect_uri", cfg.RedirectURI)
	q.Set("state", state)
	q.Set("code_challenge", ChallengeS256(verifier))
	q.Set("code_challenge_method", "S256")
	if len(cfg.Scopes) > 0 {
		q.Set("scope", strings.Join(cfg.Scopes, " "))
	}

	return &LoginAttempt{
		AuthorizeURL: cfg.AuthorizeURL + "?" + q.Encode(),
		State:        state,
		Verifier:     verifier,
	}, nil
}

// ParseRedirect extracts the authorization code from a captured custom
// scheme redirect (e.g. "app://oauth/callback?code=...&state=...") and
// validates the state parameter.
func ParseRedirect(rawURL, expectedState string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing redirect URL: %w", err)
	}

	q := u.Query()
	if q.Get("state") != expectedState {
		return "", ErrStateMismatch
	}

	code := q.Get("code")
	if code == "" {
		if desc := q.Get("error_description"); desc != "" {
			return "", fmt.Errorf("%w: %s", ErrNoCode, desc)
		}
		return "", ErrNoCode
	}

	return code, nil
}
