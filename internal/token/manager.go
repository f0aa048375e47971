// Package token owns the client's token lifecycle: the OAuth2+PKCE login
// against the external identity provider, and the first-party gateway
// session with client-side bounded refresh-token rotation.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/diabetactic/orchestrator/internal/config"
	"github.com/diabetactic/orchestrator/internal/gateway"
	"github.com/diabetactic/orchestrator/internal/securestore"
)

// refreshTokenLength is the byte length of client-generated refresh tokens.
// 32 bytes = 256 bits of entropy.
const refreshTokenLength = 32

// Predefined manager errors. Both unwrap to gateway.ErrAuthRequired so the
// caller's policy is uniform: force re-login.
var (
	// ErrNotAuthenticated is returned when no session exists.
	ErrNotAuthenticated = fmt.Errorf("%w: no active session", gateway.ErrAuthRequired)

	// ErrRotationExhausted is returned once the rotation budget is spent.
	// No further refresh is issued; the session is invalid for new
	// requests until the user re-authenticates.
	ErrRotationExhausted = fmt.Errorf("%w: refresh rotation budget exhausted", gateway.ErrAuthRequired)
)

// HTTPDoer executes HTTP requests. Satisfied by *http.Client; the IdP code
// exchange goes direct rather than through the gateway because the IdP is
// not one of the health-monitored backend services.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds configuration for the token lifecycle manager.
type Config struct {
	// Store is the platform secure storage. Required.
	Store securestore.Store

	// Gateway executes the first-party token calls. Required.
	Gateway *gateway.Gateway

	// Token is the lifecycle policy (expiry margin, rotation cap).
	Token config.TokenConfig

	// IdP is the external identity provider configuration.
	IdP config.IdPConfig

	// HTTPClient for the IdP exchange. Optional.
	HTTPClient HTTPDoer

	// Logger for lifecycle events.
	Logger zerolog.Logger
}

// Manager owns the access/refresh token pair. The in-memory session is the
// source of truth while the process runs; secure storage is reconciled at
// startup via LoadSession and on every mutation.
type Manager struct {
	cfg        config.TokenConfig
	idp        config.IdPConfig
	store      securestore.Store
	gw         *gateway.Gateway
	httpClient HTTPDoer
	logger     zerolog.Logger

	mu           sync.Mutex
	session      *TokenSet
	subject      string
	forcedLogout bool
	refreshTimer *time.Timer

	// sf collapses concurrent refresh attempts into one network call so
	// parallel callers never burn rotation budget on duplicate refreshes.
	sf singleflight.Group
}

// NewManager creates a token lifecycle manager.
func NewManager(cfg Config) *Manager {
	token := cfg.Token
	if token.ExpiryMargin <= 0 {
		token.ExpiryMargin = 60 * time.Second
	}
	if token.MaxRotations <= 0 {
		token.MaxRotations = 10
	}
	if token.AccessTokenTTL <= 0 {
		token.AccessTokenTTL = 30 * time.Minute
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	return &Manager{
		cfg:        token,
		idp:        cfg.IdP,
		store:      cfg.Store,
		gw:         cfg.Gateway,
		httpClient: httpClient,
		logger:     cfg.Logger,
	}
}

// LoadSession reloads a persisted session from secure storage at process
// start. A missing session is not an error.
func (m *Manager) LoadSession(ctx context.Context) error {
	accessToken, err := m.store.Get(ctx, securestore.KeyAccessToken)
	if errors.Is(err, securestore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}

	session := &TokenSet{
		AccessToken:  accessToken,
		MaxRotations: m.cfg.MaxRotations,
	}

	if v, err := m.store.Get(ctx, securestore.KeyTokenExpiresAt); err == nil {
		if t, parseErr := time.Parse(time.RFC3339, v); parseErr == nil {
			session.ExpiresAt = t
		}
	}
	if v, err := m.store.Get(ctx, securestore.KeyClientRefreshToken); err == nil {
		session.ClientRefreshToken = v
	}
	if v, err := m.store.Get(ctx, securestore.KeyRotationCount); err == nil {
		if n, parseErr := strconv.Atoi(v); parseErr == nil {
			session.RotationCount = n
		}
	}
	if v, err := m.store.Get(ctx, securestore.KeyIdPSubject); err == nil {
		m.subject = v
	}

	m.mu.Lock()
	m.session = session
	m.forcedLogout = false
	m.mu.Unlock()

	m.scheduleRefresh(session.ExpiresAt)

	m.logger.Info().
		Time("expires_at", session.ExpiresAt).
		Int("rotation_count", session.RotationCount).
		Msg("session restored from secure storage")
	return nil
}

// Login authenticates against the first-party gateway with user
// credentials and establishes a fresh session with a zeroed rotation count.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", username)
	form.Set("password", password)

	resp, err := gateway.CallJSON[tokenResponse](ctx, m.gw, gateway.Request{
		Endpoint: config.ServiceAuth,
		Method:   http.MethodPost,
		Path:     "/token",
		Form:     form,
		NoAuth:   true,
		NoRetry:  true,
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if resp.AccessToken == "" {
		return errors.New("login: empty access token in response")
	}

	refreshToken, err := generateClientRefreshToken()
	if err != nil {
		return err
	}

	session := &TokenSet{
		AccessToken:        resp.AccessToken,
		ExpiresAt:          m.expiryOf(resp.AccessToken),
		ClientRefreshToken: refreshToken,
		RotationCount:      0,
		MaxRotations:       m.cfg.MaxRotations,
	}

	m.mu.Lock()
	m.session = session
	m.forcedLogout = false
	m.mu.Unlock()

	if err := m.persist(ctx, session); err != nil {
		return err
	}
	m.scheduleRefresh(session.ExpiresAt)

	m.logger.Info().
		Time("expires_at", session.ExpiresAt).
		Msg("gateway session established")
	return nil
}

// ValidAccessToken returns an access token valid now, refreshing when the
// current one is within the expiry margin. Once the rotation budget is
// spent it rejects without issuing another refresh and forces logout.
func (m *Manager) ValidAccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	session := m.session
	forced := m.forcedLogout
	m.mu.Unlock()

	if session == nil || forced {
		return "", ErrNotAuthenticated
	}
	if !session.ExpiresWithin(m.cfg.ExpiryMargin) {
		return session.AccessToken, nil
	}

	if session.Exhausted() {
		m.mu.Lock()
		m.forcedLogout = true
		m.mu.Unlock()
		m.logger.Warn().
			Int("rotation_count", session.RotationCount).
			Msg("rotation budget exhausted, forcing re-authentication")
		return "", ErrRotationExhausted
	}

	if err := m.refreshShared(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return "", ErrNotAuthenticated
	}
	return m.session.AccessToken, nil
}

// ForceRefresh performs one refresh regardless of remaining token lifetime.
// Called by the gateway after a 401.
func (m *Manager) ForceRefresh(ctx context.Context) error {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	if session == nil {
		return ErrNotAuthenticated
	}
	if session.Exhausted() {
		m.mu.Lock()
		m.forcedLogout = true
		m.mu.Unlock()
		return ErrRotationExhausted
	}

	return m.refreshShared(ctx)
}

// refreshShared funnels concurrent refresh attempts through singleflight:
// at most one refresh is in flight, everyone else awaits its outcome.
func (m *Manager) refreshShared(ctx context.Context) error {
	_, err, _ := m.sf.Do("refresh", func() (any, error) {
		return nil, m.refresh(ctx)
	})
	return err
}

func (m *Manager) refresh(ctx context.Context) error {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	if session == nil {
		return ErrNotAuthenticated
	}
	if session.Exhausted() {
		m.mu.Lock()
		m.forcedLogout = true
		m.mu.Unlock()
		return ErrRotationExhausted
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", session.ClientRefreshToken)

	resp, err := gateway.CallJSON[tokenResponse](ctx, m.gw, gateway.Request{
		Endpoint: config.ServiceAuth,
		Method:   http.MethodPost,
		Path:     "/token/refresh",
		Form:     form,
		NoAuth:   true,
	})
	if err != nil {
		return fmt.Errorf("refreshing token: %w", err)
	}
	if resp.AccessToken == "" {
		return errors.New("refresh: empty access token in response")
	}

	// Rotate the client refresh token alongside the access token; the old
	// one is never reusable.
	newRefreshToken, err := generateClientRefreshToken()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.session = &TokenSet{
		AccessToken:        resp.AccessToken,
		ExpiresAt:          m.expiryOf(resp.AccessToken),
		ClientRefreshToken: newRefreshToken,
		RotationCount:      session.RotationCount + 1,
		MaxRotations:       session.MaxRotations,
	}
	updated := m.session
	m.mu.Unlock()

	if err := m.persist(ctx, updated); err != nil {
		return err
	}
	m.scheduleRefresh(updated.ExpiresAt)

	m.logger.Debug().
		Int("rotation_count", updated.RotationCount).
		Int("max_rotations", updated.MaxRotations).
		Time("expires_at", updated.ExpiresAt).
		Msg("access token refreshed")
	return nil
}

// Logout destroys the session in memory and secure storage.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	m.session = nil
	m.subject = ""
	m.forcedLogout = false
	m.mu.Unlock()

	for _, key := range []string{
		securestore.KeyAccessToken,
		securestore.KeyTokenExpiresAt,
		securestore.KeyClientRefreshToken,
		securestore.KeyRotationCount,
		securestore.KeyIdPSubject,
	} {
		if err := m.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("clearing session: %w", err)
		}
	}

	m.logger.Info().Msg("session destroyed")
	return nil
}

// Session returns a copy of the current token set, or nil.
func (m *Manager) Session() *TokenSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	cpy := *m.session
	return &cpy
}

// Subject returns the IdP user identifier, if an IdP login completed.
func (m *Manager) Subject() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subject
}

// ForcedLogout reports whether the manager refused further refreshes and
// requires a full re-authentication.
func (m *Manager) ForcedLogout() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forcedLogout
}

// BeginIdPLogin starts the external IdP authorization round trip. The
// caller opens AuthorizeURL in the system browser and later passes the
// captured redirect to CompleteIdPLogin together with the attempt.
func (m *Manager) BeginIdPLogin() (*LoginAttempt, error) {
	return NewLoginAttempt(m.idp)
}

// CompleteIdPLogin validates the captured redirect, exchanges the
// authorization code with the PKCE verifier, and returns the user's subject
// identifier. The IdP authenticates the user and nothing more.
func (m *Manager) CompleteIdPLogin(ctx context.Context, redirectURL string, attempt *LoginAttempt) (string, error) {
	code, err := ParseRedirect(redirectURL, attempt.State)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", m.idp.RedirectURI)
	form.Set("client_id", m.idp.ClientID)
	form.Set("code_verifier", attempt.Verifier)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.idp.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("creating IdP token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("exchanging authorization code: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("IdP token exchange failed: status %d: %s", resp.StatusCode, body)
	}

	var idpResp idpTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&idpResp); err != nil {
		return "", fmt.Errorf("decoding IdP response: %w", err)
	}

	subject := subjectOf(idpResp.IDToken)
	if subject == "" {
		return "", errors.New("IdP response carries no subject")
	}

	m.mu.Lock()
	m.subject = subject
	m.mu.Unlock()

	if err := m.store.Set(ctx, securestore.KeyIdPSubject, subject); err != nil {
		return "", fmt.Errorf("persisting subject: %w", err)
	}

	m.logger.Info().Msg("IdP login completed")
	return subject, nil
}

// scheduleRefresh arms a single outstanding timer that refreshes the token
// just inside the expiry margin. Re-arming stops any previous timer so
// refreshes never overlap.
func (m *Manager) scheduleRefresh(expiresAt time.Time) {
	delay := time.Until(expiresAt) - m.cfg.ExpiryMargin
	if delay <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	m.refreshTimer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.refreshShared(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("scheduled token refresh failed")
		}
	})
}

// persist writes the session to secure storage.
func (m *Manager) persist(ctx context.Context, session *TokenSet) error {
	entries := map[string]string{
		securestore.KeyAccessToken:        session.AccessToken,
		securestore.KeyTokenExpiresAt:     session.ExpiresAt.Format(time.RFC3339),
		securestore.KeyClientRefreshToken: session.ClientRefreshToken,
		securestore.KeyRotationCount:      strconv.Itoa(session.RotationCount),
	}
	for key, value := range entries {
		if err := m.store.Set(ctx, key, value); err != nil {
			return fmt.Errorf("persisting session: %w", err)
		}
	}
	return nil
}

// expiryOf extracts the exp claim from a gateway-issued JWT. The client
// cannot verify the signature (it has no key material) and only needs the
// expiry for scheduling; validation stays server-side.
func (m *Manager) expiryOf(tokenString string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err == nil {
		if exp, expErr := parsed.Claims.GetExpirationTime(); expErr == nil && exp != nil {
			return exp.Time
		}
	}
	return time.Now().Add(m.cfg.AccessTokenTTL)
}

// subjectOf extracts the sub claim from an IdP id_token.
func subjectOf(idToken string) string {
	if idToken == "" {
		return ""
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(idToken, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}

// generateClientRefreshToken creates a random opaque refresh token.
func generateClientRefreshToken() (string, error) {
	bytes := make([]byte, refreshTokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generating refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// Ensure Manager satisfies the gateway's token source contract.
var _ gateway.TokenSource = (*Manager)(nil)
