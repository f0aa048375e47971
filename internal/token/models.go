package token

import "time"

// TokenSet is the first-party gateway session: a short-lived access token
// paired with a client-generated refresh token and its rotation budget.
//
// The gateway backend does not implement refresh-token validation, so the
// refresh token never leaves the device as a credential the server checks.
// Capping rotations bounds the useful lifetime of a stolen client-side
// token without requiring backend changes. A future backend with real
// rotating refresh tokens and server-side revocation should retire this
// scheme entirely.
type TokenSet struct {
	AccessToken        string
	ExpiresAt          time.Time
	ClientRefreshToken string
	RotationCount      int
	MaxRotations       int
}

// Exhausted reports whether the rotation budget is spent. An exhausted set
// is invalid for new requests; the caller must re-authenticate.
func (t *TokenSet) Exhausted() bool {
	return t.RotationCount >= t.MaxRotations
}

// ExpiresWithin reports whether the access token expires within margin.
func (t *TokenSet) ExpiresWithin(margin time.Duration) bool {
	return time.Until(t.ExpiresAt) <= margin
}

// tokenResponse is the gateway's POST /token response. There is no real
// refresh token field; rotation bookkeeping is synthesized client-side.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// idpTokenResponse is the external IdP's code exchange response.
type idpTokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
}
