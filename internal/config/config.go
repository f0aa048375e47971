// Package config holds the static configuration consumed by the orchestrator
// at startup: service endpoints, circuit breaker thresholds, health probing
// cadence, retry policy, and the token lifecycle policy.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Endpoint IDs for the backend services consumed by the client.
const (
	ServiceAuth         = "auth"
	ServiceAppointments = "appointments"
	ServiceReadings     = "readings"
	ServiceGateway      = "gateway"
	ServiceIdP          = "idp"
)

// ServiceEndpoint describes one backend service. Immutable after load.
type ServiceEndpoint struct {
	// ID identifies the service ("auth", "appointments", ...).
	ID string

	// BaseURL is the service base URL without trailing slash.
	BaseURL string

	// HealthPath is the health-check path (e.g. "/health").
	HealthPath string

	// Timeout is the per-call timeout for user-facing requests.
	Timeout time.Duration
}

// BreakerConfig holds circuit breaker thresholds shared by all endpoints.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	// Default: 5
	FailureThreshold int

	// BaseCooldown is the initial open-state duration before a half-open probe.
	// Default: 30 seconds
	BaseCooldown time.Duration

	// MaxCooldown caps the exponentially growing cooldown.
	// Default: 5 minutes
	MaxCooldown time.Duration
}

// HealthConfig holds health monitor settings.
type HealthConfig struct {
	// Interval between probe rounds. Default: 60 seconds.
	Interval time.Duration

	// ProbeTimeout is the per-probe timeout, deliberately shorter than
	// user-facing call timeouts. Default: 3 seconds.
	ProbeTimeout time.Duration
}

// TokenConfig holds the token lifecycle policy.
type TokenConfig struct {
	// ExpiryMargin is how long before expiry a refresh is triggered.
	// Default: 60 seconds.
	ExpiryMargin time.Duration

	// MaxRotations caps client-side refresh-token rotations before a full
	// re-authentication is forced. The gateway does not validate refresh
	// tokens server-side, so this bound limits the exposure of a stolen
	// client-side token. Default: 10.
	MaxRotations int

	// AccessTokenTTL is the fallback access token lifetime used when the
	// token carries no parseable expiry claim. Default: 30 minutes.
	AccessTokenTTL time.Duration
}

// IdPConfig holds the external identity provider OAuth2 endpoints.
// The IdP authenticates the user and nothing more; no health data is
// sourced from it.
type IdPConfig struct {
	// AuthorizeURL is the OAuth2 authorization endpoint.
	AuthorizeURL string

	// TokenURL is the OAuth2 token endpoint for the code+verifier exchange.
	TokenURL string

	// ClientID is the registered OAuth2 client identifier.
	ClientID string

	// RedirectURI is the registered custom-scheme redirect
	// (e.g. "app://oauth/callback").
	RedirectURI string

	// Scopes requested during authorization.
	Scopes []string
}

// Config is the full orchestrator configuration, supplied once at startup.
type Config struct {
	Endpoints map[string]ServiceEndpoint
	Breaker   BreakerConfig
	Health    HealthConfig
	Token     TokenConfig
	IdP       IdPConfig

	// MaxRetries is the gateway's default retry budget for transient
	// failures. Default: 2.
	MaxRetries int

	// DataDir is the on-device directory for durable state (mutation log,
	// secure store, snapshot cache).
	DataDir string
}

// Default returns the production defaults with endpoints pointing at the
// local development stack.
func Default() Config {
	return Config{
		Endpoints: map[string]ServiceEndpoint{
			ServiceAuth: {
				ID:         ServiceAuth,
				BaseURL:    "http://localhost:8000/auth",
				HealthPath: "/health",
				Timeout:    10 * time.Second,
			},
			ServiceAppointments: {
				ID:         ServiceAppointments,
				BaseURL:    "http://localhost:8000/appointments",
				HealthPath: "/health",
				Timeout:    10 * time.Second,
			},
			ServiceReadings: {
				ID:         ServiceReadings,
				BaseURL:    "http://localhost:8000/readings",
				HealthPath: "/health",
				Timeout:    10 * time.Second,
			},
			ServiceGateway: {
				ID:         ServiceGateway,
				BaseURL:    "http://localhost:8000/gateway",
				HealthPath: "/health",
				Timeout:    15 * time.Second,
			},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			BaseCooldown:     30 * time.Second,
			MaxCooldown:      5 * time.Minute,
		},
		Health: HealthConfig{
			Interval:     60 * time.Second,
			ProbeTimeout: 3 * time.Second,
		},
		Token: TokenConfig{
			ExpiryMargin:   60 * time.Second,
			MaxRotations:   10,
			AccessTokenTTL: 30 * time.Minute,
		},
		IdP: IdPConfig{
			RedirectURI: "app://oauth/callback",
			Scopes:      []string{"openid", "profile"},
		},
		MaxRetries: 2,
		DataDir:    defaultDataDir(),
	}
}

// FromEnv returns Default overridden by environment variables. Only the
// knobs that differ per deployment are exposed; saga definitions and the
// endpoint set are static.
func FromEnv() Config {
	cfg := Default()

	if v := os.Getenv("DIABETACTIC_GATEWAY_URL"); v != "" {
		for id, ep := range cfg.Endpoints {
			ep.BaseURL = v + "/" + id
			cfg.Endpoints[id] = ep
		}
	}
	if v := os.Getenv("DIABETACTIC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DIABETACTIC_MAX_ROTATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Token.MaxRotations = n
		}
	}
	if v := os.Getenv("DIABETACTIC_IDP_AUTHORIZE_URL"); v != "" {
		cfg.IdP.AuthorizeURL = v
	}
	if v := os.Getenv("DIABETACTIC_IDP_TOKEN_URL"); v != "" {
		cfg.IdP.TokenURL = v
	}
	if v := os.Getenv("DIABETACTIC_IDP_CLIENT_ID"); v != "" {
		cfg.IdP.ClientID = v
	}

	return cfg
}

// Validate checks the configuration for missing required fields.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("config: no service endpoints")
	}
	for id, ep := range c.Endpoints {
		if ep.BaseURL == "" {
			return fmt.Errorf("config: endpoint %q has no base URL", id)
		}
		if ep.Timeout <= 0 {
			return fmt.Errorf("config: endpoint %q has no timeout", id)
		}
	}
	if c.Breaker.FailureThreshold <= 0 {
		return errors.New("config: breaker failure threshold must be positive")
	}
	if c.Token.MaxRotations <= 0 {
		return errors.New("config: max token rotations must be positive")
	}
	if c.DataDir == "" {
		return errors.New("config: data directory required")
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".diabetactic"
	}
	return home + "/.diabetactic"
}
