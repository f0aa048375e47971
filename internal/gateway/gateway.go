// Package gateway implements the single chokepoint for outbound calls to
// the backend services. Every request gets an auth header from the token
// lifecycle manager, a per-call timeout, circuit breaker protection, and
// bounded retry with exponential backoff and jitter.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/diabetactic/orchestrator/internal/config"
	"github.com/diabetactic/orchestrator/internal/resilience"
)

// Re-exported so callers matching on circuit state need not import
// resilience directly.
var ErrCircuitOpen = resilience.ErrCircuitOpen

// TokenSource supplies valid access tokens for authenticated calls.
// Implemented by the token lifecycle manager.
type TokenSource interface {
	// ValidAccessToken returns a token that is valid now, refreshing
	// transparently when near expiry. Returns an error wrapping
	// ErrAuthRequired when the session cannot be extended.
	ValidAccessToken(ctx context.Context) (string, error)

	// ForceRefresh discards the current access token and performs one
	// refresh. Used after a 401 from the backend.
	ForceRefresh(ctx context.Context) error
}

// HealthChecker reports endpoint reachability. Implemented by the health
// monitor.
type HealthChecker interface {
	Reachable(endpoint string) bool
}

// Config holds configuration for the gateway.
type Config struct {
	// Endpoints is the full endpoint set, keyed by endpoint ID.
	Endpoints map[string]config.ServiceEndpoint

	// Registry owns the per-endpoint circuit breakers. Required.
	Registry *resilience.Registry

	// Health gates calls to endpoints known unreachable. Optional.
	Health HealthChecker

	// MaxRetries is the default retry budget for transient failures.
	// Default: 2.
	MaxRetries int

	// InitialInterval is the initial retry backoff interval.
	// Default: 100ms.
	InitialInterval time.Duration

	// MaxInterval is the maximum retry backoff interval. Default: 5s.
	MaxInterval time.Duration

	// HTTPClient used for requests. Per-call timeouts are applied through
	// contexts, not the client. Optional.
	HTTPClient *http.Client

	// Logger for request outcomes.
	Logger zerolog.Logger
}

// Request describes one outbound call.
type Request struct {
	// Endpoint is the target service endpoint ID.
	Endpoint string

	// Method is the HTTP method.
	Method string

	// Path is appended to the endpoint base URL.
	Path string

	// Query parameters, optional.
	Query url.Values

	// Body is JSON-encoded when non-nil. Ignored if Form is set.
	Body any

	// Form is sent form-encoded when non-nil (the token endpoints are
	// FastAPI OAuth2 form endpoints).
	Form url.Values

	// Timeout overrides the endpoint's declared timeout.
	Timeout time.Duration

	// Retries overrides the gateway retry budget. Zero means the default;
	// set NoRetry to disable retries entirely.
	Retries int

	// NoRetry disables retries. Non-idempotent operations (appointment
	// creation) must never be retried silently.
	NoRetry bool

	// NoAuth skips the Authorization header. Used by the token endpoints
	// themselves.
	NoAuth bool

	// AllowUnreachable bypasses the health pre-check.
	AllowUnreachable bool
}

// Response is a completed backend response with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Gateway is the single entry point for outbound service calls.
type Gateway struct {
	endpoints       map[string]config.ServiceEndpoint
	registry        *resilience.Registry
	health          HealthChecker
	tokens          TokenSource
	maxRetries      int
	initialInterval time.Duration
	maxInterval     time.Duration
	httpClient      *http.Client
	logger          zerolog.Logger
	tracer          trace.Tracer
}

// New creates a gateway. The token source is attached afterwards with
// SetTokenSource because the token manager itself calls through the gateway.
func New(cfg Config) *Gateway {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	initialInterval := cfg.InitialInterval
	if initialInterval <= 0 {
		initialInterval = 100 * time.Millisecond
	}
	maxInterval := cfg.MaxInterval
	if maxInterval <= 0 {
		maxInterval = 5 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Gateway{
		endpoints:       cfg.Endpoints,
		registry:        cfg.Registry,
		health:          cfg.Health,
		maxRetries:      maxRetries,
		initialInterval: initialInterval,
		maxInterval:     maxInterval,
		httpClient:      httpClient,
		logger:          cfg.Logger,
		tracer:          otel.Tracer("gateway"),
	}
}

// SetTokenSource attaches the token lifecycle manager. Must be called before
// the first authenticated request.
func (g *Gateway) SetTokenSource(ts TokenSource) {
	g.tokens = ts
}

// Call executes one request with auth, health pre-check, circuit breaker,
// and bounded retry. Transient failures (network errors, 5xx) are retried;
// a single 401 triggers exactly one token refresh before surfacing
// ErrAuthRequired; 501 (and 404 on writes) surfaces ErrUnsupportedOperation
// immediately.
func (g *Gateway) Call(ctx context.Context, req Request) (*Response, error) {
	ep, ok := g.endpoints[req.Endpoint]
	if !ok {
		return nil, fmt.Errorf("gateway: unknown endpoint %q", req.Endpoint)
	}

	ctx, span := g.tracer.Start(ctx, "gateway.call", trace.WithAttributes(
		attribute.String("endpoint", req.Endpoint),
		attribute.String("http.method", req.Method),
		attribute.String("http.path", req.Path),
	))
	defer span.End()

	resp, err := g.call(ctx, ep, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, nil
}

func (g *Gateway) call(ctx context.Context, ep config.ServiceEndpoint, req Request) (*Response, error) {
	token := ""
	if !req.NoAuth {
		if g.tokens == nil {
			return nil, ErrAuthRequired
		}
		t, err := g.tokens.ValidAccessToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtaining access token: %w", err)
		}
		token = t
	}

	if g.health != nil && !req.AllowUnreachable && !g.health.Reachable(ep.ID) {
		g.logger.Debug().
			Str("endpoint", ep.ID).
			Msg("skipping call to unreachable endpoint")
		return nil, fmt.Errorf("%w: %s", ErrServiceUnavailable, ep.ID)
	}

	retries := g.maxRetries
	if req.Retries > 0 {
		retries = req.Retries
	}
	if req.NoRetry {
		retries = 0
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = ep.Timeout
	}

	resp, err := g.attempt(ctx, ep, req, token, timeout, retries)

	// On 401, perform exactly one token refresh and retry the whole call
	// once before surfacing an auth failure. Safe even for non-idempotent
	// requests: the backend rejected the call before executing it.
	if err != nil && !req.NoAuth {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized {
			if refreshErr := g.tokens.ForceRefresh(ctx); refreshErr != nil {
				return nil, fmt.Errorf("%w: %s", ErrAuthRequired, refreshErr)
			}
			token, err = g.tokens.ValidAccessToken(ctx)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", ErrAuthRequired, err)
			}

			resp, err = g.attempt(ctx, ep, req, token, timeout, retries)
			if err != nil && errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized {
				err = ErrAuthRequired
			}
		}
	}

	if err != nil {
		g.logger.Warn().
			Err(err).
			Str("endpoint", ep.ID).
			Str("method", req.Method).
			Str("path", req.Path).
			Msg("gateway call failed")
		return nil, err
	}

	return resp, nil
}

// attempt runs one full retry cycle: circuit breaker around each attempt,
// exponential backoff with jitter between attempts, transient failures
// retried up to the budget.
func (g *Gateway) attempt(ctx context.Context, ep config.ServiceEndpoint, req Request, token string, timeout time.Duration, retries int) (*Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.initialInterval
	bo.MaxInterval = g.maxInterval
	bo.MaxElapsedTime = 0 // retries bounded by count, not elapsed time

	breaker := g.registry.Breaker(ep.ID)

	var result *Response

	operation := func() error {
		resp, err := resilience.Do(breaker, func() (*Response, error) {
			return g.doOnce(ctx, ep, req, token, timeout)
		})
		if err != nil {
			if errors.Is(err, resilience.ErrCircuitOpen) {
				return backoff.Permanent(err)
			}

			g.registry.RecordFailure(ep.ID, err)

			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.IsServerError() {
				// 5xx: transient, retry.
				return err
			}
			var netErr *NetworkError
			if errors.As(err, &netErr) {
				return err
			}
			return backoff.Permanent(err)
		}

		if unsupported(req.Method, resp.StatusCode) {
			return backoff.Permanent(fmt.Errorf("%w: %s %s", ErrUnsupportedOperation, req.Method, req.Path))
		}

		if resp.StatusCode >= 400 {
			return backoff.Permanent(&HTTPError{StatusCode: resp.StatusCode, Body: resp.Body})
		}

		g.registry.RecordSuccess(ep.ID)
		result = resp
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx))
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
		return nil, err
	}

	return result, nil
}

// doOnce performs a single HTTP attempt. 5xx responses are returned as
// errors so the circuit breaker counts them as failures; everything else
// with a readable body counts as breaker success.
func (g *Gateway) doOnce(ctx context.Context, ep config.ServiceEndpoint, req Request, token string, timeout time.Duration) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := g.buildRequest(attemptCtx, ep, req, token)
	if err != nil {
		return nil, err
	}

	httpResp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Endpoint: ep.ID, Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &NetworkError{Endpoint: ep.ID, Err: err}
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}

	if httpResp.StatusCode >= 500 && httpResp.StatusCode != http.StatusNotImplemented {
		return nil, &HTTPError{StatusCode: httpResp.StatusCode, Body: body}
	}

	return resp, nil
}

func (g *Gateway) buildRequest(ctx context.Context, ep config.ServiceEndpoint, req Request, token string) (*http.Request, error) {
	u := ep.BaseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var (
		bodyReader  io.Reader = http.NoBody
		contentType string
	)
	switch {
	case req.Form != nil:
		bodyReader = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case req.Body != nil:
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	return httpReq, nil
}

// unsupported reports whether the status signals a capability the backend
// does not implement. A 404 only counts for write methods; missing entities
// on reads are ordinary HTTP errors.
func unsupported(method string, status int) bool {
	if status == http.StatusNotImplemented {
		return true
	}
	return status == http.StatusNotFound && method != http.MethodGet
}

// CallJSON executes a request and decodes the JSON response body into T.
func CallJSON[T any](ctx context.Context, g *Gateway, req Request) (T, error) {
	var out T

	resp, err := g.Call(ctx, req)
	if err != nil {
		return out, err
	}

	if len(resp.Body) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, fmt.Errorf("decoding response: %w", err)
	}
	return out, nil
}
