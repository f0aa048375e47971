package gateway_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diabetactic/orchestrator/internal/config"
	"github.com/diabetactic/orchestrator/internal/gateway"
	"github.com/diabetactic/orchestrator/internal/resilience"
)

// stubTokens is a TokenSource yielding canned tokens.
type stubTokens struct {
	token        atomic.Value
	refreshCalls atomic.Int32
	refreshErr   error
}

func newStubTokens(token string) *stubTokens {
	s := &stubTokens{}
	s.token.Store(token)
	return s
}

func (s *stubTokens) ValidAccessToken(context.Context) (string, error) {
	return s.token.Load().(string), nil
}

func (s *stubTokens) ForceRefresh(context.Context) error {
	s.refreshCalls.Add(1)
	if s.refreshErr != nil {
		return s.refreshErr
	}
	s.token.Store("refreshed-token")
	return nil
}

// stubHealth reports fixed reachability per endpoint.
type stubHealth struct {
	unreachable map[string]bool
}

func (s *stubHealth) Reachable(endpoint string) bool {
	return !s.unreachable[endpoint]
}

func newTestGateway(t *testing.T, serverURL string, opts ...func(*gateway.Config)) *gateway.Gateway {
	t.Helper()

	cfg := gateway.Config{
		Endpoints: map[string]config.ServiceEndpoint{
			"svc": {
				ID:      "svc",
				BaseURL: serverURL,
				Timeout: 2 * time.Second,
			},
		},
		Registry: resilience.NewRegistry(resilience.Config{
			FailureThreshold: 5,
			BaseCooldown:     time.Minute,
			MaxCooldown:      5 * time.Minute,
		}),
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	g := gateway.New(cfg)
	g.SetTokenSource(newStubTokens("initial-token"))
	return g
}

func TestGateway_AttachesBearerToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL)

	resp, err := g.Call(context.Background(), gateway.Request{
		Endpoint: "svc",
		Method:   http.MethodGet,
		Path:     "/resource",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer initial-token", gotAuth)
}

func TestGateway_NoAuthSkipsHeader(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL)

	_, err := g.Call(context.Background(), gateway.Request{
		Endpoint: "svc",
		Method:   http.MethodPost,
		Path:     "/token",
		NoAuth:   true,
	})
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestGateway_RetriesTransient5xx(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL)

	resp, err := g.Call(context.Background(), gateway.Request{
		Endpoint: "svc",
		Method:   http.MethodGet,
		Path:     "/flaky",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestGateway_ExhaustedRetriesSurfaceError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL)

	_, err := g.Call(context.Background(), gateway.Request{
		Endpoint: "svc",
		Method:   http.MethodGet,
		Path:     "/broken",
	})
	require.Error(t, err)

	var httpErr *gateway.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	// Default budget: initial attempt plus two retries.
	assert.Equal(t, int32(3), attempts.Load())
}

func TestGateway_ClientErrorsAreNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"bad value"}`))
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL)

	_, err := g.Call(context.Background(), gateway.Request{
		Endpoint: "svc",
		Method:   http.MethodPost,
		Path:     "/create",
		Body:     map[string]any{"value": -1},
	})

	var httpErr *gateway.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnprocessableEntity, httpErr.StatusCode)
	assert.Equal(t, int32(1), attempts.Load(), "4xx must not be retried")
}

func TestGateway_NoRetryDisablesRetries(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL)

	_, err := g.Call(context.Background(), gateway.Request{
		Endpoint: "svc",
		Method:   http.MethodPost,
		Path:     "/create",
		NoRetry:  true,
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load(), "NoRetry must mean exactly one attempt")
}

func TestGateway_RefreshesOnceOn401(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		if r.Header.Get("Authorization") != "Bearer refreshed-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	tokens := newStubTokens("stale-token")
	g := newTestGateway(t, server.URL)
	g.SetTokenSource(tokens)

	resp, err := g.Call(context.Background(), gateway.Request{
		Endpoint: "svc",
		Method:   http.MethodGet,
		Path:     "/me",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), tokens.refreshCalls.Load())
	assert.Equal(t, int32(2), attempts.Load())
}

func TestGateway_Persistent401SurfacesAuthRequired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tokens := newStubTokens("rejected-token")
	g := newTestGateway(t, server.URL)
	g.SetTokenSource(tokens)

	_, err := g.Call(context.Background(), gateway.Request{
		Endpoint: "svc",
		Method:   http.MethodGet,
		Path:     "/me",
	})
	require.ErrorIs(t, err, gateway.ErrAuthRequired)
	assert.Equal(t, int32(1), tokens.refreshCalls.Load(), "exactly one refresh per call")
}

func TestGateway_501SurfacesUnsupportedOperation(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotImplemented)
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL)

	_, err := g.Call(context.Background(), gateway.Request{
		Endpoint: "svc",
		Method:   http.MethodPut,
		Path:     "/appointments/1",
	})
	require.ErrorIs(t, err, gateway.ErrUnsupportedOperation)
	assert.Equal(t, int32(1), attempts.Load(), "501 must not be retried")
}

func TestGateway_404OnWriteIsUnsupported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL)

	_, err := g.Call(context.Background(), gateway.Request{
		Endpoint: "svc",
		Method:   http.MethodDelete,
		Path:     "/appointments/1",
	})
	assert.ErrorIs(t, err, gateway.ErrUnsupportedOperation)
}

func TestGateway_404OnReadIsPlainHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL)

	_, err := g.Call(context.Background(), gateway.Request{
		Endpoint: "svc",
		Method:   http.MethodGet,
		Path:     "/glucose/mine/latest",
	})
	require.NotErrorIs(t, err, gateway.ErrUnsupportedOperation)

	var httpErr *gateway.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
}

func TestGateway_UnreachableEndpointFailsFast(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL, func(cfg *gateway.Config) {
		cfg.Health = &stubHealth{unreachable: map[string]bool{"svc": true}}
	})

	start := time.Now()
	_, err := g.Call(context.Background(), gateway.Request{
		Endpoint: "svc",
		Method:   http.MethodGet,
		Path:     "/resource",
	})

	require.ErrorIs(t, err, gateway.ErrServiceUnavailable)
	assert.Zero(t, attempts.Load(), "no network call for a known-down endpoint")
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestGateway_AllowUnreachableBypassesHealthGate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL, func(cfg *gateway.Config) {
		cfg.Health = &stubHealth{unreachable: map[string]bool{"svc": true}}
	})

	_, err := g.Call(context.Background(), gateway.Request{
		Endpoint:         "svc",
		Method:           http.MethodGet,
		Path:             "/health",
		AllowUnreachable: true,
	})
	assert.NoError(t, err)
}

func TestGateway_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL)

	// Two calls of three attempts each bring the breaker past its threshold
	// of five consecutive failures.
	for i := 0; i < 2; i++ {
		_, err := g.Call(context.Background(), gateway.Request{
			Endpoint: "svc",
			Method:   http.MethodGet,
			Path:     "/broken",
		})
		require.Error(t, err)
	}

	before := attempts.Load()
	_, err := g.Call(context.Background(), gateway.Request{
		Endpoint: "svc",
		Method:   http.MethodGet,
		Path:     "/broken",
	})
	require.ErrorIs(t, err, gateway.ErrCircuitOpen)
	assert.Equal(t, before, attempts.Load(), "open circuit must not reach the network")
}

func TestGateway_FormEncodedBody(t *testing.T) {
	var gotContentType, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, r.ParseForm())
		gotBody = r.PostFormValue("username")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL)

	form := make(map[string][]string)
	form["username"] = []string{"11223344"}
	form["password"] = []string{"secret"}

	_, err := g.Call(context.Background(), gateway.Request{
		Endpoint: "svc",
		Method:   http.MethodPost,
		Path:     "/token",
		Form:     form,
		NoAuth:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, "application/x-www-form-urlencoded", gotContentType)
	assert.Equal(t, "11223344", gotBody)
}

func TestCallJSON_DecodesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":7,"value":104.5}`))
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL)

	type reading struct {
		ID    int     `json:"id"`
		Value float64 `json:"value"`
	}

	got, err := gateway.CallJSON[reading](context.Background(), g, gateway.Request{
		Endpoint: "svc",
		Method:   http.MethodGet,
		Path:     "/glucose/mine/latest",
	})
	require.NoError(t, err)
	assert.Equal(t, 7, got.ID)
	assert.InDelta(t, 104.5, got.Value, 0.001)
}
