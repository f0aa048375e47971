package readings_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diabetactic/orchestrator/internal/config"
	"github.com/diabetactic/orchestrator/internal/gateway"
	"github.com/diabetactic/orchestrator/internal/readings"
	"github.com/diabetactic/orchestrator/internal/resilience"
	"github.com/diabetactic/orchestrator/internal/validate"
)

type fixedTokens struct{}

func (fixedTokens) ValidAccessToken(context.Context) (string, error) { return "token", nil }
func (fixedTokens) ForceRefresh(context.Context) error               { return nil }

func newReadingsClient(t *testing.T, handler http.Handler) *readings.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	gw := gateway.New(gateway.Config{
		Endpoints: map[string]config.ServiceEndpoint{
			config.ServiceReadings: {ID: config.ServiceReadings, BaseURL: server.URL, Timeout: 2 * time.Second},
		},
		Registry: resilience.NewRegistry(resilience.DefaultConfig("test")),
	})
	gw.SetTokenSource(fixedTokens{})
	return readings.NewClient(gw)
}

func TestClient_Mine(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /glucose/mine", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]readings.Reading{{ID: 1, Value: 95}, {ID: 2, Value: 130}})
	})

	c := newReadingsClient(t, mux)
	got, err := c.Mine(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].ID)
}

func TestClient_MineInRange_SendsRFC3339Bounds(t *testing.T) {
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /glucose/mine", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, from.Format(time.RFC3339), r.URL.Query().Get("from"))
		assert.Equal(t, to.Format(time.RFC3339), r.URL.Query().Get("to"))
		_ = json.NewEncoder(w).Encode([]readings.Reading{})
	})

	c := newReadingsClient(t, mux)
	_, err := c.MineInRange(context.Background(), from, to)
	require.NoError(t, err)
}

func TestClient_Latest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /glucose/mine/latest", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(readings.Reading{ID: 9, Value: 101})
	})

	c := newReadingsClient(t, mux)
	got, err := c.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, got.ID)
}

func TestClient_Create_ValidatesBeforeNetwork(t *testing.T) {
	c := newReadingsClient(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("invalid request must not reach the network")
	}))

	_, err := c.Create(context.Background(), readings.CreateRequest{})
	require.Error(t, err)

	var fieldErr validate.FieldError
	assert.ErrorAs(t, err, &fieldErr)
}

func TestClient_Create(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /glucose/create", func(w http.ResponseWriter, r *http.Request) {
		var req readings.CreateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(readings.Reading{ID: 12, Value: req.Value, Date: req.Date})
	})

	c := newReadingsClient(t, mux)
	got, err := c.Create(context.Background(), readings.CreateRequest{Value: 118, Date: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, 12, got.ID)
	assert.InDelta(t, 118, got.Value, 0.001)
}
