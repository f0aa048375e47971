// Package readings provides the client for the glucose readings service.
package readings

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/diabetactic/orchestrator/internal/config"
	"github.com/diabetactic/orchestrator/internal/gateway"
	"github.com/diabetactic/orchestrator/internal/validate"
)

// Client calls the glucose readings endpoints through the gateway.
type Client struct {
	gw *gateway.Gateway
}

// NewClient creates a readings client.
func NewClient(gw *gateway.Gateway) *Client {
	return &Client{gw: gw}
}

// Mine returns all of the user's readings.
func (c *Client) Mine(ctx context.Context) ([]Reading, error) {
	return gateway.CallJSON[[]Reading](ctx, c.gw, gateway.Request{
		Endpoint: config.ServiceReadings,
		Method:   http.MethodGet,
		Path:     "/glucose/mine",
	})
}

// MineInRange returns the user's readings within [from, to].
func (c *Client) MineInRange(ctx context.Context, from, to time.Time) ([]Reading, error) {
	q := url.Values{}
	q.Set("from", from.Format(time.RFC3339))
	q.Set("to", to.Format(time.RFC3339))

	return gateway.CallJSON[[]Reading](ctx, c.gw, gateway.Request{
		Endpoint: config.ServiceReadings,
		Method:   http.MethodGet,
		Path:     "/glucose/mine",
		Query:    q,
	})
}

// Latest returns the user's most recent reading.
func (c *Client) Latest(ctx context.Context) (*Reading, error) {
	r, err := gateway.CallJSON[Reading](ctx, c.gw, gateway.Request{
		Endpoint: config.ServiceReadings,
		Method:   http.MethodGet,
		Path:     "/glucose/mine/latest",
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Create stores a new reading. Reading creation is idempotent on the
// backend keyed by (value, date), so retries are safe.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*Reading, error) {
	if err := validate.First(req.Validate()); err != nil {
		return nil, err
	}

	r, err := gateway.CallJSON[Reading](ctx, c.gw, gateway.Request{
		Endpoint: config.ServiceReadings,
		Method:   http.MethodPost,
		Path:     "/glucose/create",
		Body:     req,
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ShareRequest attaches a glucose summary to an appointment.
type ShareRequest struct {
	AppointmentID int     `json:"appointment_id"`
	Summary       Summary `json:"summary"`
}

// Share sends a glucose summary for an appointment. Sharing the same
// summary twice overwrites, so the operation is idempotent.
func (c *Client) Share(ctx context.Context, req ShareRequest) error {
	_, err := c.gw.Call(ctx, gateway.Request{
		Endpoint: config.ServiceReadings,
		Method:   http.MethodPost,
		Path:     "/glucose/share",
		Body:     req,
	})
	return err
}
