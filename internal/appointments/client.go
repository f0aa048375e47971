// Package appointments provides the client for the appointments service.
// Appointment creation is live on the backend; update and cancel currently
// return 501 Not Implemented and are handled by the local mutation queue.
package appointments

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/diabetactic/orchestrator/internal/config"
	"github.com/diabetactic/orchestrator/internal/gateway"
	"github.com/diabetactic/orchestrator/internal/validate"
)

// Client calls the appointments endpoints through the gateway.
type Client struct {
	gw *gateway.Gateway
}

// NewClient creates an appointments client.
func NewClient(gw *gateway.Gateway) *Client {
	return &Client{gw: gw}
}

// Mine returns all of the user's appointments.
func (c *Client) Mine(ctx context.Context) ([]Appointment, error) {
	return gateway.CallJSON[[]Appointment](ctx, c.gw, gateway.Request{
		Endpoint: config.ServiceAppointments,
		Method:   http.MethodGet,
		Path:     "/appointments/mine",
	})
}

// MineInRange returns the user's appointments within [from, to].
func (c *Client) MineInRange(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	q := url.Values{}
	q.Set("from", from.Format(time.RFC3339))
	q.Set("to", to.Format(time.RFC3339))

	return gateway.CallJSON[[]Appointment](ctx, c.gw, gateway.Request{
		Endpoint: config.ServiceAppointments,
		Method:   http.MethodGet,
		Path:     "/appointments/mine",
		Query:    q,
	})
}

// Create books a new appointment. Creation is not idempotent, so the
// gateway must never retry it silently.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*Appointment, error) {
	if err := validate.First(req.Validate()); err != nil {
		return nil, err
	}

	a, err := gateway.CallJSON[Appointment](ctx, c.gw, gateway.Request{
		Endpoint: config.ServiceAppointments,
		Method:   http.MethodPost,
		Path:     "/appointments/create",
		Body:     req,
		NoRetry:  true,
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Update modifies an appointment. Returns gateway.ErrUnsupportedOperation
// while the backend does not implement it.
func (c *Client) Update(ctx context.Context, id int, req UpdateRequest) error {
	_, err := c.gw.Call(ctx, gateway.Request{
		Endpoint: config.ServiceAppointments,
		Method:   http.MethodPut,
		Path:     fmt.Sprintf("/appointments/%d", id),
		Body:     req,
		NoRetry:  true,
	})
	return err
}

// Cancel cancels an appointment. Returns gateway.ErrUnsupportedOperation
// while the backend does not implement it.
func (c *Client) Cancel(ctx context.Context, id int) error {
	_, err := c.gw.Call(ctx, gateway.Request{
		Endpoint: config.ServiceAppointments,
		Method:   http.MethodDelete,
		Path:     fmt.Sprintf("/appointments/%d", id),
		NoRetry:  true,
	})
	return err
}
