// Package profile provides the client for the user profile endpoints.
package profile

import (
	"context"
	"net/http"
	"time"

	"github.com/diabetactic/orchestrator/internal/config"
	"github.com/diabetactic/orchestrator/internal/gateway"
)

// User is the authenticated user's profile as served by the gateway.
type User struct {
	DNI             string     `json:"dni"`
	Name            string     `json:"name"`
	Surname         string     `json:"surname"`
	Email           string     `json:"email"`
	HospitalAccount string     `json:"hospital_account"`
	Blocked         bool       `json:"blocked"`
	TimesMeasured   int        `json:"times_measured"`
	Streak          int        `json:"streak"`
	MaxStreak       int        `json:"max_streak"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
}

// Client calls the profile endpoints through the gateway.
type Client struct {
	gw *gateway.Gateway
}

// NewClient creates a profile client.
func NewClient(gw *gateway.Gateway) *Client {
	return &Client{gw: gw}
}

// Me returns the authenticated user's profile.
func (c *Client) Me(ctx context.Context) (*User, error) {
	user, err := gateway.CallJSON[User](ctx, c.gw, gateway.Request{
		Endpoint: config.ServiceGateway,
		Method:   http.MethodGet,
		Path:     "/users/me",
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}
