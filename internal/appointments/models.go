package appointments

import (
	"time"

	"github.com/diabetactic/orchestrator/internal/validate"
)

// Appointment statuses.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

// Appointment is one scheduled consultation.
type Appointment struct {
	ID     int       `json:"id,omitempty"`
	Date   time.Time `json:"date"`
	Reason string    `json:"reason"`
	Status string    `json:"status,omitempty"`

	// ClientID is the client-generated UUID for appointments created
	// locally before the backend confirmed them.
	ClientID string `json:"client_id,omitempty"`

	// LocallyModified marks entries overlaid from the local mutation
	// queue, for UI disclosure.
	LocallyModified bool `json:"_locallyModified,omitempty"`
}

// CreateRequest is the payload for creating an appointment.
type CreateRequest struct {
	Date   time.Time `json:"date"`
	Reason string    `json:"reason"`
}

// Validate checks the create request.
func (r *CreateRequest) Validate() []validate.FieldError {
	var errs []validate.FieldError
	if r.Date.IsZero() {
		errs = append(errs, validate.FieldError{Field: "date", Message: "is required"})
	}
	if r.Reason == "" {
		errs = append(errs, validate.FieldError{Field: "reason", Message: "is required"})
	}
	return errs
}

// UpdateRequest is a partial appointment update. Nil fields are left
// untouched, both on the backend and when the update is overlaid locally.
type UpdateRequest struct {
	Date   *time.Time `json:"date,omitempty"`
	Reason *string    `json:"reason,omitempty"`
	Status *string    `json:"status,omitempty"`
}

// Apply overlays the update's non-nil fields onto an appointment.
func (r *UpdateRequest) Apply(a *Appointment) {
	if r.Date != nil {
		a.Date = *r.Date
	}
	if r.Reason != nil {
		a.Reason = *r.Reason
	}
	if r.Status != nil {
		a.Status = *r.Status
	}
}
