package readings

import (
	"time"

	"github.com/diabetactic/orchestrator/internal/validate"
)

// Reading is one glucose measurement.
type Reading struct {
	ID    int       `json:"id,omitempty"`
	Value float64   `json:"value"`
	Date  time.Time `json:"date"`

	// ClientID is the client-generated UUID assigned when the reading was
	// created locally before the backend confirmed it.
	ClientID string `json:"client_id,omitempty"`

	// LocallyModified marks entries overlaid or added from the local
	// mutation queue, for UI disclosure.
	LocallyModified bool `json:"_locallyModified,omitempty"`
}

// CreateRequest is the payload for creating a reading.
type CreateRequest struct {
	Value float64   `json:"value"`
	Date  time.Time `json:"date"`
}

// Validate checks the create request.
func (r *CreateRequest) Validate() []validate.FieldError {
	var errs []validate.FieldError
	if r.Value <= 0 {
		errs = append(errs, validate.FieldError{Field: "value", Message: "must be positive"})
	}
	if r.Date.IsZero() {
		errs = append(errs, validate.FieldError{Field: "date", Message: "is required"})
	}
	return errs
}

// Summary aggregates readings for sharing with an appointment.
type Summary struct {
	Count   int       `json:"count"`
	Average float64   `json:"average"`
	Min     float64   `json:"min"`
	Max     float64   `json:"max"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
}

// Summarize computes a summary over a set of readings. Empty input yields a
// zero summary.
func Summarize(rs []Reading) Summary {
	if len(rs) == 0 {
		return Summary{}
	}

	s := Summary{
		Count: len(rs),
		Min:   rs[0].Value,
		Max:   rs[0].Value,
		From:  rs[0].Date,
		To:    rs[0].Date,
	}

	var total float64
	for _, r := range rs {
		total += r.Value
		if r.Value < s.Min {
			s.Min = r.Value
		}
		if r.Value > s.Max {
			s.Max = r.Value
		}
		if r.Date.Before(s.From) {
			s.From = r.Date
		}
		if r.Date.After(s.To) {
			s.To = r.Date
		}
	}
	s.Average = total / float64(len(rs))
	return s
}
