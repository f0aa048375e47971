// Package validate provides the field-level validation error type shared by
// request models.
package validate

import "fmt"

// FieldError represents a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

// First returns the first error as a plain error, or nil.
func First(errs []FieldError) error {
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}
