package saga

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Named sagas registered by Definitions.
const (
	AuthAndSync         = "AUTH_AND_SYNC"
	FullSync            = "FULL_SYNC"
	AppointmentWithData = "APPOINTMENT_WITH_DATA"
	DataExport          = "DATA_EXPORT"
)

// Status is the lifecycle status of a saga execution.
type Status string

// Statuses.
const (
	StatusRunning      Status = "RUNNING"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusFailed       Status = "FAILED"

	// StatusPartial means a step failed after earlier steps produced
	// durable effects and the caller opted out of all-or-nothing
	// semantics: earlier results stand and the failure is surfaced.
	StatusPartial Status = "PARTIAL"
)

// FailurePolicy decides what a step failure does to the saga.
type FailurePolicy int

const (
	// FailCompensate unwinds already-completed steps in reverse order.
	FailCompensate FailurePolicy = iota

	// FailPartial stops the saga but keeps completed steps' effects,
	// reporting a partial result.
	FailPartial
)

// Step is one unit of a saga definition.
type Step struct {
	// Name identifies the step in results and logs.
	Name string

	// Idempotent marks steps the gateway may retry without duplicating
	// server-side effects. Non-idempotent steps must set NoRetry on their
	// own gateway calls; a failure there surfaces to the saga, never a
	// silent retry.
	Idempotent bool

	// Execute runs the step. Its return value is stored in the execution
	// under the step name for later steps.
	Execute func(ctx context.Context, ex *Execution) (any, error)

	// Compensate undoes the step after a later step fails. Optional;
	// read-only steps have nothing to undo.
	Compensate func(ctx context.Context, ex *Execution) error

	// Policy decides the failure handling for this step. Nil means
	// FailCompensate. Evaluated against the execution so the decision can
	// depend on saga input.
	Policy func(ex *Execution) FailurePolicy
}

// Definition is a named, ordered list of steps. Static; declared once.
type Definition struct {
	Name  string
	Steps []Step
}

// Input is the caller-supplied saga input.
type Input map[string]any

// String returns the string input under key, or "".
func (in Input) String(key string) string {
	s, _ := in[key].(string)
	return s
}

// Bool returns the bool input under key, or false.
func (in Input) Bool(key string) bool {
	b, _ := in[key].(bool)
	return b
}

// Time returns the time input under key, or the zero time.
func (in Input) Time(key string) time.Time {
	t, _ := in[key].(time.Time)
	return t
}

// Execution is the transient state of one saga invocation. It is discarded
// after the result is reported; failed sagas are safe to re-invoke because
// every step is idempotent or reversible.
type Execution struct {
	Saga          string
	CorrelationID string
	Input         Input

	mu        sync.Mutex
	status    Status
	completed []string
	results   map[string]any
}

func newExecution(saga, correlationID string, input Input) *Execution {
	if input == nil {
		input = Input{}
	}
	return &Execution{
		Saga:          saga,
		CorrelationID: correlationID,
		Input:         input,
		status:        StatusRunning,
		results:       make(map[string]any),
	}
}

// Result returns the stored result of a completed step.
func (ex *Execution) Result(step string) (any, bool) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	v, ok := ex.results[step]
	return v, ok
}

// Completed returns the names of completed steps in execution order.
func (ex *Execution) Completed() []string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	out := make([]string, len(ex.completed))
	copy(out, ex.completed)
	return out
}

// Status returns the current execution status.
func (ex *Execution) Status() Status {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.status
}

func (ex *Execution) complete(step string, result any) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.completed = append(ex.completed, step)
	ex.results[step] = result
}

func (ex *Execution) setStatus(s Status) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.status = s
}

func (ex *Execution) snapshotResults() map[string]any {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	out := make(map[string]any, len(ex.results))
	for k, v := range ex.results {
		out[k] = v
	}
	return out
}

// StepResult extracts a typed step result from an execution.
func StepResult[T any](ex *Execution, step string) (T, error) {
	var zero T
	v, ok := ex.Result(step)
	if !ok {
		return zero, fmt.Errorf("saga %s: step %q has no result", ex.Saga, step)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("saga %s: step %q result is %T", ex.Saga, step, v)
	}
	return typed, nil
}

// CompensationError records a compensating action that itself failed.
// Logged and surfaced, never silently dropped; it does not block unwinding
// the remaining steps.
type CompensationError struct {
	Step string
	Err  error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensating step %q: %v", e.Step, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// Result is the structured outcome of one saga invocation. A saga never
// reports COMPLETED while any step lacks a result.
type Result struct {
	Saga          string
	CorrelationID string
	Status        Status

	// CompletedSteps lists steps that finished, in order. For FAILED
	// results their effects have been compensated (best effort).
	CompletedSteps []string

	// FailedStep is the step that failed, if any.
	FailedStep string

	// Results holds per-step results for COMPLETED and PARTIAL outcomes.
	Results map[string]any

	// Err is the step failure, if any.
	Err error

	// CompensationErrors lists compensations that failed.
	CompensationErrors []*CompensationError
}
