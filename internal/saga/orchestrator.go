// Package saga coordinates multi-service workflows as sagas: ordered steps
// with per-step compensations, unwound in reverse when a later step fails.
// Executions are in-memory only; durability comes from each step being
// idempotent or reversible, so a failed saga is simply re-invoked.
package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Saga errors.
var (
	ErrUnknownSaga = errors.New("unknown saga")
	ErrCancelled   = errors.New("saga cancelled")
)

// Orchestrator runs registered saga definitions one step at a time.
type Orchestrator struct {
	logger zerolog.Logger
	tracer trace.Tracer

	mu          sync.Mutex
	definitions map[string]Definition
	cancelled   map[string]bool
}

// NewOrchestrator creates an orchestrator with the given definitions
// registered.
func NewOrchestrator(logger zerolog.Logger, defs ...Definition) *Orchestrator {
	o := &Orchestrator{
		logger:      logger.With().Str("component", "saga").Logger(),
		tracer:      otel.Tracer("saga"),
		definitions: make(map[string]Definition, len(defs)),
		cancelled:   make(map[string]bool),
	}
	for _, def := range defs {
		o.definitions[def.Name] = def
	}
	return o
}

// Register adds or replaces a saga definition.
func (o *Orchestrator) Register(def Definition) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.definitions[def.Name] = def
}

// NewCorrelationID returns a fresh correlation ID for use with
// RunCorrelated, so the caller can cancel the saga while it runs.
func (o *Orchestrator) NewCorrelationID() string {
	return uuid.New().String()
}

// Cancel flags a running saga for cooperative cancellation. The flag is
// checked at step boundaries: the in-flight step finishes, no further step
// starts, and completed steps are compensated.
func (o *Orchestrator) Cancel(correlationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelled[correlationID] = true
}

// Run executes a registered saga under a fresh correlation ID.
func (o *Orchestrator) Run(ctx context.Context, name string, input Input) (*Result, error) {
	return o.RunCorrelated(ctx, name, o.NewCorrelationID(), input)
}

// RunCorrelated executes a registered saga under a caller-chosen
// correlation ID. Steps run strictly sequentially; on a step failure,
// completed steps are compensated in reverse order, best effort.
func (o *Orchestrator) RunCorrelated(ctx context.Context, name, correlationID string, input Input) (*Result, error) {
	o.mu.Lock()
	def, ok := o.definitions[name]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSaga, name)
	}

	defer func() {
		o.mu.Lock()
		delete(o.cancelled, correlationID)
		o.mu.Unlock()
	}()

	ctx, span := o.tracer.Start(ctx, "saga.run", trace.WithAttributes(
		attribute.String("saga.name", name),
		attribute.String("saga.correlation_id", correlationID),
	))
	defer span.End()

	logger := o.logger.With().
		Str("saga", name).
		Str("correlation_id", correlationID).
		Logger()
	logger.Info().Msg("saga started")

	ex := newExecution(name, correlationID, input)

	for _, step := range def.Steps {
		if err := o.checkCancelled(ctx, correlationID); err != nil {
			logger.Warn().Str("step", step.Name).Msg("saga cancelled before step")
			span.SetStatus(codes.Error, err.Error())
			return o.unwind(ctx, def, ex, step.Name, err, logger), nil
		}

		logger.Debug().Str("step", step.Name).Msg("step started")
		result, err := o.runStep(ctx, step, ex)
		if err != nil {
			logger.Warn().Err(err).Str("step", step.Name).Msg("step failed")
			span.SetStatus(codes.Error, err.Error())

			if o.failurePolicy(step, ex) == FailPartial {
				ex.setStatus(StatusPartial)
				logger.Info().Str("step", step.Name).Msg("saga finished partially")
				return &Result{
					Saga:           name,
					CorrelationID:  correlationID,
					Status:         StatusPartial,
					CompletedSteps: ex.Completed(),
					FailedStep:     step.Name,
					Results:        ex.snapshotResults(),
					Err:            err,
				}, nil
			}
			return o.unwind(ctx, def, ex, step.Name, err, logger), nil
		}
		ex.complete(step.Name, result)
		logger.Debug().Str("step", step.Name).Msg("step completed")
	}

	ex.setStatus(StatusCompleted)
	logger.Info().Msg("saga completed")
	return &Result{
		Saga:           name,
		CorrelationID:  correlationID,
		Status:         StatusCompleted,
		CompletedSteps: ex.Completed(),
		Results:        ex.snapshotResults(),
	}, nil
}

// runStep executes one step under its own span, converting panics into
// step errors so a misbehaving step still triggers compensation.
func (o *Orchestrator) runStep(ctx context.Context, step Step, ex *Execution) (result any, err error) {
	ctx, span := o.tracer.Start(ctx, "saga.step", trace.WithAttributes(
		attribute.String("saga.step", step.Name),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %q panicked: %v", step.Name, r)
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return step.Execute(ctx, ex)
}

func (o *Orchestrator) failurePolicy(step Step, ex *Execution) FailurePolicy {
	if step.Policy == nil {
		return FailCompensate
	}
	return step.Policy(ex)
}

func (o *Orchestrator) checkCancelled(ctx context.Context, correlationID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelled[correlationID] {
		return ErrCancelled
	}
	return nil
}

// unwind compensates completed steps in reverse order. Compensation errors
// are collected and surfaced, not retried; a failed compensation does not
// stop the remaining ones.
func (o *Orchestrator) unwind(ctx context.Context, def Definition, ex *Execution, failedStep string, cause error, logger zerolog.Logger) *Result {
	ex.setStatus(StatusCompensating)

	steps := make(map[string]Step, len(def.Steps))
	for _, s := range def.Steps {
		steps[s.Name] = s
	}

	completed := ex.Completed()
	var compErrs []*CompensationError

	for i := len(completed) - 1; i >= 0; i-- {
		step := steps[completed[i]]
		if step.Compensate == nil {
			continue
		}

		logger.Info().Str("step", step.Name).Msg("compensating step")
		if err := step.Compensate(ctx, ex); err != nil {
			compErrs = append(compErrs, &CompensationError{Step: step.Name, Err: err})
			logger.Error().Err(err).Str("step", step.Name).Msg("compensation failed")
		}
	}

	ex.setStatus(StatusFailed)
	logger.Info().Int("compensation_errors", len(compErrs)).Msg("saga failed")

	return &Result{
		Saga:               ex.Saga,
		CorrelationID:      ex.CorrelationID,
		Status:             StatusFailed,
		CompletedSteps:     completed,
		FailedStep:         failedStep,
		Err:                cause,
		CompensationErrors: compErrs,
	}
}
