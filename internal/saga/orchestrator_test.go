package saga_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diabetactic/orchestrator/internal/saga"
)

var errStepFailed = errors.New("step failed")

// recorder tracks step execution and compensation order.
type recorder struct {
	executed    []string
	compensated []string
}

func (r *recorder) step(name string, fail bool) saga.Step {
	return saga.Step{
		Name: name,
		Execute: func(ctx context.Context, ex *saga.Execution) (any, error) {
			r.executed = append(r.executed, name)
			if fail {
				return nil, errStepFailed
			}
			return name + "-result", nil
		},
		Compensate: func(ctx context.Context, ex *saga.Execution) error {
			r.compensated = append(r.compensated, name)
			return nil
		},
	}
}

func TestOrchestrator_RunCompletesAllSteps(t *testing.T) {
	rec := &recorder{}
	o := saga.NewOrchestrator(zerolog.Nop(), saga.Definition{
		Name:  "test",
		Steps: []saga.Step{rec.step("one", false), rec.step("two", false), rec.step("three", false)},
	})

	result, err := o.Run(context.Background(), "test", nil)
	require.NoError(t, err)

	assert.Equal(t, saga.StatusCompleted, result.Status)
	assert.Equal(t, []string{"one", "two", "three"}, rec.executed)
	assert.Equal(t, []string{"one", "two", "three"}, result.CompletedSteps)
	assert.Empty(t, rec.compensated)
	assert.Equal(t, "two-result", result.Results["two"])
	assert.NotEmpty(t, result.CorrelationID)
}

func TestOrchestrator_UnknownSaga(t *testing.T) {
	o := saga.NewOrchestrator(zerolog.Nop())
	_, err := o.Run(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, saga.ErrUnknownSaga)
}

func TestOrchestrator_FailureCompensatesInReverseOrder(t *testing.T) {
	rec := &recorder{}
	o := saga.NewOrchestrator(zerolog.Nop(), saga.Definition{
		Name:  "test",
		Steps: []saga.Step{rec.step("one", false), rec.step("two", false), rec.step("three", true)},
	})

	result, err := o.Run(context.Background(), "test", nil)
	require.NoError(t, err)

	assert.Equal(t, saga.StatusFailed, result.Status)
	assert.Equal(t, "three", result.FailedStep)
	assert.ErrorIs(t, result.Err, errStepFailed)
	assert.Equal(t, []string{"one", "two"}, result.CompletedSteps)
	assert.Equal(t, []string{"two", "one"}, rec.compensated, "compensation must run in reverse order")
	assert.Empty(t, result.CompensationErrors)
}

func TestOrchestrator_FailedStepIsNotCompensated(t *testing.T) {
	rec := &recorder{}
	o := saga.NewOrchestrator(zerolog.Nop(), saga.Definition{
		Name:  "test",
		Steps: []saga.Step{rec.step("only", true)},
	})

	result, err := o.Run(context.Background(), "test", nil)
	require.NoError(t, err)

	assert.Equal(t, saga.StatusFailed, result.Status)
	assert.Empty(t, rec.compensated, "a step that never completed has nothing to undo")
}

func TestOrchestrator_CompensationErrorsAreCollectedNotFatal(t *testing.T) {
	var compensated []string
	o := saga.NewOrchestrator(zerolog.Nop(), saga.Definition{
		Name: "test",
		Steps: []saga.Step{
			{
				Name:    "first",
				Execute: func(context.Context, *saga.Execution) (any, error) { return nil, nil },
				Compensate: func(context.Context, *saga.Execution) error {
					compensated = append(compensated, "first")
					return nil
				},
			},
			{
				Name:    "second",
				Execute: func(context.Context, *saga.Execution) (any, error) { return nil, nil },
				Compensate: func(context.Context, *saga.Execution) error {
					compensated = append(compensated, "second")
					return errors.New("undo blew up")
				},
			},
			{
				Name:    "third",
				Execute: func(context.Context, *saga.Execution) (any, error) { return nil, errStepFailed },
			},
		},
	})

	result, err := o.Run(context.Background(), "test", nil)
	require.NoError(t, err)

	assert.Equal(t, saga.StatusFailed, result.Status)
	// A failed compensation does not stop the remaining unwinding.
	assert.Equal(t, []string{"second", "first"}, compensated)
	require.Len(t, result.CompensationErrors, 1)
	assert.Equal(t, "second", result.CompensationErrors[0].Step)
}

func TestOrchestrator_PartialPolicyKeepsCompletedEffects(t *testing.T) {
	rec := &recorder{}
	failing := rec.step("second", true)
	failing.Policy = func(*saga.Execution) saga.FailurePolicy { return saga.FailPartial }

	o := saga.NewOrchestrator(zerolog.Nop(), saga.Definition{
		Name:  "test",
		Steps: []saga.Step{rec.step("first", false), failing},
	})

	result, err := o.Run(context.Background(), "test", nil)
	require.NoError(t, err)

	assert.Equal(t, saga.StatusPartial, result.Status)
	assert.Equal(t, "second", result.FailedStep)
	assert.ErrorIs(t, result.Err, errStepFailed)
	assert.Empty(t, rec.compensated, "partial outcome keeps completed effects")
	assert.Equal(t, "first-result", result.Results["first"])
}

func TestOrchestrator_StepPanicTriggersCompensation(t *testing.T) {
	rec := &recorder{}
	o := saga.NewOrchestrator(zerolog.Nop(), saga.Definition{
		Name: "test",
		Steps: []saga.Step{
			rec.step("first", false),
			{
				Name:    "panicky",
				Execute: func(context.Context, *saga.Execution) (any, error) { panic("boom") },
			},
		},
	})

	result, err := o.Run(context.Background(), "test", nil)
	require.NoError(t, err)

	assert.Equal(t, saga.StatusFailed, result.Status)
	assert.Contains(t, result.Err.Error(), "panicked")
	assert.Equal(t, []string{"first"}, rec.compensated)
}

func TestOrchestrator_CancelStopsAtStepBoundary(t *testing.T) {
	rec := &recorder{}
	o := saga.NewOrchestrator(zerolog.Nop())
	correlationID := o.NewCorrelationID()

	blocker := saga.Step{
		Name: "blocker",
		Execute: func(ctx context.Context, ex *saga.Execution) (any, error) {
			rec.executed = append(rec.executed, "blocker")
			// Cancellation lands while this step runs; it must finish and
			// the next step must never start.
			o.Cancel(correlationID)
			return nil, nil
		},
		Compensate: func(context.Context, *saga.Execution) error {
			rec.compensated = append(rec.compensated, "blocker")
			return nil
		},
	}
	o.Register(saga.Definition{
		Name:  "test",
		Steps: []saga.Step{rec.step("first", false), blocker, rec.step("never", false)},
	})

	result, err := o.RunCorrelated(context.Background(), "test", correlationID, nil)
	require.NoError(t, err)

	assert.Equal(t, saga.StatusFailed, result.Status)
	assert.ErrorIs(t, result.Err, saga.ErrCancelled)
	assert.Equal(t, []string{"first", "blocker"}, rec.executed)
	assert.NotContains(t, rec.executed, "never")
	assert.Equal(t, []string{"blocker", "first"}, rec.compensated)
}

func TestOrchestrator_ContextCancellationStopsSaga(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	rec := &recorder{}
	canceller := saga.Step{
		Name: "canceller",
		Execute: func(context.Context, *saga.Execution) (any, error) {
			cancel()
			return nil, nil
		},
	}

	o := saga.NewOrchestrator(zerolog.Nop(), saga.Definition{
		Name:  "test",
		Steps: []saga.Step{canceller, rec.step("never", false)},
	})

	result, err := o.Run(ctx, "test", nil)
	require.NoError(t, err)

	assert.Equal(t, saga.StatusFailed, result.Status)
	assert.ErrorIs(t, result.Err, saga.ErrCancelled)
	assert.Empty(t, rec.executed)
}

func TestStepResult_TypedAccess(t *testing.T) {
	o := saga.NewOrchestrator(zerolog.Nop(), saga.Definition{
		Name: "test",
		Steps: []saga.Step{
			{
				Name:    "produce",
				Execute: func(context.Context, *saga.Execution) (any, error) { return 42, nil },
			},
			{
				Name: "consume",
				Execute: func(ctx context.Context, ex *saga.Execution) (any, error) {
					n, err := saga.StepResult[int](ex, "produce")
					if err != nil {
						return nil, err
					}
					return n * 2, nil
				},
			},
		},
	})

	result, err := o.Run(context.Background(), "test", nil)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, result.Status)
	assert.Equal(t, 84, result.Results["consume"])
}

func TestInput_TypedAccessors(t *testing.T) {
	now := time.Now()
	in := saga.Input{"s": "hello", "b": true, "t": now}

	assert.Equal(t, "hello", in.String("s"))
	assert.Empty(t, in.String("missing"))
	assert.True(t, in.Bool("b"))
	assert.False(t, in.Bool("missing"))
	assert.Equal(t, now, in.Time("t"))
	assert.True(t, in.Time("missing").IsZero())
}
