package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/diabetactic/orchestrator/internal/appointments"
	"github.com/diabetactic/orchestrator/internal/gateway"
	"github.com/diabetactic/orchestrator/internal/localdata"
	"github.com/diabetactic/orchestrator/internal/mutation"
	"github.com/diabetactic/orchestrator/internal/profile"
	"github.com/diabetactic/orchestrator/internal/readings"
	"github.com/diabetactic/orchestrator/internal/token"
	"github.com/diabetactic/orchestrator/internal/validate"
)

// Input keys understood by the built-in saga definitions.
const (
	InputUsername     = "username"
	InputPassword     = "password"
	InputDate         = "date"
	InputReason       = "reason"
	InputAllOrNothing = "all_or_nothing"
	InputFrom         = "from"
	InputTo           = "to"
)

// Step names exposed in results.
const (
	StepLogin             = "login"
	StepFetchProfile      = "fetch_profile"
	StepFetchReadings     = "fetch_readings"
	StepFetchAppointments = "fetch_appointments"
	StepDrainMutations    = "drain_mutations"
	StepMergeLocal        = "merge_local"
	StepPersistSnapshot   = "persist_snapshot"
	StepCreateAppointment = "create_appointment"
	StepShareGlucose      = "share_glucose"
	StepAssembleExport    = "assemble_export"
)

// Deps holds the clients the built-in saga definitions operate on.
type Deps struct {
	Tokens       *token.Manager
	Profile      *profile.Client
	Readings     *readings.Client
	Appointments *appointments.Client
	Queue        *mutation.Queue
	Cache        *localdata.Cache
	Logger       zerolog.Logger
}

// Definitions returns the built-in saga definitions bound to deps.
func Definitions(deps Deps) []Definition {
	return []Definition{
		authAndSync(deps),
		fullSync(deps),
		appointmentWithData(deps),
		dataExport(deps),
	}
}

// authAndSync logs the user in and pulls their initial data set. The login
// step has no compensation: a sync failure after a successful login leaves
// the user logged in with whatever data did arrive, which beats forcing
// them back to the password prompt.
func authAndSync(deps Deps) Definition {
	return Definition{
		Name: AuthAndSync,
		Steps: []Step{
			{
				Name: StepLogin,
				Execute: func(ctx context.Context, ex *Execution) (any, error) {
					username := ex.Input.String(InputUsername)
					password := ex.Input.String(InputPassword)
					if username == "" || password == "" {
						return nil, errors.New("username and password are required")
					}
					if err := deps.Tokens.Login(ctx, username, password); err != nil {
						return nil, err
					}
					return username, nil
				},
				Policy: alwaysCompensate,
			},
			{
				Name:       StepFetchProfile,
				Idempotent: true,
				Execute: func(ctx context.Context, ex *Execution) (any, error) {
					return deps.Profile.Me(ctx)
				},
				Policy: partialUnlessAllOrNothing,
			},
			{
				Name:       StepFetchReadings,
				Idempotent: true,
				Execute: func(ctx context.Context, ex *Execution) (any, error) {
					return deps.Readings.Mine(ctx)
				},
				Policy: partialUnlessAllOrNothing,
			},
			{
				Name:       StepFetchAppointments,
				Idempotent: true,
				Execute: func(ctx context.Context, ex *Execution) (any, error) {
					return deps.Appointments.Mine(ctx)
				},
				Policy: partialUnlessAllOrNothing,
			},
			persistSnapshotStep(deps),
		},
	}
}

// fullSync pushes pending local mutations, pulls the authoritative data,
// overlays what the backend could not take, and persists the merged view.
func fullSync(deps Deps) Definition {
	return Definition{
		Name: FullSync,
		Steps: []Step{
			{
				Name:       StepDrainMutations,
				Idempotent: true,
				Execute: func(ctx context.Context, ex *Execution) (any, error) {
					return deps.Queue.Drain(ctx)
				},
			},
			{
				Name:       StepFetchReadings,
				Idempotent: true,
				Execute: func(ctx context.Context, ex *Execution) (any, error) {
					return deps.Readings.Mine(ctx)
				},
			},
			{
				Name:       StepFetchAppointments,
				Idempotent: true,
				Execute: func(ctx context.Context, ex *Execution) (any, error) {
					return deps.Appointments.Mine(ctx)
				},
			},
			{
				Name:       StepMergeLocal,
				Idempotent: true,
				Execute: func(ctx context.Context, ex *Execution) (any, error) {
					return mergeLocal(ctx, deps, ex)
				},
			},
			persistSnapshotStep(deps),
		},
	}
}

// appointmentWithData books an appointment and shares a glucose summary
// with it. By default a share failure yields a partial result: the booked
// appointment stands, because silently unbooking a slot the user asked for
// is worse than an appointment without attached data. Passing
// all_or_nothing=true opts into compensation, cancelling the appointment
// when the share fails.
func appointmentWithData(deps Deps) Definition {
	return Definition{
		Name: AppointmentWithData,
		Steps: []Step{
			{
				Name: StepCreateAppointment,
				Execute: func(ctx context.Context, ex *Execution) (any, error) {
					req := appointments.CreateRequest{
						Date:   ex.Input.Time(InputDate),
						Reason: ex.Input.String(InputReason),
					}
					if err := validate.First(req.Validate()); err != nil {
						return nil, err
					}
					return deps.Appointments.Create(ctx, req)
				},
				Compensate: func(ctx context.Context, ex *Execution) error {
					return cancelCreatedAppointment(ctx, deps, ex)
				},
			},
			{
				Name:       StepShareGlucose,
				Idempotent: true,
				Execute: func(ctx context.Context, ex *Execution) (any, error) {
					appt, err := StepResult[*appointments.Appointment](ex, StepCreateAppointment)
					if err != nil {
						return nil, err
					}
					rs, err := deps.Readings.Mine(ctx)
					if err != nil {
						return nil, err
					}
					summary := readings.Summarize(rs)
					err = deps.Readings.Share(ctx, readings.ShareRequest{
						AppointmentID: appt.ID,
						Summary:       summary,
					})
					if err != nil {
						return nil, err
					}
					return summary, nil
				},
				Policy: partialUnlessAllOrNothing,
			},
		},
	}
}

// ExportPackage is the assembled DATA_EXPORT result handed to the UI for
// download or sharing.
type ExportPackage struct {
	GeneratedAt  time.Time                  `json:"generated_at"`
	From         time.Time                  `json:"from"`
	To           time.Time                  `json:"to"`
	Readings     []readings.Reading         `json:"readings"`
	Summary      readings.Summary           `json:"summary"`
	Appointments []appointments.Appointment `json:"appointments"`
}

// dataExport fetches readings and appointments for a date range and
// assembles them into an export package. All steps are read-only, so there
// is nothing to compensate.
func dataExport(deps Deps) Definition {
	return Definition{
		Name: DataExport,
		Steps: []Step{
			{
				Name:       StepFetchReadings,
				Idempotent: true,
				Execute: func(ctx context.Context, ex *Execution) (any, error) {
					from, to, err := exportRange(ex)
					if err != nil {
						return nil, err
					}
					return deps.Readings.MineInRange(ctx, from, to)
				},
			},
			{
				Name:       StepFetchAppointments,
				Idempotent: true,
				Execute: func(ctx context.Context, ex *Execution) (any, error) {
					from, to, err := exportRange(ex)
					if err != nil {
						return nil, err
					}
					return deps.Appointments.MineInRange(ctx, from, to)
				},
			},
			{
				Name:       StepAssembleExport,
				Idempotent: true,
				Execute: func(ctx context.Context, ex *Execution) (any, error) {
					rs, err := StepResult[[]readings.Reading](ex, StepFetchReadings)
					if err != nil {
						return nil, err
					}
					appts, err := StepResult[[]appointments.Appointment](ex, StepFetchAppointments)
					if err != nil {
						return nil, err
					}
					from, to, _ := exportRange(ex)
					return &ExportPackage{
						GeneratedAt:  time.Now(),
						From:         from,
						To:           to,
						Readings:     rs,
						Summary:      readings.Summarize(rs),
						Appointments: appts,
					}, nil
				},
			},
		},
	}
}

func persistSnapshotStep(deps Deps) Step {
	return Step{
		Name:       StepPersistSnapshot,
		Idempotent: true,
		Execute: func(ctx context.Context, ex *Execution) (any, error) {
			snap := &localdata.Snapshot{SyncedAt: time.Now()}
			if merged, err := StepResult[*localdata.Snapshot](ex, StepMergeLocal); err == nil {
				snap.Readings = merged.Readings
				snap.Appointments = merged.Appointments
			} else {
				if rs, err := StepResult[[]readings.Reading](ex, StepFetchReadings); err == nil {
					snap.Readings = rs
				}
				if appts, err := StepResult[[]appointments.Appointment](ex, StepFetchAppointments); err == nil {
					snap.Appointments = appts
				}
			}
			if err := deps.Cache.Save(ctx, snap); err != nil {
				return nil, err
			}
			return snap, nil
		},
		// A stale snapshot is better than none; nothing to undo either way.
		Policy: partialUnlessAllOrNothing,
	}
}

// mergeLocal overlays pending mutations onto the fetched server data.
func mergeLocal(ctx context.Context, deps Deps, ex *Execution) (*localdata.Snapshot, error) {
	serverReadings, err := StepResult[[]readings.Reading](ex, StepFetchReadings)
	if err != nil {
		return nil, err
	}
	serverAppointments, err := StepResult[[]appointments.Appointment](ex, StepFetchAppointments)
	if err != nil {
		return nil, err
	}

	pendingReadings, err := deps.Queue.Pending(ctx, mutation.EntityReading)
	if err != nil {
		return nil, err
	}
	pendingAppointments, err := deps.Queue.Pending(ctx, mutation.EntityAppointment)
	if err != nil {
		return nil, err
	}

	return &localdata.Snapshot{
		Readings:     mutation.MergeReadings(serverReadings, pendingReadings),
		Appointments: mutation.MergeAppointments(serverAppointments, pendingAppointments),
		SyncedAt:     time.Now(),
	}, nil
}

// cancelCreatedAppointment undoes a booked appointment. When the backend
// does not support cancellation, the cancel is queued locally so the
// appointment disappears from merged reads and replays if the backend ever
// grows the endpoint.
func cancelCreatedAppointment(ctx context.Context, deps Deps, ex *Execution) error {
	appt, err := StepResult[*appointments.Appointment](ex, StepCreateAppointment)
	if err != nil {
		return err
	}

	err = deps.Appointments.Cancel(ctx, appt.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gateway.ErrUnsupportedOperation) {
		return fmt.Errorf("cancelling appointment %d: %w", appt.ID, err)
	}

	deps.Logger.Info().
		Int("appointment_id", appt.ID).
		Msg("backend cannot cancel appointments, queuing local cancel")
	if _, qErr := deps.Queue.Enqueue(ctx, mutation.EntityAppointment, mutation.OpCancel, appt.ID, nil); qErr != nil {
		return fmt.Errorf("queuing local cancel for appointment %d: %w", appt.ID, qErr)
	}
	return nil
}

func exportRange(ex *Execution) (time.Time, time.Time, error) {
	from := ex.Input.Time(InputFrom)
	to := ex.Input.Time(InputTo)
	if to.IsZero() {
		to = time.Now()
	}
	if from.IsZero() {
		from = to.AddDate(0, -3, 0)
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("export range start %s is not before end %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return from, to, nil
}

func alwaysCompensate(*Execution) FailurePolicy { return FailCompensate }

func partialUnlessAllOrNothing(ex *Execution) FailurePolicy {
	if ex.Input.Bool(InputAllOrNothing) {
		return FailCompensate
	}
	return FailPartial
}
