// Package mutation implements the local mutation queue: a durable, ordered
// log of user writes the backend has not confirmed, replayed
// opportunistically and merged into subsequent reads. The UI never blocks
// on network for a write; it blocks on an append to this log.
package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/diabetactic/orchestrator/internal/appointments"
	"github.com/diabetactic/orchestrator/internal/gateway"
	"github.com/diabetactic/orchestrator/internal/readings"
)

// capability identifies one backend operation for the unsupported-cache.
type capability struct {
	Entity EntityType
	Op     Operation
}

// QueueConfig holds configuration for the mutation queue.
type QueueConfig struct {
	// Store is the durable mutation log. Required.
	Store Store

	// Appointments client used to replay appointment mutations.
	Appointments *appointments.Client

	// Readings client used to replay reading mutations.
	Readings *readings.Client

	// Logger for drain outcomes.
	Logger zerolog.Logger
}

// Queue accepts local writes immediately and replays them against the
// backend when Drain runs. Operations the backend reports unsupported are
// cached and never re-attempted; their entries stay pending and are merged
// into reads instead.
type Queue struct {
	store        Store
	appointments *appointments.Client
	readings     *readings.Client
	logger       zerolog.Logger

	mu          sync.RWMutex
	unsupported map[capability]bool
}

// NewQueue creates a mutation queue.
func NewQueue(cfg QueueConfig) *Queue {
	return &Queue{
		store:        cfg.Store,
		appointments: cfg.Appointments,
		readings:     cfg.Readings,
		logger:       cfg.Logger,
		unsupported:  make(map[capability]bool),
	}
}

// Enqueue accepts a local write. The payload is the operation's request
// model (appointments.UpdateRequest, readings.CreateRequest, ...). Returns
// as soon as the entry is durable; no network is involved.
func (q *Queue) Enqueue(ctx context.Context, entity EntityType, op Operation, entityID int, payload any) (*Mutation, error) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding mutation payload: %w", err)
		}
		raw = encoded
	}

	m := &Mutation{
		ID:        uuid.New().String(),
		Entity:    entity,
		Op:        op,
		EntityID:  entityID,
		Payload:   raw,
		CreatedAt: time.Now(),
		Status:    StatusPending,
	}

	if err := q.store.Append(ctx, m); err != nil {
		return nil, err
	}

	q.logger.Debug().
		Str("mutation_id", m.ID).
		Str("entity", string(entity)).
		Str("op", string(op)).
		Msg("mutation enqueued")
	return m, nil
}

// Pending returns the pending mutations in append order, optionally
// filtered by entity type (empty means all).
func (q *Queue) Pending(ctx context.Context, entity EntityType) ([]*Mutation, error) {
	all, err := q.store.List(ctx)
	if err != nil {
		return nil, err
	}

	pending := make([]*Mutation, 0, len(all))
	for _, m := range all {
		if m.Status != StatusPending {
			continue
		}
		if entity != "" && m.Entity != entity {
			continue
		}
		pending = append(pending, m)
	}
	return pending, nil
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Synced      int
	Unsupported int
	Failed      int
	Skipped     int
}

// Drain replays pending mutations in FIFO order. A failed entry blocks
// later entries for the same entity instance (ordering must hold per
// entity) but not entries for other entities. Entries are deleted only
// after the backend confirms persistence; unsupported operations stay
// pending forever and feed the read-path merge instead.
func (q *Queue) Drain(ctx context.Context) (*DrainResult, error) {
	pending, err := q.Pending(ctx, "")
	if err != nil {
		return nil, err
	}

	result := &DrainResult{}

	type instance struct {
		entity EntityType
		id     int
	}
	blocked := make(map[instance]bool)

	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		key := instance{entity: m.Entity, id: m.EntityID}
		if blocked[key] {
			result.Skipped++
			continue
		}

		if q.isUnsupported(m.Entity, m.Op) {
			result.Unsupported++
			continue
		}

		err := q.replay(ctx, m)
		switch {
		case err == nil:
			m.Status = StatusSynced
			if delErr := q.store.Delete(ctx, m); delErr != nil {
				return result, delErr
			}
			result.Synced++
			q.logger.Debug().
				Str("mutation_id", m.ID).
				Msg("mutation synced")

		case errors.Is(err, gateway.ErrUnsupportedOperation):
			q.markUnsupported(m.Entity, m.Op)
			result.Unsupported++
			q.logger.Info().
				Str("entity", string(m.Entity)).
				Str("op", string(m.Op)).
				Msg("backend does not support operation, keeping mutation local")

		default:
			m.RetryCount++
			if updErr := q.store.Update(ctx, m); updErr != nil {
				return result, updErr
			}
			blocked[key] = true
			result.Failed++
			q.logger.Warn().
				Err(err).
				Str("mutation_id", m.ID).
				Int("retry_count", m.RetryCount).
				Msg("mutation sync failed, will retry")
		}
	}

	return result, nil
}

// replay applies one mutation against the backend.
func (q *Queue) replay(ctx context.Context, m *Mutation) error {
	switch m.Entity {
	case EntityAppointment:
		return q.replayAppointment(ctx, m)
	case EntityReading:
		return q.replayReading(ctx, m)
	default:
		return fmt.Errorf("unknown mutation entity %q", m.Entity)
	}
}

func (q *Queue) replayAppointment(ctx context.Context, m *Mutation) error {
	switch m.Op {
	case OpUpdate:
		var req appointments.UpdateRequest
		if err := json.Unmarshal(m.Payload, &req); err != nil {
			return fmt.Errorf("decoding appointment update: %w", err)
		}
		return q.appointments.Update(ctx, m.EntityID, req)
	case OpCancel:
		return q.appointments.Cancel(ctx, m.EntityID)
	case OpCreate:
		var req appointments.CreateRequest
		if err := json.Unmarshal(m.Payload, &req); err != nil {
			return fmt.Errorf("decoding appointment create: %w", err)
		}
		_, err := q.appointments.Create(ctx, req)
		return err
	default:
		return fmt.Errorf("unknown appointment operation %q", m.Op)
	}
}

func (q *Queue) replayReading(ctx context.Context, m *Mutation) error {
	switch m.Op {
	case OpCreate:
		var req readings.CreateRequest
		if err := json.Unmarshal(m.Payload, &req); err != nil {
			return fmt.Errorf("decoding reading create: %w", err)
		}
		_, err := q.readings.Create(ctx, req)
		return err
	default:
		return fmt.Errorf("unknown reading operation %q", m.Op)
	}
}

func (q *Queue) isUnsupported(entity EntityType, op Operation) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.unsupported[capability{Entity: entity, Op: op}]
}

func (q *Queue) markUnsupported(entity EntityType, op Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.unsupported[capability{Entity: entity, Op: op}] = true
}
