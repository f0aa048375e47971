package mutation

import (
	"encoding/json"
	"time"
)

// EntityType identifies the entity a mutation targets.
type EntityType string

// Entity types.
const (
	EntityAppointment EntityType = "appointment"
	EntityReading     EntityType = "reading"
)

// Operation is the kind of local write.
type Operation string

// Operations.
const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpCancel Operation = "cancel"
)

// Status is the sync status of a mutation.
type Status string

// Statuses.
const (
	// StatusPending means the backend has not confirmed the write. Entries
	// for operations the backend does not support stay pending
	// indefinitely and are merged into reads instead.
	StatusPending Status = "PENDING"

	// StatusSynced means the backend confirmed persistence.
	StatusSynced Status = "SYNCED"

	// StatusFailed means a terminal failure (malformed payload rejected by
	// the backend). Failed entries are not retried.
	StatusFailed Status = "FAILED"
)

// Mutation is one locally-accepted write awaiting (or forever denied)
// backend confirmation.
type Mutation struct {
	// ID is the client-generated UUID.
	ID string `json:"id"`

	// Seq is the append order assigned by the store; drain replays in Seq
	// order.
	Seq uint64 `json:"seq"`

	// Entity is the target entity type.
	Entity EntityType `json:"entity"`

	// Op is the operation kind.
	Op Operation `json:"op"`

	// EntityID is the server-side ID for update/cancel operations. Zero
	// for creates.
	EntityID int `json:"entity_id,omitempty"`

	// Payload is the operation payload (a CreateRequest or UpdateRequest).
	Payload json.RawMessage `json:"payload,omitempty"`

	// CreatedAt is when the mutation was accepted locally.
	CreatedAt time.Time `json:"created_at"`

	// Status is the sync status.
	Status Status `json:"status"`

	// RetryCount counts failed sync attempts. Failed attempts keep the
	// entry pending; nothing is ever silently dropped.
	RetryCount int `json:"retry_count"`
}
