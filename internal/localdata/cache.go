// Package localdata persists the last merged readings/appointments view so
// the app can keep showing data while the backend services are down.
package localdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/diabetactic/orchestrator/internal/appointments"
	"github.com/diabetactic/orchestrator/internal/readings"
)

// ErrNoSnapshot is returned when no snapshot has been saved yet.
var ErrNoSnapshot = errors.New("no local snapshot")

const snapshotKey = "localdata/snapshot"

// Snapshot is the merged view produced by a full sync.
type Snapshot struct {
	Readings     []readings.Reading         `json:"readings"`
	Appointments []appointments.Appointment `json:"appointments"`
	SyncedAt     time.Time                  `json:"synced_at"`
}

// Cache stores the snapshot in an embedded BadgerDB.
type Cache struct {
	db *badger.DB
}

// NewCache creates a snapshot cache on an open BadgerDB handle.
func NewCache(db *badger.DB) *Cache {
	return &Cache{db: db}
}

// Save overwrites the stored snapshot.
func (c *Cache) Save(_ context.Context, snap *Snapshot) error {
	value, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(snapshotKey), value)
	})
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// Load returns the stored snapshot, or ErrNoSnapshot.
func (c *Cache) Load(_ context.Context) (*Snapshot, error) {
	var snap Snapshot
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(snapshotKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	return &snap, nil
}
