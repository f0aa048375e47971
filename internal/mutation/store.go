package mutation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

// Store is the durable, ordered mutation log. Appended from the single
// enqueue path and compacted only by drain, so there are never concurrent
// writers for one entry.
type Store interface {
	// Append persists a new mutation and assigns its Seq.
	Append(ctx context.Context, m *Mutation) error

	// List returns all mutations in append order.
	List(ctx context.Context) ([]*Mutation, error)

	// Update overwrites an existing mutation (status, retry count).
	Update(ctx context.Context, m *Mutation) error

	// Delete removes a mutation from the log.
	Delete(ctx context.Context, m *Mutation) error
}

const (
	logPrefix   = "mutation/"
	seqKey      = "mutation_seq"
	seqBandwith = 64
)

// BadgerStore persists the mutation log in an embedded BadgerDB, keyed by
// a monotonic sequence so iteration order is append order.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// NewBadgerStore creates a mutation store on an open BadgerDB handle.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	seq, err := db.GetSequence([]byte(seqKey), seqBandwith)
	if err != nil {
		return nil, fmt.Errorf("opening mutation sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

// Close releases the sequence lease. The caller owns the DB handle.
func (s *BadgerStore) Close() error {
	return s.seq.Release()
}

func logKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", logPrefix, seq))
}

// Append persists a new mutation and assigns its Seq.
func (s *BadgerStore) Append(_ context.Context, m *Mutation) error {
	seq, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("assigning mutation seq: %w", err)
	}
	m.Seq = seq

	value, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding mutation: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(logKey(seq), value)
	})
	if err != nil {
		return fmt.Errorf("appending mutation: %w", err)
	}
	return nil
}

// List returns all mutations in append order.
func (s *BadgerStore) List(_ context.Context) ([]*Mutation, error) {
	var mutations []*Mutation

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(logPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var m Mutation
				if err := json.Unmarshal(val, &m); err != nil {
					return fmt.Errorf("decoding mutation: %w", err)
				}
				mutations = append(mutations, &m)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mutations, nil
}

// Update overwrites an existing mutation.
func (s *BadgerStore) Update(_ context.Context, m *Mutation) error {
	value, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding mutation: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(logKey(m.Seq), value)
	})
	if err != nil {
		return fmt.Errorf("updating mutation: %w", err)
	}
	return nil
}

// Delete removes a mutation from the log.
func (s *BadgerStore) Delete(_ context.Context, m *Mutation) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(logKey(m.Seq))
	})
	if err != nil {
		return fmt.Errorf("deleting mutation: %w", err)
	}
	return nil
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu        sync.RWMutex
	nextSeq   uint64
	mutations map[uint64]*Mutation
}

// NewMemoryStore creates an empty in-memory mutation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{mutations: make(map[uint64]*Mutation)}
}

// Append persists a new mutation and assigns its Seq.
func (s *MemoryStore) Append(_ context.Context, m *Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Seq = s.nextSeq
	s.nextSeq++

	cpy := *m
	s.mutations[m.Seq] = &cpy
	return nil
}

// List returns all mutations in append order.
func (s *MemoryStore) List(_ context.Context) ([]*Mutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mutations := make([]*Mutation, 0, len(s.mutations))
	for _, m := range s.mutations {
		cpy := *m
		mutations = append(mutations, &cpy)
	}
	sort.Slice(mutations, func(i, j int) bool { return mutations[i].Seq < mutations[j].Seq })
	return mutations, nil
}

// Update overwrites an existing mutation.
func (s *MemoryStore) Update(_ context.Context, m *Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cpy := *m
	s.mutations[m.Seq] = &cpy
	return nil
}

// Delete removes a mutation.
func (s *MemoryStore) Delete(_ context.Context, m *Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mutations, m.Seq)
	return nil
}

// Ensure implementations satisfy Store.
var (
	_ Store = (*BadgerStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
