package mutation_test

import (
	"context"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diabetactic/orchestrator/internal/mutation"
)

func mutationStores(t *testing.T) map[string]mutation.Store {
	t.Helper()

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	badgerStore, err := mutation.NewBadgerStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = badgerStore.Close() })

	return map[string]mutation.Store{
		"badger": badgerStore,
		"memory": mutation.NewMemoryStore(),
	}
}

func TestStore_AppendAssignsMonotonicSeq(t *testing.T) {
	for name, store := range mutationStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			a := &mutation.Mutation{ID: "a", Entity: mutation.EntityReading, Op: mutation.OpCreate, CreatedAt: time.Now(), Status: mutation.StatusPending}
			b := &mutation.Mutation{ID: "b", Entity: mutation.EntityReading, Op: mutation.OpCreate, CreatedAt: time.Now(), Status: mutation.StatusPending}

			require.NoError(t, store.Append(ctx, a))
			require.NoError(t, store.Append(ctx, b))
			assert.Greater(t, b.Seq, a.Seq)

			listed, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, listed, 2)
			assert.Equal(t, "a", listed[0].ID, "list order is append order")
			assert.Equal(t, "b", listed[1].ID)
		})
	}
}

func TestStore_UpdatePersistsStatusAndRetryCount(t *testing.T) {
	for name, store := range mutationStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			m := &mutation.Mutation{ID: "m", Entity: mutation.EntityAppointment, Op: mutation.OpCancel, EntityID: 4, Status: mutation.StatusPending}
			require.NoError(t, store.Append(ctx, m))

			m.RetryCount = 2
			m.Status = mutation.StatusFailed
			require.NoError(t, store.Update(ctx, m))

			listed, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, listed, 1)
			assert.Equal(t, 2, listed[0].RetryCount)
			assert.Equal(t, mutation.StatusFailed, listed[0].Status)
		})
	}
}

func TestStore_DeleteRemovesEntry(t *testing.T) {
	for name, store := range mutationStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			keep := &mutation.Mutation{ID: "keep", Entity: mutation.EntityReading, Op: mutation.OpCreate, Status: mutation.StatusPending}
			drop := &mutation.Mutation{ID: "drop", Entity: mutation.EntityReading, Op: mutation.OpCreate, Status: mutation.StatusPending}
			require.NoError(t, store.Append(ctx, keep))
			require.NoError(t, store.Append(ctx, drop))

			require.NoError(t, store.Delete(ctx, drop))

			listed, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, listed, 1)
			assert.Equal(t, "keep", listed[0].ID)
		})
	}
}
