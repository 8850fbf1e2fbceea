package client

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyplan/server/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func itemsCollection(t *testing.T) models.Collection {
	t.Helper()
	col, ok := models.CollectionByName("items")
	require.True(t, ok)
	return col
}

func TestStoreLocalEdits(t *testing.T) {
	store := newTestStore(t)
	col := itemsCollection(t)
	ctx := context.Background()

	t.Run("put stores the document and queues a creation", func(t *testing.T) {
		err := store.Put(ctx, col, models.ReplicatedDocument{"id": "item-1", "title": "Chemistry notes"})
		require.NoError(t, err)

		doc, err := store.Get(ctx, col, "item-1")
		require.NoError(t, err)
		require.NotNil(t, doc)
		assert.Equal(t, "Chemistry notes", doc["title"])

		pending, err := store.PendingChanges(ctx, col, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "item-1", pending[0].DocID)
		assert.Nil(t, pending[0].Row.AssumedMasterState, "creations carry no assumed state")
	})

	t.Run("put rejects a document without the key field", func(t *testing.T) {
		err := store.Put(ctx, col, models.ReplicatedDocument{"title": "nameless"})
		assert.Error(t, err)
	})

	t.Run("repeated edits collapse to one pending change", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, col, models.ReplicatedDocument{"id": "item-1", "title": "v2"}))
		require.NoError(t, store.Put(ctx, col, models.ReplicatedDocument{"id": "item-1", "title": "v3"}))

		pending, err := store.PendingChanges(ctx, col, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "v3", pending[0].Row.NewDocumentState["title"])
		assert.Nil(t, pending[0].Row.AssumedMasterState,
			"the queue keeps the original anchor, here still a creation")
	})

	t.Run("delete queues a tombstone", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, col, "item-1"))

		doc, err := store.Get(ctx, col, "item-1")
		require.NoError(t, err)
		assert.Nil(t, doc, "deleted documents disappear from reads")

		pending, err := store.PendingChanges(ctx, col, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.True(t, pending[0].Row.NewDocumentState.IsDeleted())
	})

	t.Run("delete of an unknown document is a no-op", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, col, "never-existed"))
	})
}

func TestStoreEditAnchorsOnReplicatedState(t *testing.T) {
	store := newTestStore(t)
	col := itemsCollection(t)
	ctx := context.Background()

	serverDoc := models.ReplicatedDocument{
		"id": "item-1", "_deleted": false, "title": "from server",
		"serverTimestamp": "2026-01-01T00:00:00Z",
	}
	require.NoError(t, store.ApplyPull(ctx, col, []models.ReplicatedDocument{serverDoc},
		models.Checkpoint{ID: "item-1", ServerTimestamp: "2026-01-01T00:00:00Z"}))

	require.NoError(t, store.Put(ctx, col, models.ReplicatedDocument{"id": "item-1", "title": "local edit"}))

	pending, err := store.PendingChanges(ctx, col, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].Row.AssumedMasterState)
	assert.Equal(t, "from server", pending[0].Row.AssumedMasterState["title"],
		"the assumed master is the last replicated state")
}

func TestStoreApplyPull(t *testing.T) {
	store := newTestStore(t)
	col := itemsCollection(t)
	ctx := context.Background()

	t.Run("writes documents and the checkpoint atomically", func(t *testing.T) {
		docs := []models.ReplicatedDocument{
			{"id": "item-1", "_deleted": false, "title": "one"},
			{"id": "item-2", "_deleted": false, "title": "two"},
		}
		cp := models.Checkpoint{ID: "item-2", ServerTimestamp: "2026-01-01T00:00:00Z"}
		require.NoError(t, store.ApplyPull(ctx, col, docs, cp))

		list, err := store.List(ctx, col)
		require.NoError(t, err)
		assert.Len(t, list, 2)

		stored, err := store.Checkpoint(ctx, col)
		require.NoError(t, err)
		assert.Equal(t, cp, stored)
	})

	t.Run("tombstones remove documents from reads", func(t *testing.T) {
		require.NoError(t, store.ApplyPull(ctx, col, []models.ReplicatedDocument{
			{"id": "item-1", "_deleted": true, "title": "one"},
		}, models.Checkpoint{ID: "item-1", ServerTimestamp: "2026-01-01T00:00:01Z"}))

		doc, err := store.Get(ctx, col, "item-1")
		require.NoError(t, err)
		assert.Nil(t, doc)
	})

	t.Run("pulled documents do not clobber pending local edits", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, col, models.ReplicatedDocument{"id": "item-2", "title": "local wins for now"}))

		require.NoError(t, store.ApplyPull(ctx, col, []models.ReplicatedDocument{
			{"id": "item-2", "_deleted": false, "title": "remote update"},
		}, models.Checkpoint{ID: "item-2", ServerTimestamp: "2026-01-01T00:00:02Z"}))

		doc, err := store.Get(ctx, col, "item-2")
		require.NoError(t, err)
		assert.Equal(t, "local wins for now", doc["title"],
			"the push cycle settles the disagreement, not the pull")
	})

	t.Run("checkpoint starts empty", func(t *testing.T) {
		other, ok := models.CollectionByName("semesters")
		require.True(t, ok)
		cp, err := store.Checkpoint(ctx, other)
		require.NoError(t, err)
		assert.Empty(t, cp.ID)
		assert.Empty(t, cp.ServerTimestamp)
	})
}

func TestStoreApplyConflict(t *testing.T) {
	store := newTestStore(t)
	col := itemsCollection(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, col, models.ReplicatedDocument{"id": "item-1", "title": "doomed local edit"}))

	winner := models.ReplicatedDocument{
		"id": "item-1", "_deleted": false, "title": "server truth",
		"serverTimestamp": "2026-01-01T00:00:00Z",
	}
	require.NoError(t, store.ApplyConflict(ctx, col, winner))

	doc, err := store.Get(ctx, col, "item-1")
	require.NoError(t, err)
	assert.Equal(t, "server truth", doc["title"])

	pending, err := store.PendingChanges(ctx, col, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "the losing edit is dropped")
}

func TestStoreSubscribe(t *testing.T) {
	store := newTestStore(t)
	col := itemsCollection(t)
	ctx := context.Background()

	events := store.Subscribe(col.Name)

	require.NoError(t, store.Put(ctx, col, models.ReplicatedDocument{"id": "item-1", "title": "x"}))
	event := <-events
	assert.Equal(t, SourceLocal, event.Source)
	assert.Equal(t, "item-1", event.DocID)

	require.NoError(t, store.ApplyPull(ctx, col, []models.ReplicatedDocument{
		{"id": "item-2", "_deleted": false, "title": "y"},
	}, models.Checkpoint{ID: "item-2", ServerTimestamp: "2026-01-01T00:00:00Z"}))
	event = <-events
	assert.Equal(t, SourceReplication, event.Source)
	assert.Equal(t, "item-2", event.DocID)
}

func TestStoreClearPending(t *testing.T) {
	store := newTestStore(t)
	col := itemsCollection(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, col, models.ReplicatedDocument{"id": "item-1", "title": "a"}))
	require.NoError(t, store.Put(ctx, col, models.ReplicatedDocument{"id": "item-2", "title": "b"}))

	pending, err := store.PendingChanges(ctx, col, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, store.ClearPending(ctx, []int64{pending[0].Seq}))

	remaining, err := store.PendingChanges(ctx, col, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "item-2", remaining[0].DocID)
}
