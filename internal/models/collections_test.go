package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectionRegistry(t *testing.T) {
	t.Run("registers the six synced collections", func(t *testing.T) {
		assert.Equal(t, []string{
			"folders", "items", "plannerdata", "semesters", "events", "timetablesync",
		}, CollectionNames())
	})

	t.Run("resolves a collection with scope and key field", func(t *testing.T) {
		col, ok := CollectionByName("events")
		require.True(t, ok)
		assert.Equal(t, "events", col.Name)
		assert.Equal(t, "id", col.KeyField)
		assert.Equal(t, "sync:events", col.Scope)
		assert.NotNil(t, col.Schema)
	})

	t.Run("unknown collection does not resolve", func(t *testing.T) {
		_, ok := CollectionByName("grades")
		assert.False(t, ok)
	})
}

func TestCollectionWireAndSplit(t *testing.T) {
	col, ok := CollectionByName("folders")
	require.True(t, ok)

	t.Run("wire carries key, tombstone flag and timestamp", func(t *testing.T) {
		stored := &StoredDocument{
			DocID:    "folder-1",
			Payload:  map[string]any{"title": "Spring 2026", "order": 1.0},
			Deleted:  false,
			ServerTS: 1767225600000000,
		}

		wire := col.Wire(stored)
		assert.Equal(t, "folder-1", wire["id"])
		assert.Equal(t, false, wire[DeletedField])
		assert.Equal(t, "Spring 2026", wire["title"])
		assert.NotEmpty(t, wire[ServerTimestampField])
	})

	t.Run("split strips replication bookkeeping from the payload", func(t *testing.T) {
		docID, payload, deleted, err := col.Split(ReplicatedDocument{
			"id":              "folder-2",
			"_deleted":        true,
			"serverTimestamp": "2026-01-01T00:00:00Z",
			"title":           "Archived",
			"parent":          nil,
		})
		require.NoError(t, err)
		assert.Equal(t, "folder-2", docID)
		assert.True(t, deleted)
		assert.Equal(t, map[string]any{"title": "Archived", "parent": nil}, payload)
	})

	t.Run("split rejects a document without the key field", func(t *testing.T) {
		_, _, _, err := col.Split(ReplicatedDocument{"title": "No ID"})
		assert.Error(t, err)
	})

	t.Run("round trip preserves the payload", func(t *testing.T) {
		original := ReplicatedDocument{
			"id":       "folder-3",
			"_deleted": false,
			"title":    "Coursework",
			"parent":   "folder-1",
		}
		docID, payload, deleted, err := col.Split(original)
		require.NoError(t, err)

		wire := col.Wire(&StoredDocument{DocID: docID, Payload: payload, Deleted: deleted, ServerTS: 1})
		assert.Equal(t, "Coursework", wire["title"])
		assert.Equal(t, "folder-1", wire["parent"])
		assert.Equal(t, "folder-3", wire["id"])
	})
}

func TestCollectionValidate(t *testing.T) {
	col, ok := CollectionByName("items")
	require.True(t, ok)

	t.Run("accepts a well-formed document", func(t *testing.T) {
		err := col.Validate(ReplicatedDocument{
			"id":        "item-1",
			"title":     "Read chapter 4",
			"completed": false,
		})
		assert.NoError(t, err)
	})

	t.Run("rejects a wrongly typed field", func(t *testing.T) {
		err := col.Validate(ReplicatedDocument{
			"id":    "item-2",
			"title": 7,
		})
		assert.Error(t, err)
	})

	t.Run("rejects an empty id", func(t *testing.T) {
		err := col.Validate(ReplicatedDocument{"id": ""})
		assert.Error(t, err)
	})
}

func TestReplicatedDocument(t *testing.T) {
	t.Run("key reads the configured field", func(t *testing.T) {
		doc := ReplicatedDocument{"id": "a", "other": "b"}
		assert.Equal(t, "a", doc.Key("id"))
		assert.Equal(t, "", doc.Key("missing"))
	})

	t.Run("deletion marker defaults to false", func(t *testing.T) {
		assert.False(t, ReplicatedDocument{}.IsDeleted())
		assert.True(t, ReplicatedDocument{DeletedField: true}.IsDeleted())
	})
}
