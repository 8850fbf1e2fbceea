package models

import (
	"github.com/studyplan/server/internal/replication"
)

// Reserved wire fields shared by every collection. The primary-key field name
// is a per-collection parameter (Collection.KeyField).
const (
	DeletedField         = "_deleted"
	ServerTimestampField = "serverTimestamp"
)

// ReplicatedDocument is the wire form of a synced record: a flat JSON object
// carrying the collection's key field, the deletion marker and the
// server-assigned write timestamp next to the payload fields.
type ReplicatedDocument map[string]any

// Key returns the document's primary key under the given field name.
func (d ReplicatedDocument) Key(field string) string {
	if v, ok := d[field].(string); ok {
		return v
	}
	return ""
}

// IsDeleted reports whether the deletion marker is set.
func (d ReplicatedDocument) IsDeleted() bool {
	v, _ := d[DeletedField].(bool)
	return v
}

// ChangeRow is one client-proposed document state in a push batch.
// AssumedMasterState is the last server state the client observed before the
// local edit; nil for documents the client believes it is creating.
type ChangeRow struct {
	NewDocumentState   ReplicatedDocument `json:"newDocumentState"`
	AssumedMasterState ReplicatedDocument `json:"assumedMasterState,omitempty"`
}

// Checkpoint is the wire cursor marking the last server write a client has
// incorporated. Both fields empty means "from the beginning".
type Checkpoint struct {
	ID              string `json:"id"`
	ServerTimestamp string `json:"serverTimestamp"`
}

// PullResponse for GET /{collection}/pull
type PullResponse struct {
	Documents  []ReplicatedDocument `json:"documents"`
	Checkpoint Checkpoint           `json:"checkpoint"`
}

// StoredDocument is the repository-level form of a document: payload split
// from the replication bookkeeping columns.
type StoredDocument struct {
	Collection string
	UserID     string
	DocID      string
	Payload    map[string]any
	Deleted    bool
	ServerTS   int64 // microseconds since epoch, server-assigned
}

// Token returns the document's position in the collection ordering.
func (d *StoredDocument) Token() *replication.Token {
	return &replication.Token{ServerTS: d.ServerTS, DocID: d.DocID}
}
