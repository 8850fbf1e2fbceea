package client

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/studyplan/server/internal/models"
)

// Store is the client-side document store: one SQLite database holding the
// replicated state of every collection, the per-collection checkpoint, and a
// queue of local edits waiting to be pushed. Each queued edit remembers the
// server state it was based on, which is what the server checks conflicts
// against.
type Store struct {
	db *sql.DB

	mu        sync.RWMutex
	listeners map[string][]chan ChangeEvent
}

// ChangeEvent announces a local write on a collection.
type ChangeEvent struct {
	Collection string
	DocID      string
	Source     ChangeSource
}

// ChangeSource distinguishes local edits from replicated writes.
type ChangeSource int

const (
	SourceLocal ChangeSource = iota
	SourceReplication
)

// NewStore opens (and if needed creates) the local database.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := createClientTables(db); err != nil {
		return nil, err
	}

	return &Store{
		db:        db,
		listeners: make(map[string][]chan ChangeEvent),
	}, nil
}

func createClientTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		doc_id     TEXT NOT NULL,
		doc        TEXT NOT NULL,
		deleted    BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (collection, doc_id)
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		collection       TEXT PRIMARY KEY,
		checkpoint_id    TEXT NOT NULL,
		server_timestamp TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_changes (
		seq            INTEGER PRIMARY KEY AUTOINCREMENT,
		collection     TEXT NOT NULL,
		doc_id         TEXT NOT NULL,
		new_state      TEXT NOT NULL,
		assumed_master TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_pending_collection
		ON pending_changes (collection, seq);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Close closes the database and all subscription channels.
func (s *Store) Close() error {
	s.mu.Lock()
	for _, chans := range s.listeners {
		for _, ch := range chans {
			close(ch)
		}
	}
	s.listeners = make(map[string][]chan ChangeEvent)
	s.mu.Unlock()
	return s.db.Close()
}

// Get returns one document, or nil when absent or deleted.
func (s *Store) Get(ctx context.Context, col models.Collection, id string) (models.ReplicatedDocument, error) {
	var (
		raw     string
		deleted bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT doc, deleted FROM documents WHERE collection = ? AND doc_id = ?`,
		col.Name, id).Scan(&raw, &deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if deleted {
		return nil, nil
	}

	var doc models.ReplicatedDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("document %s: corrupt state: %w", id, err)
	}
	return doc, nil
}

// List returns all live documents of a collection.
func (s *Store) List(ctx context.Context, col models.Collection) ([]models.ReplicatedDocument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM documents WHERE collection = ? AND deleted = FALSE ORDER BY doc_id`,
		col.Name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []models.ReplicatedDocument
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var doc models.ReplicatedDocument
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("corrupt document state: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Put records a local edit: the document becomes the current local state and
// a pending change is queued with the previous replicated state as the
// assumed master. A document the store has never seen is queued as a creation
// (no assumed master).
func (s *Store) Put(ctx context.Context, col models.Collection, doc models.ReplicatedDocument) error {
	id := doc.Key(col.KeyField)
	if id == "" {
		return fmt.Errorf("document missing %q field", col.KeyField)
	}
	return s.applyLocal(ctx, col, id, doc)
}

// Delete records a local deletion as a tombstone edit.
func (s *Store) Delete(ctx context.Context, col models.Collection, id string) error {
	current, err := s.Get(ctx, col, id)
	if err != nil {
		return err
	}
	if current == nil {
		return nil
	}

	tombstone := make(models.ReplicatedDocument, len(current))
	for k, v := range current {
		tombstone[k] = v
	}
	tombstone[models.DeletedField] = true

	return s.applyLocal(ctx, col, id, tombstone)
}

func (s *Store) applyLocal(ctx context.Context, col models.Collection, id string, doc models.ReplicatedDocument) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The assumed master is the last state this client believes the server
	// holds. A pending edit for the same document keeps the original
	// snapshot so the chain of local edits still anchors on what the server
	// last confirmed.
	var assumed *string
	var prior string
	err = tx.QueryRowContext(ctx,
		`SELECT assumed_master FROM pending_changes
		 WHERE collection = ? AND doc_id = ? ORDER BY seq DESC LIMIT 1`,
		col.Name, id).Scan(&assumed)
	switch err {
	case nil:
		// keep the queued snapshot
	case sql.ErrNoRows:
		scanErr := tx.QueryRowContext(ctx,
			`SELECT doc FROM documents WHERE collection = ? AND doc_id = ?`,
			col.Name, id).Scan(&prior)
		if scanErr == nil {
			assumed = &prior
		} else if scanErr != sql.ErrNoRows {
			return scanErr
		}
	default:
		return err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	// Collapse repeated edits to the same document into one queue entry.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_changes WHERE collection = ? AND doc_id = ?`,
		col.Name, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pending_changes (collection, doc_id, new_state, assumed_master)
		 VALUES (?, ?, ?, ?)`,
		col.Name, id, string(raw), assumed); err != nil {
		return err
	}

	if err := upsertDocument(ctx, tx, col.Name, id, string(raw), doc.IsDeleted()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.notify(ChangeEvent{Collection: col.Name, DocID: id, Source: SourceLocal})
	return nil
}

// ApplyPull writes a pulled batch and its checkpoint in one transaction.
// Documents with a pending local edit are skipped; the push cycle settles
// those, either by acceptance or by a conflict that overwrites them.
func (s *Store) ApplyPull(ctx context.Context, col models.Collection, docs []models.ReplicatedDocument, cp models.Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var applied []string
	for _, doc := range docs {
		id := doc.Key(col.KeyField)
		if id == "" {
			continue
		}

		var pending int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pending_changes WHERE collection = ? AND doc_id = ?`,
			col.Name, id).Scan(&pending)
		if err != nil {
			return err
		}
		if pending > 0 {
			continue
		}

		raw, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if err := upsertDocument(ctx, tx, col.Name, id, string(raw), doc.IsDeleted()); err != nil {
			return err
		}
		applied = append(applied, id)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (collection, checkpoint_id, server_timestamp)
		 VALUES (?, ?, ?)
		 ON CONFLICT (collection) DO UPDATE SET
			checkpoint_id = excluded.checkpoint_id,
			server_timestamp = excluded.server_timestamp`,
		col.Name, cp.ID, cp.ServerTimestamp); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	for _, id := range applied {
		s.notify(ChangeEvent{Collection: col.Name, DocID: id, Source: SourceReplication})
	}
	return nil
}

// ApplyConflict overwrites local state with the server's winning document and
// drops the losing pending edit.
func (s *Store) ApplyConflict(ctx context.Context, col models.Collection, doc models.ReplicatedDocument) error {
	id := doc.Key(col.KeyField)
	if id == "" {
		return fmt.Errorf("conflict document missing %q field", col.KeyField)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_changes WHERE collection = ? AND doc_id = ?`,
		col.Name, id); err != nil {
		return err
	}
	if err := upsertDocument(ctx, tx, col.Name, id, string(raw), doc.IsDeleted()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.notify(ChangeEvent{Collection: col.Name, DocID: id, Source: SourceReplication})
	return nil
}

// Checkpoint returns the stored checkpoint for a collection. Both fields are
// empty when the collection has never completed a pull.
func (s *Store) Checkpoint(ctx context.Context, col models.Collection) (models.Checkpoint, error) {
	var cp models.Checkpoint
	err := s.db.QueryRowContext(ctx,
		`SELECT checkpoint_id, server_timestamp FROM checkpoints WHERE collection = ?`,
		col.Name).Scan(&cp.ID, &cp.ServerTimestamp)
	if err == sql.ErrNoRows {
		return models.Checkpoint{}, nil
	}
	if err != nil {
		return models.Checkpoint{}, err
	}
	return cp, nil
}

// PendingChange is one queued local edit.
type PendingChange struct {
	Seq   int64
	DocID string
	Row   models.ChangeRow
}

// PendingChanges returns queued edits for a collection in queue order.
func (s *Store) PendingChanges(ctx context.Context, col models.Collection, limit int) ([]PendingChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, doc_id, new_state, assumed_master FROM pending_changes
		 WHERE collection = ? ORDER BY seq ASC LIMIT ?`,
		col.Name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []PendingChange
	for rows.Next() {
		var (
			change   PendingChange
			newState string
			assumed  *string
		)
		if err := rows.Scan(&change.Seq, &change.DocID, &newState, &assumed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(newState), &change.Row.NewDocumentState); err != nil {
			return nil, fmt.Errorf("pending change %d: corrupt state: %w", change.Seq, err)
		}
		if assumed != nil {
			if err := json.Unmarshal([]byte(*assumed), &change.Row.AssumedMasterState); err != nil {
				return nil, fmt.Errorf("pending change %d: corrupt snapshot: %w", change.Seq, err)
			}
		}
		changes = append(changes, change)
	}
	return changes, rows.Err()
}

// ClearPending removes settled queue entries after a push round trip.
func (s *Store) ClearPending(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, seq := range seqs {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pending_changes WHERE seq = ?`, seq); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Subscribe returns a channel of change events for one collection. The
// channel is closed when the store closes; slow consumers drop events rather
// than block writers.
func (s *Store) Subscribe(collection string) <-chan ChangeEvent {
	ch := make(chan ChangeEvent, 64)
	s.mu.Lock()
	s.listeners[collection] = append(s.listeners[collection], ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) notify(event ChangeEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.listeners[event.Collection] {
		select {
		case ch <- event:
		default:
		}
	}
}

func upsertDocument(ctx context.Context, tx *sql.Tx, collection, id, raw string, deleted bool) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO documents (collection, doc_id, doc, deleted)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (collection, doc_id) DO UPDATE SET
			doc = excluded.doc,
			deleted = excluded.deleted`,
		collection, id, raw, deleted)
	return err
}
