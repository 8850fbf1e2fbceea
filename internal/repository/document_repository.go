package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/studyplan/server/internal/models"
	"github.com/studyplan/server/internal/observability"
	"github.com/studyplan/server/internal/replication"
)

const pushTxAttempts = 3

// DocumentRepository persists replicated documents for all collections in a
// single table partitioned by (collection, user_id). Deletions are soft: the
// deleted flag flips and the row stays behind as a tombstone so offline
// clients still see the change on their next pull.
type DocumentRepository struct {
	db      *sql.DB
	dialect string // "postgres" or "sqlite3"
}

// NewDocumentRepository creates a repository over an opened database.
func NewDocumentRepository(db *sql.DB, dialect string) *DocumentRepository {
	return &DocumentRepository{db: db, dialect: dialect}
}

// PullSince returns documents after the checkpoint token in (server_ts,
// doc_id) order, at most limit. A nil token means from the beginning.
//
// Two queries run in one read-consistent transaction: the same-instant query
// picks up documents sharing the checkpoint's exact timestamp with a greater
// id (several writes can land in one server instant), then the newer query
// continues past that timestamp. Skipping the first query would drop
// documents written in the boundary instant.
func (r *DocumentRepository) PullSince(ctx context.Context, col models.Collection, userID string, token *replication.Token, limit int) ([]*models.StoredDocument, error) {
	ctx, span := observability.StartDBSpan(ctx, "pull", "documents")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, r.readTxOptions())
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var docs []*models.StoredDocument

	if token != nil {
		sameInstant, err := r.queryDocuments(ctx, tx,
			`SELECT doc_id, payload, deleted, server_ts FROM documents
			 WHERE collection = $1 AND user_id = $2 AND server_ts = $3 AND doc_id > $4
			 ORDER BY doc_id ASC LIMIT $5`,
			col.Name, userID, token.ServerTS, token.DocID, limit)
		if err != nil {
			return nil, err
		}
		docs = sameInstant
	}

	if len(docs) < limit {
		since := int64(-1)
		if token != nil {
			since = token.ServerTS
		}
		newer, err := r.queryDocuments(ctx, tx,
			`SELECT doc_id, payload, deleted, server_ts FROM documents
			 WHERE collection = $1 AND user_id = $2 AND server_ts > $3
			 ORDER BY server_ts ASC, doc_id ASC LIMIT $4`,
			col.Name, userID, since, limit-len(docs))
		if err != nil {
			return nil, err
		}
		docs = append(docs, newer...)
	}

	if err := tx.Commit(); err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	observability.SetSuccess(span)

	for _, d := range docs {
		d.Collection = col.Name
		d.UserID = userID
	}
	return docs, nil
}

// Push applies a batch of client-proposed document states with last-writer-
// wins conflict detection, all inside one transaction. Conflicting rows are
// not written; the current server documents are returned instead. Accepted
// rows are stamped with one fresh server timestamp per batch, regardless of
// anything the client sent.
func (r *DocumentRepository) Push(ctx context.Context, col models.Collection, userID string, rows []models.ChangeRow) ([]models.ReplicatedDocument, error) {
	ctx, span := observability.StartDBSpan(ctx, "push", "documents")
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < pushTxAttempts; attempt++ {
		conflicts, err := r.pushOnce(ctx, col, userID, rows)
		if err == nil {
			return conflicts, nil
		}
		if !isRetryableTxError(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("push transaction did not settle: %w", lastErr)
}

// pushOnce is one transaction attempt. All per-attempt state lives here so a
// retry starts from a clean slate.
func (r *DocumentRepository) pushOnce(ctx context.Context, col models.Collection, userID string, rows []models.ChangeRow) ([]models.ReplicatedDocument, error) {
	conflicts := []models.ReplicatedDocument{}

	tx, err := r.db.BeginTx(ctx, r.writeTxOptions())
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		id := row.NewDocumentState.Key(col.KeyField)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	// Lookups are transaction-bound, so the fetcher must not run chunks
	// concurrently here.
	fetcher := &replication.Fetcher[*models.StoredDocument]{
		Parallel: 1,
		Lookup: func(ctx context.Context, ids []string) ([]*models.StoredDocument, error) {
			return r.getByIDs(ctx, tx, col.Name, userID, ids)
		},
		Single: func(ctx context.Context, id string) (*models.StoredDocument, error) {
			return r.getByID(ctx, tx, col.Name, userID, id)
		},
	}
	current, err := fetcher.FetchByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	masters := make(map[string]*models.StoredDocument, len(current))
	for _, doc := range current {
		masters[doc.DocID] = doc
	}

	type stagedWrite struct {
		docID   string
		payload map[string]any
		deleted bool
		insert  bool
	}
	var staged []stagedWrite

	for _, row := range rows {
		docID, payload, deleted, err := col.Split(row.NewDocumentState)
		if err != nil {
			return nil, err
		}

		master := masters[docID]
		if master != nil {
			// A document the client never observed (no assumed state) or
			// observed in an older state than the server now holds is a
			// conflict; the server copy wins and is reported back.
			if row.AssumedMasterState == nil ||
				!replication.Equal(map[string]any(col.Wire(master)), map[string]any(row.AssumedMasterState), replication.DefaultMaxDepth) {
				conflicts = append(conflicts, col.Wire(master))
				continue
			}
		}
		// No master document means nothing to disagree with: creation is
		// accepted even on retries after a dropped response.

		staged = append(staged, stagedWrite{
			docID:   docID,
			payload: payload,
			deleted: deleted,
			insert:  master == nil,
		})
	}

	if len(staged) == 0 {
		// All-conflict batches commit as a no-op write.
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return conflicts, nil
	}

	serverTS := time.Now().UTC().UnixMicro()
	for _, w := range staged {
		payload, err := json.Marshal(w.payload)
		if err != nil {
			return nil, err
		}
		if w.insert {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO documents (collection, user_id, doc_id, payload, deleted, server_ts)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				col.Name, userID, w.docID, string(payload), w.deleted, serverTS)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE documents SET payload = $1, deleted = $2, server_ts = $3
				 WHERE collection = $4 AND user_id = $5 AND doc_id = $6`,
				string(payload), w.deleted, serverTS, col.Name, userID, w.docID)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return conflicts, nil
}

func (r *DocumentRepository) getByIDs(ctx context.Context, tx *sql.Tx, collection, userID string, ids []string) ([]*models.StoredDocument, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := []any{collection, userID}
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+3)
		args = append(args, id)
	}

	query := fmt.Sprintf(
		`SELECT doc_id, payload, deleted, server_ts FROM documents
		 WHERE collection = $1 AND user_id = $2 AND doc_id IN (%s)`,
		strings.Join(placeholders, ", "))

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapPermissionError(err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

func (r *DocumentRepository) getByID(ctx context.Context, tx *sql.Tx, collection, userID, id string) (*models.StoredDocument, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT doc_id, payload, deleted, server_ts FROM documents
		 WHERE collection = $1 AND user_id = $2 AND doc_id = $3`,
		collection, userID, id)

	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, replication.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (r *DocumentRepository) queryDocuments(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]*models.StoredDocument, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func scanDocuments(rows *sql.Rows) ([]*models.StoredDocument, error) {
	var docs []*models.StoredDocument
	for rows.Next() {
		var (
			doc     models.StoredDocument
			payload string
		)
		if err := rows.Scan(&doc.DocID, &payload, &doc.Deleted, &doc.ServerTS); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &doc.Payload); err != nil {
			return nil, fmt.Errorf("document %s: corrupt payload: %w", doc.DocID, err)
		}
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

func scanDocument(row *sql.Row) (*models.StoredDocument, error) {
	var (
		doc     models.StoredDocument
		payload string
	)
	if err := row.Scan(&doc.DocID, &payload, &doc.Deleted, &doc.ServerTS); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &doc.Payload); err != nil {
		return nil, fmt.Errorf("document %s: corrupt payload: %w", doc.DocID, err)
	}
	return &doc, nil
}

func (r *DocumentRepository) readTxOptions() *sql.TxOptions {
	if r.dialect == "postgres" {
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	// SQLite transactions are serializable already and the driver rejects
	// explicit isolation options.
	return nil
}

func (r *DocumentRepository) writeTxOptions() *sql.TxOptions {
	if r.dialect == "postgres" {
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
	}
	return nil
}

// mapPermissionError normalizes backend permission failures so the fetcher
// can fall back to per-id lookups.
func mapPermissionError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "42501" {
		return fmt.Errorf("%w: %v", replication.ErrPermissionDenied, err)
	}
	return err
}

// isRetryableTxError reports serialization and deadlock failures that the
// push retry loop should absorb.
func isRetryableTxError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}
