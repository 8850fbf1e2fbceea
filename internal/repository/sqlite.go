package repository

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// NewSQLiteDB creates and initializes a SQLite database for small
// single-node installs (and for tests).
func NewSQLiteDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	// Create tables
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	-- Replicated documents, all collections in one table.
	-- Rows are never hard-deleted: the deleted flag is a sync tombstone.
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		doc_id     TEXT NOT NULL,
		payload    TEXT NOT NULL,
		deleted    BOOLEAN NOT NULL DEFAULT 0,
		server_ts  BIGINT NOT NULL,
		PRIMARY KEY (collection, user_id, doc_id)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_order
		ON documents (collection, user_id, server_ts, doc_id);
	`

	_, err := db.Exec(schema)
	return err
}
