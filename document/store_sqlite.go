package document

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const documentSQLiteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	client_id TEXT,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	category TEXT,
	status TEXT NOT NULL,
	fields BLOB,
	error TEXT,
	ingested_at TEXT NOT NULL,
	processed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_documents_client ON documents(client_id);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);`

// SQLiteStoreConfig configures the SQLite document store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists document records in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite document store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("document: sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("document: sqlite store open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("document: sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec(documentSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("document: sqlite store create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStoreFromDB wraps an existing database connection.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("document: sqlite db is nil")
	}
	if _, err := db.Exec(documentSQLiteSchema); err != nil {
		return nil, fmt.Errorf("document: sqlite store create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, doc Document) error {
	if strings.TrimSpace(doc.ID) == "" {
		return errors.New("document: document id is required")
	}

	var fieldsJSON []byte
	if len(doc.Fields) > 0 {
		data, err := json.Marshal(doc.Fields)
		if err != nil {
			return fmt.Errorf("document: marshal fields: %w", err)
		}
		fieldsJSON = data
	}

	var processedAt any
	if !doc.ProcessedAt.IsZero() {
		processedAt = doc.ProcessedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO documents
	(id, client_id, name, type, category, status, fields, error, ingested_at, processed_at)
VALUES
	(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	client_id = excluded.client_id,
	name = excluded.name,
	type = excluded.type,
	category = excluded.category,
	status = excluded.status,
	fields = excluded.fields,
	error = excluded.error,
	processed_at = excluded.processed_at`,
		doc.ID,
		doc.ClientID,
		doc.Name,
		string(doc.Type),
		doc.Category,
		string(doc.Status),
		fieldsJSON,
		doc.Error,
		doc.IngestedAt.UTC().Format(time.RFC3339Nano),
		processedAt,
	)
	if err != nil {
		return fmt.Errorf("document: sqlite store put: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, client_id, name, type, category, status, fields, error, ingested_at, processed_at
FROM documents
WHERE id = ?`, id)

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, fmt.Errorf("document: get %q: %w", id, ErrDocumentNotFound)
		}
		return Document{}, err
	}
	return doc, nil
}

func (s *SQLiteStore) ListByClient(ctx context.Context, clientID string) ([]Document, error) {
	return s.list(ctx, `
SELECT id, client_id, name, type, category, status, fields, error, ingested_at, processed_at
FROM documents
WHERE client_id = ?
ORDER BY seq ASC`, clientID)
}

func (s *SQLiteStore) List(ctx context.Context) ([]Document, error) {
	return s.list(ctx, `
SELECT id, client_id, name, type, category, status, fields, error, ingested_at, processed_at
FROM documents
ORDER BY seq ASC`)
}

func (s *SQLiteStore) list(ctx context.Context, query string, args ...any) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("document: sqlite store list: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("document: sqlite store list rows: %w", err)
	}
	return docs, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type documentScanner interface {
	Scan(dest ...any) error
}

func scanDocument(scanner documentScanner) (Document, error) {
	var (
		doc         Document
		clientID    sql.NullString
		category    sql.NullString
		fieldsRaw   []byte
		errMsg      sql.NullString
		ingestedAt  string
		processedAt sql.NullString
	)
	if err := scanner.Scan(
		&doc.ID,
		&clientID,
		&doc.Name,
		(*string)(&doc.Type),
		&category,
		(*string)(&doc.Status),
		&fieldsRaw,
		&errMsg,
		&ingestedAt,
		&processedAt,
	); err != nil {
		return Document{}, err
	}

	doc.ClientID = clientID.String
	doc.Category = category.String
	doc.Error = errMsg.String

	if len(fieldsRaw) > 0 {
		if err := json.Unmarshal(fieldsRaw, &doc.Fields); err != nil {
			return Document{}, fmt.Errorf("document: sqlite store unmarshal fields: %w", err)
		}
	}

	ingested, err := time.Parse(time.RFC3339Nano, ingestedAt)
	if err != nil {
		return Document{}, fmt.Errorf("document: sqlite store parse ingested_at: %w", err)
	}
	doc.IngestedAt = ingested

	if processedAt.Valid && strings.TrimSpace(processedAt.String) != "" {
		processed, err := time.Parse(time.RFC3339Nano, processedAt.String)
		if err != nil {
			return Document{}, fmt.Errorf("document: sqlite store parse processed_at: %w", err)
		}
		doc.ProcessedAt = processed
	}
	return doc, nil
}

var _ Store = (*SQLiteStore)(nil)
