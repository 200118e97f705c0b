package clients

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const clientSQLiteSchema = `
CREATE TABLE IF NOT EXISTS clients (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	ein TEXT UNIQUE,
	entity_type TEXT NOT NULL,
	fiscal_year_end_day INTEGER NOT NULL DEFAULT 0,
	fiscal_year_end_month INTEGER NOT NULL DEFAULT 0,
	quickbooks_realm TEXT,
	contact_email TEXT,
	notes TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_clients_name ON clients(name);`

// SQLiteStoreConfig configures the SQLite client store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists the client roster in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite client store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("clients: sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("clients: sqlite store open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clients: sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec(clientSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clients: sqlite store create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStoreFromDB wraps an existing database connection.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("clients: sqlite db is nil")
	}
	if _, err := db.Exec(clientSQLiteSchema); err != nil {
		return nil, fmt.Errorf("clients: sqlite store create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, client Client) error {
	if err := client.Validate(); err != nil {
		return err
	}
	if client.EIN != "" {
		if _, err := s.GetByEIN(ctx, client.EIN); err == nil {
			return fmt.Errorf("clients: create %q: %w", client.Name, ErrDuplicateEIN)
		} else if !errors.Is(err, ErrClientNotFound) {
			return err
		}
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO clients
	(id, name, ein, entity_type, fiscal_year_end_day, fiscal_year_end_month, quickbooks_realm, contact_email, notes, created_at, updated_at)
VALUES
	(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		client.ID,
		client.Name,
		nullIfEmpty(client.EIN),
		string(client.EntityType),
		client.FiscalYearEndDay,
		client.FiscalYearEndMon,
		nullIfEmpty(client.QuickBooksRealm),
		nullIfEmpty(client.ContactEmail),
		nullIfEmpty(client.Notes),
		client.CreatedAt.UTC().Format(time.RFC3339Nano),
		client.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("clients: create %q: %w", client.Name, ErrDuplicateClient)
		}
		return fmt.Errorf("clients: sqlite store create: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, client Client) error {
	if err := client.Validate(); err != nil {
		return err
	}
	if client.EIN != "" {
		existing, err := s.GetByEIN(ctx, client.EIN)
		if err == nil && existing.ID != client.ID {
			return fmt.Errorf("clients: update %q: %w", client.Name, ErrDuplicateEIN)
		} else if err != nil && !errors.Is(err, ErrClientNotFound) {
			return err
		}
	}

	result, err := s.db.ExecContext(ctx, `
UPDATE clients SET
	name = ?,
	ein = ?,
	entity_type = ?,
	fiscal_year_end_day = ?,
	fiscal_year_end_month = ?,
	quickbooks_realm = ?,
	contact_email = ?,
	notes = ?,
	updated_at = ?
WHERE id = ?`,
		client.Name,
		nullIfEmpty(client.EIN),
		string(client.EntityType),
		client.FiscalYearEndDay,
		client.FiscalYearEndMon,
		nullIfEmpty(client.QuickBooksRealm),
		nullIfEmpty(client.ContactEmail),
		nullIfEmpty(client.Notes),
		time.Now().UTC().Format(time.RFC3339Nano),
		client.ID,
	)
	if err != nil {
		return fmt.Errorf("clients: sqlite store update: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("clients: sqlite store update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("clients: update %q: %w", client.ID, ErrClientNotFound)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Client, error) {
	return s.getWhere(ctx, "id = ?", id)
}

func (s *SQLiteStore) GetByEIN(ctx context.Context, ein string) (Client, error) {
	return s.getWhere(ctx, "ein = ?", ein)
}

func (s *SQLiteStore) getWhere(ctx context.Context, clause string, arg any) (Client, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, ein, entity_type, fiscal_year_end_day, fiscal_year_end_month, quickbooks_realm, contact_email, notes, created_at, updated_at
FROM clients
WHERE `+clause, arg)

	client, err := scanClient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Client{}, fmt.Errorf("clients: get %v: %w", arg, ErrClientNotFound)
		}
		return Client{}, err
	}
	return client, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Client, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, ein, entity_type, fiscal_year_end_day, fiscal_year_end_month, quickbooks_realm, contact_email, notes, created_at, updated_at
FROM clients
ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("clients: sqlite store list: %w", err)
	}
	defer rows.Close()

	var result []Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, client)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("clients: sqlite store list rows: %w", err)
	}
	return result, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("clients: sqlite store delete: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("clients: sqlite store delete result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("clients: delete %q: %w", id, ErrClientNotFound)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type clientScanner interface {
	Scan(dest ...any) error
}

func scanClient(scanner clientScanner) (Client, error) {
	var (
		client    Client
		ein       sql.NullString
		realm     sql.NullString
		email     sql.NullString
		notes     sql.NullString
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(
		&client.ID,
		&client.Name,
		&ein,
		(*string)(&client.EntityType),
		&client.FiscalYearEndDay,
		&client.FiscalYearEndMon,
		&realm,
		&email,
		&notes,
		&createdAt,
		&updatedAt,
	); err != nil {
		return Client{}, err
	}

	client.EIN = ein.String
	client.QuickBooksRealm = realm.String
	client.ContactEmail = email.String
	client.Notes = notes.String

	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Client{}, fmt.Errorf("clients: sqlite store parse created_at: %w", err)
	}
	updated, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return Client{}, fmt.Errorf("clients: sqlite store parse updated_at: %w", err)
	}
	client.CreatedAt = created
	client.UpdatedAt = updated
	return client, nil
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

var _ Store = (*SQLiteStore)(nil)
