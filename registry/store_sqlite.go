package registry

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

const serverSQLiteSchema = `
CREATE TABLE IF NOT EXISTS servers (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	category TEXT,
	transport BLOB NOT NULL,
	status TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	tools BLOB,
	server_name TEXT,
	server_version TEXT,
	health BLOB,
	registered_at TEXT NOT NULL,
	last_health_check TEXT,
	health_failures INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_servers_status
ON servers(status);`

// SQLiteStoreConfig configures the SQLite registration store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists server registrations in SQLite. This store is intended
// for daemon mode where several components share one database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed registration store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("registry: sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("registry: sqlite store open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec(serverSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: sqlite store create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStoreFromDB wraps an existing database connection. The schema is
// created if missing; Close on the returned store is a no-op for shared DBs.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("registry: sqlite db is nil")
	}
	if _, err := db.Exec(serverSQLiteSchema); err != nil {
		return nil, fmt.Errorf("registry: sqlite store create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]ServerRegistration, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, category, transport, status, enabled, tools, server_name, server_version, health, registered_at, last_health_check, health_failures
FROM servers
ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("registry: sqlite store list: %w", err)
	}
	defer rows.Close()

	var regs []ServerRegistration
	for rows.Next() {
		reg, err := scanServerRegistration(rows)
		if err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: sqlite store list rows: %w", err)
	}
	return regs, nil
}

func (s *SQLiteStore) Get(ctx context.Context, name string) (ServerRegistration, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT name, category, transport, status, enabled, tools, server_name, server_version, health, registered_at, last_health_check, health_failures
FROM servers
WHERE name = ?`, name)

	reg, err := scanServerRegistration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ServerRegistration{}, false, nil
		}
		return ServerRegistration{}, false, err
	}
	return reg, true, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, reg ServerRegistration) error {
	if strings.TrimSpace(reg.Name) == "" {
		return errors.New("registry: registration name is required")
	}

	if reg.Status == "" {
		reg.Status = StatusUnverified
	}
	if reg.RegisteredAt.IsZero() {
		reg.RegisteredAt = time.Now().UTC()
	}

	transportJSON, err := json.Marshal(reg.Transport)
	if err != nil {
		return fmt.Errorf("registry: sqlite store marshal transport: %w", err)
	}
	toolsJSON, err := marshalNullableJSON(reg.Tools)
	if err != nil {
		return fmt.Errorf("registry: sqlite store marshal tools: %w", err)
	}
	healthJSON, err := marshalNullableJSON(reg.Health)
	if err != nil {
		return fmt.Errorf("registry: sqlite store marshal health: %w", err)
	}

	enabled := 0
	if reg.Enabled {
		enabled = 1
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO servers
	(name, category, transport, status, enabled, tools, server_name, server_version, health, registered_at, last_health_check, health_failures)
VALUES
	(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	category = excluded.category,
	transport = excluded.transport,
	status = excluded.status,
	enabled = excluded.enabled,
	tools = excluded.tools,
	server_name = excluded.server_name,
	server_version = excluded.server_version,
	health = excluded.health,
	last_health_check = excluded.last_health_check,
	health_failures = excluded.health_failures`,
		reg.Name,
		string(reg.Category),
		transportJSON,
		string(reg.Status),
		enabled,
		toolsJSON,
		nullIfEmpty(reg.ServerName),
		nullIfEmpty(reg.ServerVersion),
		healthJSON,
		reg.RegisteredAt.UTC().Format(time.RFC3339Nano),
		formatNullableTime(reg.LastHealthCheck),
		reg.HealthFailures,
	)
	if err != nil {
		return fmt.Errorf("registry: sqlite store upsert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE name = ?`, name); err != nil {
		return fmt.Errorf("registry: sqlite store delete: %w", err)
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

// DB returns the underlying database connection for sharing with other stores.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

type registrationScanner interface {
	Scan(dest ...any) error
}

func scanServerRegistration(scanner registrationScanner) (ServerRegistration, error) {
	var (
		name            string
		category        sql.NullString
		transportRaw    []byte
		status          string
		enabledRaw      int
		toolsRaw        []byte
		serverName      sql.NullString
		serverVersion   sql.NullString
		healthRaw       []byte
		registeredAt    string
		lastHealthCheck sql.NullString
		healthFailures  int
	)
	if err := scanner.Scan(
		&name,
		&category,
		&transportRaw,
		&status,
		&enabledRaw,
		&toolsRaw,
		&serverName,
		&serverVersion,
		&healthRaw,
		&registeredAt,
		&lastHealthCheck,
		&healthFailures,
	); err != nil {
		return ServerRegistration{}, err
	}

	var transport TransportSpec
	if err := json.Unmarshal(transportRaw, &transport); err != nil {
		return ServerRegistration{}, fmt.Errorf("registry: sqlite store unmarshal transport: %w", err)
	}

	registered, err := time.Parse(time.RFC3339Nano, registeredAt)
	if err != nil {
		return ServerRegistration{}, fmt.Errorf("registry: sqlite store parse registered_at: %w", err)
	}

	reg := ServerRegistration{
		Name:           name,
		Category:       Category(category.String),
		Transport:      transport,
		Status:         Status(status),
		Enabled:        enabledRaw == 1,
		ServerName:     serverName.String,
		ServerVersion:  serverVersion.String,
		RegisteredAt:   registered,
		HealthFailures: healthFailures,
	}

	if len(toolsRaw) > 0 {
		if err := json.Unmarshal(toolsRaw, &reg.Tools); err != nil {
			return ServerRegistration{}, fmt.Errorf("registry: sqlite store unmarshal tools: %w", err)
		}
	}
	if len(healthRaw) > 0 {
		var health HealthPolicy
		if err := json.Unmarshal(healthRaw, &health); err != nil {
			return ServerRegistration{}, fmt.Errorf("registry: sqlite store unmarshal health: %w", err)
		}
		reg.Health = &health
	}
	if lastHealthCheck.Valid && strings.TrimSpace(lastHealthCheck.String) != "" {
		checked, err := time.Parse(time.RFC3339Nano, lastHealthCheck.String)
		if err != nil {
			return ServerRegistration{}, fmt.Errorf("registry: sqlite store parse last_health_check: %w", err)
		}
		reg.LastHealthCheck = checked
	}

	return reg, nil
}

func marshalNullableJSON(value any) ([]byte, error) {
	switch v := value.(type) {
	case []ToolInfo:
		if len(v) == 0 {
			return nil, nil
		}
	case *HealthPolicy:
		if v == nil {
			return nil, nil
		}
	}
	return json.Marshal(value)
}

func formatNullableTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

var _ Store = (*SQLiteStore)(nil)
