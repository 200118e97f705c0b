package workflow

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

// ErrDefinitionNotFound is returned when a workflow name is unknown.
var ErrDefinitionNotFound = errors.New("workflow definition not found")

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("workflow run not found")

const workflowSQLiteSchema = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	definition BLOB NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_runs (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	workflow TEXT NOT NULL,
	status TEXT NOT NULL,
	run BLOB NOT NULL,
	started_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflow_runs_workflow ON workflow_runs(workflow);

CREATE TABLE IF NOT EXISTS workflow_schedules (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	workflow TEXT NOT NULL,
	schedule BLOB NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	next_run_at TEXT
);`

// SQLiteStoreConfig configures the SQLite workflow store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists definitions, runs, and schedules in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite workflow store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("workflow: sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("workflow: sqlite store open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("workflow: sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec(workflowSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("workflow: sqlite store create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStoreFromDB wraps an existing database connection.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("workflow: sqlite db is nil")
	}
	if _, err := db.Exec(workflowSQLiteSchema); err != nil {
		return nil, fmt.Errorf("workflow: sqlite store create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) PutDefinition(ctx context.Context, def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("workflow: marshal definition: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO workflow_definitions (name, definition, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	definition = excluded.definition,
	updated_at = excluded.updated_at`,
		def.Name, data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("workflow: sqlite store put definition: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDefinition(ctx context.Context, name string) (Definition, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM workflow_definitions WHERE name = ?`, name).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Definition{}, fmt.Errorf("workflow: definition %q: %w", name, ErrDefinitionNotFound)
		}
		return Definition{}, fmt.Errorf("workflow: sqlite store get definition: %w", err)
	}

	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("workflow: unmarshal definition: %w", err)
	}
	return def, nil
}

func (s *SQLiteStore) DeleteDefinition(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM workflow_definitions WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("workflow: sqlite store delete definition: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("workflow: sqlite store delete definition result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("workflow: definition %q: %w", name, ErrDefinitionNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListDefinitions(ctx context.Context) ([]Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition FROM workflow_definitions ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("workflow: sqlite store list definitions: %w", err)
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("workflow: sqlite store scan definition: %w", err)
		}
		var def Definition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("workflow: unmarshal definition: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workflow: sqlite store list definitions rows: %w", err)
	}
	return defs, nil
}

func (s *SQLiteStore) PutRun(ctx context.Context, run Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("workflow: marshal run: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO workflow_runs (id, workflow, status, run, started_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	run = excluded.run`,
		run.ID, run.Workflow, string(run.Status), data,
		run.StartedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("workflow: sqlite store put run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (Run, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT run FROM workflow_runs WHERE id = ?`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, fmt.Errorf("workflow: run %q: %w", id, ErrRunNotFound)
		}
		return Run{}, fmt.Errorf("workflow: sqlite store get run: %w", err)
	}

	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return Run{}, fmt.Errorf("workflow: unmarshal run: %w", err)
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, workflow string, limit int) ([]Run, error) {
	query := `SELECT run FROM workflow_runs`
	var args []any
	if workflow != "" {
		query += ` WHERE workflow = ?`
		args = append(args, workflow)
	}
	query += ` ORDER BY seq DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("workflow: sqlite store list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("workflow: sqlite store scan run: %w", err)
		}
		var run Run
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, fmt.Errorf("workflow: unmarshal run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workflow: sqlite store list runs rows: %w", err)
	}
	return runs, nil
}

func (s *SQLiteStore) PutSchedule(ctx context.Context, schedule Schedule) error {
	data, err := json.Marshal(schedule)
	if err != nil {
		return fmt.Errorf("workflow: marshal schedule: %w", err)
	}

	enabled := 0
	if schedule.Enabled {
		enabled = 1
	}
	var nextRun any
	if !schedule.NextRunAt.IsZero() {
		nextRun = schedule.NextRunAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO workflow_schedules (id, workflow, schedule, enabled, next_run_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	workflow = excluded.workflow,
	schedule = excluded.schedule,
	enabled = excluded.enabled,
	next_run_at = excluded.next_run_at`,
		schedule.ID, schedule.Workflow, data, enabled, nextRun)
	if err != nil {
		return fmt.Errorf("workflow: sqlite store put schedule: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT schedule FROM workflow_schedules WHERE id = ?`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Schedule{}, fmt.Errorf("workflow: schedule %q: %w", id, ErrScheduleNotFound)
		}
		return Schedule{}, fmt.Errorf("workflow: sqlite store get schedule: %w", err)
	}

	var schedule Schedule
	if err := json.Unmarshal(data, &schedule); err != nil {
		return Schedule{}, fmt.Errorf("workflow: unmarshal schedule: %w", err)
	}
	return schedule, nil
}

func (s *SQLiteStore) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT schedule FROM workflow_schedules ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("workflow: sqlite store list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("workflow: sqlite store scan schedule: %w", err)
		}
		var schedule Schedule
		if err := json.Unmarshal(data, &schedule); err != nil {
			return nil, fmt.Errorf("workflow: unmarshal schedule: %w", err)
		}
		schedules = append(schedules, schedule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workflow: sqlite store list schedules rows: %w", err)
	}
	return schedules, nil
}

func (s *SQLiteStore) DeleteSchedule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM workflow_schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("workflow: sqlite store delete schedule: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("workflow: sqlite store delete schedule result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("workflow: schedule %q: %w", id, ErrScheduleNotFound)
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

var (
	_ RunStore      = (*SQLiteStore)(nil)
	_ ScheduleStore = (*SQLiteStore)(nil)
)
