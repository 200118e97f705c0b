package audit

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

const auditSQLiteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	subject TEXT,
	actor TEXT,
	time TEXT NOT NULL,
	detail BLOB
);

CREATE INDEX IF NOT EXISTS idx_audit_events_kind ON audit_events(kind);
CREATE INDEX IF NOT EXISTS idx_audit_events_subject ON audit_events(subject);`

// SQLiteStoreConfig configures the SQLite audit store.
type SQLiteStoreConfig struct {
	DSN string

	// RetentionAge deletes entries older than this duration (0 = keep all).
	RetentionAge time.Duration

	// PruneInterval is how often pruning runs (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteStore persists the audit trail to SQLite with optional age pruning.
type SQLiteStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteStore opens (or creates) a SQLite audit store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("audit: sqlite dsn is required")
	}
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("audit: sqlite store open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec(auditSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: sqlite store create schema: %w", err)
	}

	s := &SQLiteStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if cfg.RetentionAge > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}

	return s, nil
}

// NewSQLiteStoreFromDB wraps an existing database connection. No pruner runs
// for shared connections.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("audit: sqlite db is nil")
	}
	if _, err := db.Exec(auditSQLiteSchema); err != nil {
		return nil, fmt.Errorf("audit: sqlite store create schema: %w", err)
	}
	done := make(chan struct{})
	close(done)
	return &SQLiteStore{db: db, stop: make(chan struct{}), done: done}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, event Event) error {
	var detailJSON []byte
	if len(event.Detail) > 0 {
		data, err := json.Marshal(event.Detail)
		if err != nil {
			return fmt.Errorf("audit: marshal detail: %w", err)
		}
		detailJSON = data
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO audit_events (id, kind, subject, actor, time, detail)
VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.Kind,
		event.Subject,
		event.Actor,
		event.Time.UTC().Format(time.RFC3339Nano),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("audit: sqlite store append: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, query Query) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	if query.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, query.Kind)
	}
	if query.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, query.Subject)
	}
	if !query.Since.IsZero() {
		where = append(where, "time >= ?")
		args = append(args, query.Since.UTC().Format(time.RFC3339Nano))
	}

	q := "SELECT seq, id, kind, subject, actor, time, detail FROM audit_events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq ASC"
	if query.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, query.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: sqlite store list: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event     Event
			subject   sql.NullString
			actor     sql.NullString
			timestamp string
			detailRaw []byte
		)
		if err := rows.Scan(&event.Seq, &event.ID, &event.Kind, &subject, &actor, &timestamp, &detailRaw); err != nil {
			return nil, fmt.Errorf("audit: sqlite store scan: %w", err)
		}
		event.Subject = subject.String
		event.Actor = actor.String
		parsed, err := time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return nil, fmt.Errorf("audit: sqlite store parse time: %w", err)
		}
		event.Time = parsed
		if len(detailRaw) > 0 {
			if err := json.Unmarshal(detailRaw, &event.Detail); err != nil {
				return nil, fmt.Errorf("audit: sqlite store unmarshal detail: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: sqlite store list rows: %w", err)
	}
	return events, nil
}

// Close stops the pruner and closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil {
		return nil
	}
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) pruneLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.pruneOnce()
		}
	}
}

func (s *SQLiteStore) pruneOnce() {
	cutoff := time.Now().UTC().Add(-s.cfg.RetentionAge).Format(time.RFC3339Nano)
	_, _ = s.db.Exec(`DELETE FROM audit_events WHERE time < ?`, cutoff)
}

var _ Store = (*SQLiteStore)(nil)
