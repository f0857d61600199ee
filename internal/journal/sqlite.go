package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists entries in a SQLite database, keeping at most
// capacity rows.
type SQLiteStore struct {
	db       *sql.DB
	capacity int

	mu     sync.RWMutex
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the journal database at dbPath.
func NewSQLiteStore(dbPath string, capacity int) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite journal requires a path")
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, capacity: capacity}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS requests (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			request_id TEXT NOT NULL,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			status INTEGER NOT NULL,
			duration_ms REAL NOT NULL,
			client TEXT,
			environment TEXT,
			credential TEXT,
			service TEXT,
			error_code TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_service ON requests(service)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_environment ON requests(environment)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, e *Entry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	prepare(e)

	query := `INSERT INTO requests (id, request_id, method, path, status, duration_ms,
		client, environment, credential, service, error_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		e.ID, e.RequestID, e.Method, e.Path, e.Status, e.DurationMs,
		e.Client, e.Environment, e.Credential, e.Service, e.ErrorCode, e.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to insert journal entry: %w", err)
	}

	// Trim to capacity.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM requests WHERE seq <= (SELECT MAX(seq) FROM requests) - ?`, s.capacity,
	); err != nil {
		return fmt.Errorf("failed to trim journal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Recent(ctx context.Context, q Query) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var (
		where []string
		args  []any
	)
	if q.Service != "" {
		where = append(where, "service = ?")
		args = append(args, q.Service)
	}
	if q.Environment != "" {
		where = append(where, "environment = ?")
		args = append(args, q.Environment)
	}

	query := `SELECT id, request_id, method, path, status, duration_ms, client,
		environment, credential, service, error_code, created_at FROM requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			e                                     Entry
			client, env, cred, service, errorCode sql.NullString
			createdAt                             time.Time
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Method, &e.Path, &e.Status, &e.DurationMs,
			&client, &env, &cred, &service, &errorCode, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.Client = client.String
		e.Environment = env.String
		e.Credential = cred.String
		e.Service = service.String
		e.ErrorCode = errorCode.String
		e.CreatedAt = createdAt
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
