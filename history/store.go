// Package history keeps a local call-history cache in SQLite. The
// backend call-log stays authoritative; this store makes recent calls
// browsable offline and survives restarts.
package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tradeworks/softphone/call"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Entry is one completed call as stored locally.
type Entry struct {
	SessionID       string
	Direction       string
	RemoteName      string
	RemoteNumber    string
	ContactID       string
	Transport       string
	CallSID         string
	BackendRecordID string
	StartedAt       time.Time
	ConnectedAt     *time.Time
	EndedAt         *time.Time
	DurationSeconds int
	LastError       string
}

// Store is a SQLite-backed call history. It implements the controller's
// recorder dependency.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the history database under dataDir with WAL
// mode enabled and runs pending migrations.
func Open(dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "history.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging history database: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With("subsystem", "history")}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("history database opened", "path", dbPath)
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs all pending SQL migration files in order.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %s: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		s.logger.Info("applied migration", "version", version)
	}

	return nil
}

// Record stores the final snapshot of an ended session. Errors are
// logged, not returned: losing one history row must never affect call
// teardown.
func (s *Store) Record(ctx context.Context, sess call.Session) {
	now := time.Now()
	duration := sess.DurationSeconds(now)

	lastError := ""
	if sess.LastError != nil {
		lastError = sess.LastError.Error()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_history (
			session_id, direction, remote_name, remote_number, contact_id,
			transport, call_sid, backend_record_id,
			started_at, connected_at, ended_at, duration_seconds, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			ended_at = excluded.ended_at,
			duration_seconds = excluded.duration_seconds,
			last_error = excluded.last_error`,
		sess.ID,
		string(sess.Direction),
		sess.Remote.DisplayName,
		sess.Remote.Number,
		sess.Remote.ContactID,
		string(sess.Transport),
		sess.Refs.CallSID,
		sess.Refs.BackendRecordID,
		sess.StartedAt.UTC(),
		nullableTime(sess.ConnectedAt),
		nullableTime(sess.EndedAt),
		duration,
		lastError,
	)
	if err != nil {
		s.logger.Error("failed to record call",
			"session_id", sess.ID,
			"error", err,
		)
		return
	}

	s.logger.Debug("call recorded",
		"session_id", sess.ID,
		"duration_seconds", duration,
	)
}

// List returns the most recent calls, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, direction, remote_name, remote_number, contact_id,
			transport, call_sid, backend_record_id,
			started_at, connected_at, ended_at, duration_seconds, last_error
		FROM call_history
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying call history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var connectedAt, endedAt sql.NullTime
		err := rows.Scan(
			&e.SessionID, &e.Direction, &e.RemoteName, &e.RemoteNumber, &e.ContactID,
			&e.Transport, &e.CallSID, &e.BackendRecordID,
			&e.StartedAt, &connectedAt, &endedAt, &e.DurationSeconds, &e.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning call history row: %w", err)
		}
		if connectedAt.Valid {
			t := connectedAt.Time
			e.ConnectedAt = &t
		}
		if endedAt.Valid {
			t := endedAt.Time
			e.EndedAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of stored calls.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM call_history").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting call history: %w", err)
	}
	return n, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
