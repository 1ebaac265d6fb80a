// Package auditstore keeps a timeline of authentication attempts in SQLite.
// Recording an attempt is best-effort from the workflow's perspective; a
// failed insert is logged, never surfaced to the caller.
package auditstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/keyvox-labs/keyvox-core/internal/config"
	_ "modernc.org/sqlite"
)

// Attempt is one recorded register/enroll/verify operation.
type Attempt struct {
	ID        int64
	RequestID string
	Username  string
	Kind      string // register, enroll, verify
	Outcome   string // ok, conflict, not_found, rejected, ...
	Score     float64
	CreatedAt time.Time
}

// Store wraps the SQLite-backed attempt log. A disabled store is valid and
// turns every call into a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.AuditConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the audit store according to config.
func Open(ctx context.Context, cfg config.AuditConfig, log *slog.Logger) (*Store, error) {
	if !cfg.Enabled {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("audit store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("audit store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS attempts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT,
    username TEXT NOT NULL,
    kind TEXT NOT NULL,
    outcome TEXT NOT NULL,
    score REAL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_user_created ON attempts(username, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record writes one attempt into the log.
func (s *Store) Record(ctx context.Context, a Attempt) error {
	if s.db == nil {
		return nil
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts(request_id, username, kind, outcome, score, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		a.RequestID, a.Username, a.Kind, a.Outcome, a.Score, a.CreatedAt)
	return err
}

// ListUserAttempts retrieves up to limit attempts for one user, oldest first.
func (s *Store) ListUserAttempts(ctx context.Context, username string, limit int) ([]Attempt, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, username, kind, outcome, score, created_at
		 FROM attempts WHERE username = ? ORDER BY created_at ASC, id ASC LIMIT ?`, username, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		var created string
		if err := rows.Scan(&a.ID, &a.RequestID, &a.Username, &a.Kind, &a.Outcome, &a.Score, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			a.CreatedAt = ts
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// Prune applies the configured retention window.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil || s.cfg.RetentionDays <= 0 {
		return nil
	}
	cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	_, err := s.db.ExecContext(ctx, `DELETE FROM attempts WHERE created_at < ?`, cutoff.UTC())
	return err
}
