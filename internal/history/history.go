// Package history records supervisor runs in a local SQLite database so
// `warden monitor report` can show what unattended runs actually did.
package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Run is one completed supervisor cycle.
type Run struct {
	ID            string    `db:"id" json:"id"`
	StartedAt     time.Time `db:"started_at" json:"started_at"`
	FinishedAt    time.Time `db:"finished_at" json:"finished_at"`
	ProxyUp       bool      `db:"proxy_up" json:"proxy_up"`
	SSHUp         bool      `db:"ssh_up" json:"ssh_up"`
	PortUp        bool      `db:"port_up" json:"port_up"`
	CertDaysLeft  int       `db:"cert_days_left" json:"cert_days_left"`
	CertKnown     bool      `db:"cert_known" json:"cert_known"`
	Sessions      int       `db:"sessions" json:"sessions"`
	RemovedCSV    string    `db:"removed" json:"removed,omitempty"`
	ExpiringSoon  int       `db:"expiring_soon" json:"expiring_soon"`
	Notified      bool      `db:"notified" json:"notified"`
	FailureReason string    `db:"failure" json:"failure,omitempty"`
}

// Removed returns the usernames the run's expiration sweep deleted.
func (r Run) Removed() []string {
	if r.RemovedCSV == "" {
		return nil
	}
	return strings.Split(r.RemovedCSV, ",")
}

// SetRemoved stores the swept usernames.
func (r *Run) SetRemoved(usernames []string) {
	r.RemovedCSV = strings.Join(usernames, ",")
}

// Store persists supervisor runs. SQLite with a single writer, same
// discipline as any local state db on this host.
type Store struct {
	db *sqlx.DB
}

// NewStore opens (creating if needed) the history database under dataDir.
// Pass empty string for in-memory.
func NewStore(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "history.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate history database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		proxy_up INTEGER NOT NULL DEFAULT 0,
		ssh_up INTEGER NOT NULL DEFAULT 0,
		port_up INTEGER NOT NULL DEFAULT 0,
		cert_days_left INTEGER NOT NULL DEFAULT 0,
		cert_known INTEGER NOT NULL DEFAULT 0,
		sessions INTEGER NOT NULL DEFAULT 0,
		removed TEXT NOT NULL DEFAULT '',
		expiring_soon INTEGER NOT NULL DEFAULT 0,
		notified INTEGER NOT NULL DEFAULT 0,
		failure TEXT NOT NULL DEFAULT ''
	)`)
	return err
}

// Append records a completed run. A missing ID is filled in.
func (s *Store) Append(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO runs
		(id, started_at, finished_at, proxy_up, ssh_up, port_up,
		 cert_days_left, cert_known, sessions, removed, expiring_soon, notified, failure)
		VALUES (:id, :started_at, :finished_at, :proxy_up, :ssh_up, :port_up,
		 :cert_days_left, :cert_known, :sessions, :removed, :expiring_soon, :notified, :failure)`,
		run)
	if err != nil {
		return fmt.Errorf("append run: %w", err)
	}
	return nil
}

// Recent returns the most recent runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	var runs []Run
	err := s.db.SelectContext(ctx, &runs,
		`SELECT * FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Latest returns the newest run, or nil when the history is empty.
func (s *Store) Latest(ctx context.Context) (*Run, error) {
	runs, err := s.Recent(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// Prune drops runs older than the retention window.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE started_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}
