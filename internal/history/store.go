package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "pulsed/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config controls where the database lives and how much history is kept.
type Config struct {
	// Path is the SQLite database file. Parent directories are created.
	Path string
	// Keep is the number of run rows retained per probe. Zero means 1000.
	Keep int
	// BusyTimeout is passed to SQLite's busy_timeout pragma.
	BusyTimeout time.Duration
}

// Run is one completed probe firing.
type Run struct {
	Probe    string
	Started  time.Time
	Duration time.Duration
	OK       bool
	Error    string
}

// Store is a SQLite-backed run log. A nil *Store is safe to use; all
// operations become no-ops, so callers don't need to branch on whether
// history is configured.
type Store struct {
	db   *sql.DB
	log  logx.Logger
	keep int

	opCount    atomic.Uint64
	pruneEvery uint64
}

// Open opens (creating if needed) the database at cfg.Path and applies
// migrations.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("history: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	keep := cfg.Keep
	if keep <= 0 {
		keep = 1000
	}
	st := &Store{db: db, log: log, keep: keep, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendRun records a completed firing. Every pruneEvery appends it also
// trims each probe's history back to the keep limit.
func (s *Store) AppendRun(ctx context.Context, r Run) error {
	if s == nil || s.db == nil {
		return nil
	}
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(probe, started, duration_ms, ok, err) VALUES(?,?,?,?,?)`,
		r.Probe, r.Started.Format(time.RFC3339Nano), r.Duration.Milliseconds(), r.OK, nullStr(r.Error),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.prune(pctx, r.Probe); perr != nil && !s.log.IsZero() {
			s.log.Warn("history prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

// AppendStop records a scheduler stop verdict.
func (s *Store) AppendStop(ctx context.Context, probe string, at time.Time, graceful bool) error {
	if s == nil || s.db == nil {
		return nil
	}
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stops(probe, at, graceful) VALUES(?,?,?)`,
		probe, at.Format(time.RFC3339Nano), graceful,
	)
	return err
}

// RecentRuns returns up to limit runs for the probe, newest first.
func (s *Store) RecentRuns(ctx context.Context, probe string, limit int) ([]Run, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT probe, started, duration_ms, ok, err FROM runs
		 WHERE probe = ? ORDER BY id DESC LIMIT ?`,
		probe, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r       Run
			started string
			ms      int64
			errStr  sql.NullString
		)
		if err := rows.Scan(&r.Probe, &started, &ms, &r.OK, &errStr); err != nil {
			return nil, err
		}
		if t, perr := time.Parse(time.RFC3339Nano, started); perr == nil {
			r.Started = t
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		r.Error = errStr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) prune(ctx context.Context, probe string) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE probe = ? AND id NOT IN (
		   SELECT id FROM runs WHERE probe = ? ORDER BY id DESC LIMIT ?
		 )`,
		probe, probe, s.keep,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
