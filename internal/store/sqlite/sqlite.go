// Package sqlite implements store.Store on SQLite via the pure-Go modernc
// driver. The database runs in WAL mode behind a single connection, so every
// multi-statement operation is a transaction on that connection.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ahrav/go-promptlab/internal/store"
)

// ErrConflict is store.ErrConflict, kept here for callers holding a *Store.
var ErrConflict = store.ErrConflict

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	provider   TEXT NOT NULL,
	label      TEXT NOT NULL,
	secret     TEXT NOT NULL,
	active     INTEGER NOT NULL DEFAULT 1,
	deleted    INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credentials_lookup ON credentials(project_id, provider, label);

CREATE TABLE IF NOT EXISTS experiments (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	name       TEXT NOT NULL,
	config     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS prompt_versions (
	id            TEXT PRIMARY KEY,
	experiment_id TEXT NOT NULL REFERENCES experiments(id),
	version       INTEGER NOT NULL,
	text          TEXT NOT NULL,
	system_text   TEXT NOT NULL DEFAULT '',
	few_shot      TEXT NOT NULL DEFAULT '[]',
	tool_schema   TEXT,
	created_at    INTEGER NOT NULL,
	UNIQUE (experiment_id, version)
);

CREATE TABLE IF NOT EXISTS datasets (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	name       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS dataset_cases (
	id         TEXT PRIMARY KEY,
	dataset_id TEXT NOT NULL REFERENCES datasets(id),
	input      TEXT NOT NULL,
	tags       TEXT NOT NULL DEFAULT '[]',
	difficulty REAL NOT NULL DEFAULT 0,
	input_hash TEXT NOT NULL,
	UNIQUE (dataset_id, input_hash)
);

CREATE TABLE IF NOT EXISTS iterations (
	id                TEXT PRIMARY KEY,
	experiment_id     TEXT NOT NULL REFERENCES experiments(id),
	prompt_version_id TEXT NOT NULL REFERENCES prompt_versions(id),
	sequence          INTEGER NOT NULL,
	status            TEXT NOT NULL,
	last_stage        TEXT NOT NULL DEFAULT '',
	error             TEXT NOT NULL DEFAULT '',
	metrics           TEXT,
	composite         REAL,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL,
	UNIQUE (experiment_id, sequence)
);

CREATE TABLE IF NOT EXISTS model_runs (
	id                TEXT PRIMARY KEY,
	iteration_id      TEXT NOT NULL REFERENCES iterations(id),
	model_config_id   TEXT NOT NULL,
	provider          TEXT NOT NULL,
	model             TEXT NOT NULL,
	status            TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	cost_millicents   INTEGER NOT NULL DEFAULT 0,
	cases_total       INTEGER NOT NULL DEFAULT 0,
	cases_done        INTEGER NOT NULL DEFAULT 0,
	error             TEXT NOT NULL DEFAULT '',
	started_at        INTEGER NOT NULL,
	finished_at       INTEGER
);
CREATE INDEX IF NOT EXISTS idx_model_runs_iteration ON model_runs(iteration_id);
CREATE INDEX IF NOT EXISTS idx_model_runs_status ON model_runs(status, started_at);

CREATE TABLE IF NOT EXISTS outputs (
	id                TEXT PRIMARY KEY,
	model_run_id      TEXT NOT NULL REFERENCES model_runs(id),
	case_id           TEXT NOT NULL,
	text              TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	latency_ms        INTEGER NOT NULL,
	cached            INTEGER NOT NULL,
	cost_millicents   INTEGER NOT NULL,
	created_at        INTEGER NOT NULL,
	UNIQUE (model_run_id, case_id)
);

CREATE TABLE IF NOT EXISTS judgments (
	id                 TEXT PRIMARY KEY,
	output_id          TEXT NOT NULL REFERENCES outputs(id),
	judge_config_id    TEXT NOT NULL,
	mode               TEXT NOT NULL,
	scores             TEXT,
	rationale          TEXT NOT NULL DEFAULT '',
	compared_output_id TEXT NOT NULL DEFAULT '',
	run_ids            TEXT,
	winner_run_id      TEXT NOT NULL DEFAULT '',
	created_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_judgments_output ON judgments(output_id);

CREATE TABLE IF NOT EXISTS safety_results (
	output_id  TEXT PRIMARY KEY REFERENCES outputs(id),
	report     TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS suggestions (
	id                TEXT PRIMARY KEY,
	experiment_id     TEXT NOT NULL REFERENCES experiments(id),
	iteration_id      TEXT NOT NULL,
	prompt_version_id TEXT NOT NULL,
	diff              TEXT NOT NULL,
	note              TEXT NOT NULL DEFAULT '',
	target_criteria   TEXT NOT NULL DEFAULT '[]',
	status            TEXT NOT NULL,
	created_at        INTEGER NOT NULL,
	reviewed_at       INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_suggestions_one_pending
	ON suggestions(experiment_id) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS cost_entries (
	id                TEXT PRIMARY KEY,
	project_id        TEXT NOT NULL,
	experiment_id     TEXT NOT NULL,
	iteration_id      TEXT NOT NULL DEFAULT '',
	provider          TEXT NOT NULL,
	model             TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	cost_millicents   INTEGER NOT NULL,
	created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cost_entries_experiment ON cost_entries(experiment_id);
CREATE INDEX IF NOT EXISTS idx_cost_entries_project ON cost_entries(project_id);
`

// Config configures the SQLite store.
type Config struct {
	// Path is the database file path.
	Path string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// Store is the SQLite-backed store.Store.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once

	insertOutputStmt *sql.Stmt
	appendCostStmt   *sql.Stmt
	progressStmt     *sql.Stmt
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports a single writer; one connection also keeps
	// transactions from contending with each other.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error

	s.insertOutputStmt, err = s.db.PrepareContext(ctx, `
		INSERT INTO outputs (id, model_run_id, case_id, text, prompt_tokens, completion_tokens,
			latency_ms, cached, cost_millicents, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (model_run_id, case_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert output statement: %w", err)
	}

	s.appendCostStmt, err = s.db.PrepareContext(ctx, `
		INSERT INTO cost_entries (id, project_id, experiment_id, iteration_id, provider, model,
			prompt_tokens, completion_tokens, cost_millicents, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare append cost statement: %w", err)
	}

	s.progressStmt, err = s.db.PrepareContext(ctx, `
		UPDATE model_runs SET cases_done = MAX(cases_done, ?), cases_total = ?
		WHERE id = ? AND status = 'RUNNING'`)
	if err != nil {
		return fmt.Errorf("failed to prepare progress statement: %w", err)
	}

	return nil
}

// Close releases the prepared statements and the database. It is idempotent.
func (s *Store) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		for _, stmt := range []*sql.Stmt{s.insertOutputStmt, s.appendCostStmt, s.progressStmt} {
			if stmt != nil {
				_ = stmt.Close()
			}
		}
		closeErr = s.db.Close()
	})
	return closeErr
}

// withTx runs fn in a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func toUnix(t time.Time) int64 { return t.UTC().UnixNano() }

func fromUnix(n int64) time.Time { return time.Unix(0, n).UTC() }

func fromNullUnix(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnix(n.Int64)
	return &t
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toUnix(*t), Valid: true}
}

func now() time.Time { return time.Now().UTC() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal column: %w", err)
	}
	return string(b), nil
}

func unmarshalJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("failed to unmarshal column: %w", err)
	}
	return nil
}

// isConstraint reports whether err is a SQLite constraint violation.
func isConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

// notFound maps sql.ErrNoRows onto store.ErrNotFound.
func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %q: %w", what, id, store.ErrNotFound)
	}
	return fmt.Errorf("failed to load %s %q: %w", what, id, err)
}
