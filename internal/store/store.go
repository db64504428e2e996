// Package store persists policies, waivers, runs, and outbox intents
// in SQLite. The decision core needs only key lookups, inserts, and
// conditional updates — no joins.
package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the SQLite database file. Use ":memory:" in tests (the
	// pool size is forced to 1 since each in-memory connection is
	// independent).
	Path string

	// PoolSize is the number of connections. Defaults to 4. SQLite
	// serializes writes regardless, so extra connections only help
	// concurrent reads.
	PoolSize int

	// Logger receives operational messages. If nil, logs are dropped.
	Logger *slog.Logger
}

// Store is a fixed-size pool of SQLite connections with the schema
// applied. Safe for concurrent use; individual connections are not.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates the connection pool, applies pragmas, and ensures the
// schema exists. The database file is created if absent.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	if cfg.Path == ":memory:" {
		poolSize = 1
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}

	logger.Info("store opened", "path", cfg.Path, "pool_size", poolSize)

	return &Store{pool: pool, logger: logger, path: cfg.Path}, nil
}

// Close closes all connections. Blocks until borrowed connections are
// returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: take connection: %w", err)
	}
	return conn, nil
}

func (s *Store) put(conn *sqlite.Conn) {
	s.pool.Put(conn)
}

// prepareConnection applies standard pragmas and the schema. Runs once
// per connection on first use.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS policies (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	org_id     TEXT NOT NULL,
	repo_id    TEXT NOT NULL DEFAULT '',
	scope      TEXT NOT NULL,
	version    TEXT NOT NULL,
	checksum   TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_policies_scope
	ON policies(org_id, repo_id, scope, created_at);

CREATE TABLE IF NOT EXISTS waivers (
	id          TEXT PRIMARY KEY,
	org_id      TEXT NOT NULL,
	repo_id     TEXT NOT NULL DEFAULT '',
	rule_id     TEXT NOT NULL,
	scope       TEXT NOT NULL,
	scope_value TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL,
	approved_by TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	expires_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_waivers_repo ON waivers(org_id, repo_id);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	org_id       TEXT NOT NULL,
	repository   TEXT NOT NULL,
	branch       TEXT NOT NULL DEFAULT '',
	trigger_type TEXT NOT NULL,
	stages       TEXT NOT NULL,
	gates_failed TEXT NOT NULL DEFAULT '[]',
	gates_passed INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	conclusion   TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox_intents (
	id              TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL UNIQUE,
	payload         TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	max_retries     INTEGER NOT NULL,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	delivered_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending
	ON outbox_intents(status, created_at);
`
