// Package sqlite implements the store using modernc.org/sqlite, a pure
// Go SQLite driver (no cgo). Suitable for single-node deployments and
// tests. Conditional upserts keep step recording first-write-wins.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	_ "modernc.org/sqlite" // register the "sqlite" driver

	"github.com/stepflow/stepflow/workflow"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Ensure Store implements the ledger at compile time.
var _ workflow.Ledger = (*Store)(nil)

// Store is a SQLite implementation of store.Store using database/sql.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New opens a SQLite database at the given path. Use ":memory:" for an
// in-memory database in tests.
func New(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("stepflow/sqlite: open %s: %w", path, err)
	}

	// SQLite supports one writer. Serializing through a single
	// connection avoids SQLITE_BUSY and keeps :memory: databases from
	// splitting per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		return nil, fmt.Errorf("stepflow/sqlite: set busy_timeout: %w", err)
	}

	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate runs all embedded SQL migration files in order.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS stepflow_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("stepflow/sqlite: create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("stepflow/sqlite: read migrations: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var applied bool
		err = s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM stepflow_migrations WHERE filename = ?)`,
			entry.Name(),
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("stepflow/sqlite: check migration %s: %w", entry.Name(), err)
		}
		if applied {
			continue
		}

		data, readErr := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if readErr != nil {
			return fmt.Errorf("stepflow/sqlite: read migration %s: %w", entry.Name(), readErr)
		}

		if _, err = s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("stepflow/sqlite: apply migration %s: %w", entry.Name(), err)
		}

		if _, err = s.db.ExecContext(ctx,
			`INSERT INTO stepflow_migrations (filename) VALUES (?)`,
			entry.Name(),
		); err != nil {
			return fmt.Errorf("stepflow/sqlite: record migration %s: %w", entry.Name(), err)
		}

		s.logger.Info("applied migration", slog.String("filename", entry.Name()))
	}

	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
