// Package store defines the aggregate persistence interface for the
// run ledger. Backends: Postgres, Bun, SQLite, Redis, and Memory.
package store

import (
	"context"

	"github.com/stepflow/stepflow/workflow"
)

// Store is the aggregate persistence interface. It is the workflow
// ledger plus backend lifecycle. A single backend (postgres, sqlite,
// redis, memory) implements all of it.
type Store interface {
	workflow.Ledger

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
