// Package switchgeardb implements the discovery and offer stores on
// SQL backends. Sqlite serves the single-node deployment, postgres the
// shared one; both run the same embedded migrations and the same
// queries through a small transaction executor.
package switchgeardb

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultStoreTimeout is the timeout applied to store transactions
// that are not bounded by a caller context.
const DefaultStoreTimeout = 10 * time.Second

// TxOptions defines the set of db txn options the stores understand.
type TxOptions interface {
	// ReadOnly returns true if the transaction should be read only.
	ReadOnly() bool
}

type txOptions struct {
	readOnly bool
}

// ReadOnly returns true if the transaction should be read only.
//
// NOTE: This is part of the TxOptions interface.
func (t *txOptions) ReadOnly() bool {
	return t.readOnly
}

// NewReadTx creates a read transaction option set.
func NewReadTx() TxOptions {
	return &txOptions{readOnly: true}
}

// NewWriteTx creates a write transaction option set.
func NewWriteTx() TxOptions {
	return &txOptions{}
}

// BaseDB is the common ground of the sqlite and postgres backends: the
// open handle, its dialect and the transaction executor.
type BaseDB struct {
	*sql.DB

	dialect string
}

// ExecTx executes the given function within a database transaction,
// committing on success and rolling back on error.
func (db *BaseDB) ExecTx(ctx context.Context, opts TxOptions,
	fn func(tx *sql.Tx) error) error {

	tx, err := db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly: opts.ReadOnly(),
	})
	if err != nil {
		return fmt.Errorf("unable to begin transaction: %w", err)
	}

	// Rollback is a no-op after a successful commit.
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("unable to commit transaction: %w", err)
	}

	return nil
}

// applyMigrations runs all embedded migrations against the database
// using the given dialect driver.
func applyMigrations(driver database.Driver, dialect string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("unable to open migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, dialect, driver)
	if err != nil {
		return fmt.Errorf("unable to create migration instance: %w",
			err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("unable to apply migrations: %w", err)
	}

	return nil
}
