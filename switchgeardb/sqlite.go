package switchgeardb

import (
	"database/sql"
	"fmt"
	"net/url"
	"testing"

	sqlite_migrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite" // sqlite driver.
)

// SqliteConfig holds the configuration of the sqlite backend.
type SqliteConfig struct {
	// DatabaseFileName is the path of the database file.
	DatabaseFileName string `long:"dbfile" description:"The full path to the database."`
}

// SqliteStore is a sqlite backed database.
type SqliteStore struct {
	*BaseDB
}

// NewSqliteStore opens (and creates, if necessary) the sqlite database
// and brings its schema up to date.
func NewSqliteStore(cfg *SqliteConfig) (*SqliteStore, error) {
	pragmas := url.Values{}
	pragmas.Add("_pragma", "busy_timeout=5000")
	pragmas.Add("_pragma", "journal_mode=WAL")
	pragmas.Add("_pragma", "foreign_keys=on")

	dsn := fmt.Sprintf(
		"%s?%s", cfg.DatabaseFileName, pragmas.Encode(),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite db: %w", err)
	}

	// Sqlite serializes writers anyway, a single connection avoids
	// spurious SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)

	driver, err := sqlite_migrate.WithInstance(
		db, &sqlite_migrate.Config{},
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create migration driver: "+
			"%w", err)
	}
	if err := applyMigrations(driver, "sqlite"); err != nil {
		return nil, err
	}

	return &SqliteStore{
		BaseDB: &BaseDB{DB: db, dialect: "sqlite"},
	}, nil
}

// NewTestDB creates a fresh sqlite database for tests.
func NewTestDB(t *testing.T) *SqliteStore {
	t.Helper()

	store, err := NewSqliteStore(&SqliteConfig{
		DatabaseFileName: t.TempDir() + "/switchgear.db",
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.DB.Close())
	})

	return store
}
