package switchgeardb

import (
	"database/sql"
	"fmt"

	postgres_migrate "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/lib/pq" // postgres driver.
)

// PostgresConfig holds the connection parameters of the postgres
// backend.
type PostgresConfig struct {
	Host               string `long:"host" description:"Database server hostname."`
	Port               int    `long:"port" description:"Database server port."`
	User               string `long:"user" description:"Database user."`
	Password           string `long:"password" description:"Database user's password."`
	DBName             string `long:"dbname" description:"Database name to use."`
	MaxOpenConnections int32  `long:"maxconnections" description:"Max open connections to keep alive to the database server."`
	RequireSSL         bool   `long:"requiressl" description:"Whether to require using SSL (mode: require) when connecting to the server."`
}

// DSN returns the driver connection string, with the password elided
// unless hidePassword is false.
func (c *PostgresConfig) DSN(hidePassword bool) string {
	var sslMode = "disable"
	if c.RequireSSL {
		sslMode = "require"
	}

	password := c.Password
	if hidePassword {
		password = "****"
	}

	return fmt.Sprintf("postgres://%v:%v@%v:%d/%v?sslmode=%v",
		c.User, password, c.Host, c.Port, c.DBName, sslMode)
}

// PostgresStore is a postgres backed database.
type PostgresStore struct {
	*BaseDB
}

// NewPostgresStore connects to the postgres database and brings its
// schema up to date.
func NewPostgresStore(cfg *PostgresConfig) (*PostgresStore, error) {
	log.Infof("Using SQL database '%s'", cfg.DSN(true))

	db, err := sql.Open("postgres", cfg.DSN(false))
	if err != nil {
		return nil, fmt.Errorf("unable to open postgres db: %w", err)
	}

	if cfg.MaxOpenConnections > 0 {
		db.SetMaxOpenConns(int(cfg.MaxOpenConnections))
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("unable to reach postgres: %w", err)
	}

	driver, err := postgres_migrate.WithInstance(
		db, &postgres_migrate.Config{},
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create migration driver: "+
			"%w", err)
	}
	if err := applyMigrations(driver, "postgres"); err != nil {
		return nil, err
	}

	return &PostgresStore{
		BaseDB: &BaseDB{DB: db, dialect: "postgres"},
	}, nil
}
