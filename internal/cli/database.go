package cli

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/aatuh/dbmigrate"
)

// OpenDatabase opens and pings the configured database and returns it with
// its dialect. Postgres goes through the pgx stdlib driver.
func OpenDatabase(ctx context.Context, c *Config, dsnOverride string) (*sql.DB, dbmigrate.Dialect, error) {
	dialect, err := dbmigrate.DialectFor(c.Database.Driver)
	if err != nil {
		return nil, nil, ConfigError("database.driver", err)
	}

	dsn := dsnOverride
	if dsn == "" {
		dsn, err = c.DSN()
		if err != nil {
			return nil, nil, ConfigError("database configuration", err)
		}
	}

	driver := "pgx"
	if c.IsSQLite() {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, DBConnectError("opening database", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, DBConnectError("connecting to database", err)
	}
	return db, dialect, nil
}

// Locker returns the run-wide locker for the dialect, or nil when locking
// is disabled.
func (c *Config) Locker(db *sql.DB, dialect dbmigrate.Dialect) dbmigrate.Locker {
	if !c.Ledger.Lock {
		return nil
	}
	if dialect.Name() == dbmigrate.Postgres.Name() {
		return dbmigrate.NewPostgresLocker(db)
	}
	return dbmigrate.NewLocalLocker()
}
