package sqlstore

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Migrate applies pending embedded migrations and returns the resulting schema version.
func (s *Store) Migrate() (uint, error) {
	migrator, err := s.migrator()
	if err != nil {
		return 0, err
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}

	return version, nil
}

// migrator binds the embedded source for the store dialect to the open
// database. The returned migrator must not be closed: that would close s.db.
func (s *Store) migrator() (*migrate.Migrate, error) {
	var (
		dbDriver database.Driver
		err      error
	)
	switch s.dialect {
	case DialectSQLite:
		dbDriver, err = migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	case DialectPostgres:
		dbDriver, err = migratepgx.WithInstance(s.db, &migratepgx.Config{})
	default:
		return nil, fmt.Errorf("create migrator: unsupported dialect %q", s.dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("create migration db driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations/"+string(s.dialect))
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", sourceDriver, string(s.dialect), dbDriver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}

	return migrator, nil
}
