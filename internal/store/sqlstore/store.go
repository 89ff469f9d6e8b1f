// Package sqlstore persists settings, channels, links, admins and users
// through database/sql. SQLite (modernc) and PostgreSQL (pgx) share one set of
// queries written with '?' placeholders and rebound per dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"forcesub-bot/pkg/forcesub"
)

// Dialect selects the SQL driver and placeholder style.
type Dialect string

const (
	// DialectSQLite uses modernc.org/sqlite.
	DialectSQLite Dialect = "sqlite"
	// DialectPostgres uses pgx through database/sql.
	DialectPostgres Dialect = "postgres"
)

const sqlitePragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"

// Config describes one database connection.
type Config struct {
	Dialect         Dialect
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store implements the forcesub persistence interfaces over one *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open connects, tunes the pool and pings the database. Migrations are run
// separately through Migrate.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("open store: empty dsn")
	}

	var driverName, dsn string
	switch cfg.Dialect {
	case DialectSQLite:
		driverName = "sqlite"
		dsn = cfg.DSN
		if !strings.Contains(dsn, "?") {
			dsn += "?" + sqlitePragmas
		}
	case DialectPostgres:
		driverName = "pgx"
		dsn = cfg.DSN
	default:
		return nil, fmt.Errorf("open store: unsupported dialect %q", cfg.Dialect)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Dialect, err)
	}

	if cfg.Dialect == DialectSQLite {
		// SQLite allows one writer at a time.
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", cfg.Dialect, err)
	}

	return New(db, cfg.Dialect), nil
}

// New wraps an already opened database.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	return s.db.Close()
}

// Dialect returns the store dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

func (s *Store) nowMillis() int64 {
	return s.now().UTC().UnixMilli()
}

// rebind rewrites '?' placeholders into '$n' for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var builder strings.Builder
	builder.Grow(len(query) + 8)
	position := 0
	for _, char := range query {
		if char != '?' {
			builder.WriteRune(char)
			continue
		}
		position++
		builder.WriteByte('$')
		builder.WriteString(strconv.Itoa(position))
	}

	return builder.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// requireAffected maps a zero-row write to forcesub.ErrNotFound.
func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return forcesub.ErrNotFound
	}

	return nil
}

var (
	_ forcesub.ConfigStore  = (*Store)(nil)
	_ forcesub.ChannelStore = (*Store)(nil)
	_ forcesub.LinkStore    = (*Store)(nil)
	_ forcesub.AdminStore   = (*Store)(nil)
	_ forcesub.UserStore    = (*Store)(nil)
)
