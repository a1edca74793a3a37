// Package sqldb implements the repository interfaces on database/sql.
//
// One code path serves two backends, picked from the DATABASE_URL scheme:
//
//	sqlite://data/chatdesk.db   modernc.org/sqlite (pure Go, no cgo)
//	file:data/chatdesk.db       same, DSN handed to the driver as-is
//	:memory:                    in-memory SQLite, used by tests
//	postgres://user:pw@host/db  jackc/pgx through its database/sql adapter
//
// Queries are written with "?" placeholders and rebound to "$1, $2, ..."
// for Postgres. The schema is managed by goose with per-dialect migrations
// embedded in the binary.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/chatdesk/internal/repository"
	"github.com/sakif/chatdesk/internal/repository/sqldb/migrations"
)

// Dialect selects driver, placeholder style and migration set.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// sqlitePragmas are applied by modernc on every new connection.
const sqlitePragmas = "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

var (
	_ repository.UserRepository         = (*DB)(nil)
	_ repository.StoreRepository        = (*DB)(nil)
	_ repository.ConversationRepository = (*DB)(nil)
)

// DB owns the connection pool and implements every repository interface.
type DB struct {
	conn    *sql.DB
	dialect Dialect
}

// Target is a parsed DATABASE_URL.
type Target struct {
	Dialect Dialect
	Driver  string // database/sql driver name
	DSN     string // what the driver receives
	Path    string // SQLite file path, empty for memory and Postgres
	Memory  bool
}

// ParseURL turns a DATABASE_URL into a Target.
func ParseURL(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return Target{}, errors.New("sqldb: empty database url")

	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return Target{Dialect: DialectPostgres, Driver: "pgx", DSN: raw}, nil

	case raw == ":memory:", raw == "sqlite://:memory:":
		return Target{Dialect: DialectSQLite, Driver: "sqlite", DSN: ":memory:?" + sqlitePragmas, Memory: true}, nil

	case strings.HasPrefix(raw, "file:"):
		sep := "?"
		if strings.Contains(raw, "?") {
			sep = "&"
		}
		path, _, _ := strings.Cut(strings.TrimPrefix(raw, "file:"), "?")
		return Target{
			Dialect: DialectSQLite,
			Driver:  "sqlite",
			DSN:     raw + sep + sqlitePragmas,
			Path:    path,
			Memory:  strings.Contains(raw, "mode=memory") || path == ":memory:",
		}, nil

	case strings.HasPrefix(raw, "sqlite://"):
		path := strings.TrimPrefix(raw, "sqlite://")
		if path == "" {
			return Target{}, fmt.Errorf("sqldb: %q has no file path", raw)
		}
		return Target{Dialect: DialectSQLite, Driver: "sqlite", DSN: path + "?" + sqlitePragmas, Path: path}, nil

	case strings.Contains(raw, "://"):
		scheme, _, _ := strings.Cut(raw, "://")
		return Target{}, fmt.Errorf("sqldb: unsupported database scheme %q", scheme)

	default:
		// a bare path means a SQLite file
		return Target{Dialect: DialectSQLite, Driver: "sqlite", DSN: raw + "?" + sqlitePragmas, Path: raw}, nil
	}
}

// Open connects to the database named by rawURL, verifies the connection
// and applies pending migrations.
func Open(ctx context.Context, rawURL string, logger *slog.Logger) (*DB, error) {
	target, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	if target.Path != "" {
		if dir := filepath.Dir(target.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqldb: creating database directory %s: %w", dir, err)
			}
		}
	}

	conn, err := sql.Open(target.Driver, target.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqldb: opening database: %w", err)
	}

	if target.Memory {
		// each new connection to :memory: would be a fresh, empty database
		conn.SetMaxOpenConns(1)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqldb: pinging database: %w", err)
	}

	db := New(conn, target.Dialect)
	if err := db.Migrate(ctx, logger); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

// New wraps an existing pool without migrating it. Tests use it with
// sqlmock.
func New(conn *sql.DB, dialect Dialect) *DB {
	return &DB{conn: conn, dialect: dialect}
}

// Migrate applies every embedded migration that has not run yet.
func (db *DB) Migrate(ctx context.Context, logger *slog.Logger) error {
	gooseDialect := goose.DialectSQLite3
	if db.dialect == DialectPostgres {
		gooseDialect = goose.DialectPostgres
	}

	fsys, err := fs.Sub(migrations.FS, string(db.dialect))
	if err != nil {
		return fmt.Errorf("sqldb: locating %s migrations: %w", db.dialect, err)
	}

	provider, err := goose.NewProvider(gooseDialect, db.conn, fsys)
	if err != nil {
		return fmt.Errorf("sqldb: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("sqldb: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("migration applied",
			slog.String("dialect", string(db.dialect)),
			slog.Int64("version", r.Source.Version),
			slog.Duration("duration", r.Duration),
		)
	}
	return nil
}

// Dialect reports which backend this DB talks to.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Ping is used by the health check.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// dbtx is implemented by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction, committing when fn returns nil and
// rolling back on error or panic.
func (db *DB) withTx(ctx context.Context, fn func(tx dbtx) error) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqldb: beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("sqldb: committing transaction: %w", cerr)
		}
	}()

	return fn(tx)
}

// q adapts a "?"-style query to the current dialect.
func (db *DB) q(query string) string {
	if db.dialect != DialectPostgres {
		return query
	}
	return rebind(query)
}

// rebind rewrites "?" placeholders to "$n". Queries in this package never
// contain a literal question mark.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// isUniqueViolation reports a UNIQUE or PRIMARY KEY clash in either backend.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// isForeignKeyViolation reports a dangling reference in either backend.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
	}
	return false
}
