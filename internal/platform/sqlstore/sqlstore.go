package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" driver

	"github.com/phrazzld/genqueue/internal/queue"
)

// Dialect names a supported database.
type Dialect string

// Supported dialects
const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// ErrUnsupportedDialect is returned for a dialect this package does not know.
var ErrUnsupportedDialect = errors.New("unsupported database dialect")

// driverName returns the database/sql driver registered for d.
func (d Dialect) driverName() (string, error) {
	switch d {
	case DialectPostgres:
		return "pgx", nil
	case DialectSQLite:
		return "sqlite3", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedDialect, d)
}

// Store implements queue.Store on a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

var _ queue.Store = (*Store)(nil)

// Open connects to the database at dsn, verifies the connection and returns
// a Store. It does not run migrations.
func Open(ctx context.Context, dialect Dialect, dsn string, logger *slog.Logger) (*Store, error) {
	driver, err := dialect.driverName()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	if dialect == DialectSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == DialectSQLite {
		// one writer at a time; extra connections only produce SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return New(db, dialect, logger), nil
}

// sqliteBusyTimeout is how long a SQLite write waits for a lock held by
// another process before failing with SQLITE_BUSY.
const sqliteBusyTimeout = 5 * time.Second

// sqliteDSN adds a busy timeout to dsn unless it already sets one, so
// workers in several processes can share one database file.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_busy_timeout=") || strings.Contains(dsn, "_timeout=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_busy_timeout=" + strconv.FormatInt(sqliteBusyTimeout.Milliseconds(), 10)
}

// New wraps an open database. The caller keeps ownership of db unless it
// calls Close on the Store.
func New(db *sql.DB, dialect Dialect, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:      db,
		dialect: dialect,
		logger:  logger.With("component", "sqlstore", "dialect", string(dialect)),
	}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the dialect the store was opened with.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// rebind rewrites "?" placeholders into the dialect's form.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
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

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
