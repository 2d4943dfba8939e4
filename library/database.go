package library

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Database provides high-level helpers around a SQL connection. It speaks
// both SQLite and PostgreSQL; queries are written with ? placeholders and
// rebound for the active driver.
type Database struct {
	db     *sqlx.DB
	driver string
	gq     goqu.DialectWrapper
}

// NewDatabase opens (or creates) the SQLite database at dbPath and applies
// schema migrations.
func NewDatabase(dbPath string) (*Database, error) {
	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	// Write transactions take the lock at BEGIN so concurrent borrowers queue
	// on busy_timeout instead of failing on lock upgrade.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate", dbPath)
	return OpenDatabase(context.Background(), DriverSQLite, dsn)
}

// OpenDatabase connects with the given driver and DSN, verifies the
// connection and applies schema migrations.
func OpenDatabase(ctx context.Context, driver, dsn string) (*Database, error) {
	var dialect string
	switch driver {
	case DriverSQLite:
		dialect = "sqlite3"
	case DriverPostgres:
		dialect = "postgres"
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverPostgres {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	d := &Database{db: db, driver: driver, gq: goqu.Dialect(dialect)}
	if err := d.applyMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the DB.
func (d *Database) Close() error { return d.db.Close() }

// Ping checks store connectivity.
func (d *Database) Ping(ctx context.Context) error {
	var one int
	return d.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

// Driver returns the database/sql driver name in use.
func (d *Database) Driver() string { return d.driver }

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 1

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
        user_id INTEGER PRIMARY KEY AUTOINCREMENT,
        username TEXT NOT NULL UNIQUE,
        email TEXT NOT NULL UNIQUE,
        password_hash TEXT NOT NULL,
        role TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('user','admin'))
    );`,
	`CREATE TABLE IF NOT EXISTS books (
        book_id INTEGER PRIMARY KEY AUTOINCREMENT,
        title TEXT NOT NULL,
        author TEXT NOT NULL,
        category TEXT,
        isbn TEXT UNIQUE,
        available_copies INTEGER NOT NULL DEFAULT 0 CHECK (available_copies >= 0)
    );`,
	`CREATE INDEX IF NOT EXISTS idx_books_category ON books(category);`,
	`CREATE TABLE IF NOT EXISTS book_copies (
        copy_id INTEGER PRIMARY KEY AUTOINCREMENT,
        book_id INTEGER NOT NULL REFERENCES books(book_id) ON DELETE CASCADE,
        status TEXT NOT NULL DEFAULT 'available' CHECK (status IN ('available','borrowed'))
    );`,
	`CREATE INDEX IF NOT EXISTS idx_book_copies_book_status ON book_copies(book_id, status);`,
	`CREATE TABLE IF NOT EXISTS borrow_transactions (
        borrow_id INTEGER PRIMARY KEY AUTOINCREMENT,
        user_id INTEGER NOT NULL REFERENCES users(user_id),
        copy_id INTEGER NOT NULL REFERENCES book_copies(copy_id) ON DELETE CASCADE,
        borrow_date DATETIME NOT NULL,
        due_date DATETIME NOT NULL,
        return_date DATETIME
    );`,
	`CREATE INDEX IF NOT EXISTS idx_borrow_transactions_user ON borrow_transactions(user_id, borrow_date);`,
	// At most one active loan per copy.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_borrow_transactions_active_copy
        ON borrow_transactions(copy_id) WHERE return_date IS NULL;`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
        user_id BIGSERIAL PRIMARY KEY,
        username TEXT NOT NULL UNIQUE,
        email TEXT NOT NULL UNIQUE,
        password_hash TEXT NOT NULL,
        role TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('user','admin'))
    );`,
	`CREATE TABLE IF NOT EXISTS books (
        book_id BIGSERIAL PRIMARY KEY,
        title TEXT NOT NULL,
        author TEXT NOT NULL,
        category TEXT,
        isbn TEXT UNIQUE,
        available_copies INTEGER NOT NULL DEFAULT 0 CHECK (available_copies >= 0)
    );`,
	`CREATE INDEX IF NOT EXISTS idx_books_category ON books(category);`,
	`CREATE TABLE IF NOT EXISTS book_copies (
        copy_id BIGSERIAL PRIMARY KEY,
        book_id BIGINT NOT NULL REFERENCES books(book_id) ON DELETE CASCADE,
        status TEXT NOT NULL DEFAULT 'available' CHECK (status IN ('available','borrowed'))
    );`,
	`CREATE INDEX IF NOT EXISTS idx_book_copies_book_status ON book_copies(book_id, status);`,
	`CREATE TABLE IF NOT EXISTS borrow_transactions (
        borrow_id BIGSERIAL PRIMARY KEY,
        user_id BIGINT NOT NULL REFERENCES users(user_id),
        copy_id BIGINT NOT NULL REFERENCES book_copies(copy_id) ON DELETE CASCADE,
        borrow_date TIMESTAMPTZ NOT NULL,
        due_date TIMESTAMPTZ NOT NULL,
        return_date TIMESTAMPTZ
    );`,
	`CREATE INDEX IF NOT EXISTS idx_borrow_transactions_user ON borrow_transactions(user_id, borrow_date);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_borrow_transactions_active_copy
        ON borrow_transactions(copy_id) WHERE return_date IS NULL;`,
}

func (d *Database) applyMigrations(ctx context.Context) error {
	stmts := postgresSchema
	if d.driver == DriverSQLite {
		// WAL improves write concurrency.
		if _, err := d.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("enable WAL: %w", err)
		}
		stmts = sqliteSchema
	}

	if _, err := d.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current string
	_ = d.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if v, err := strconv.Atoi(current); err == nil && v >= schemaVersion {
		return nil
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO meta(key,value) VALUES('schema_version',?)
        ON CONFLICT(key) DO UPDATE SET value=excluded.value;`), strconv.Itoa(schemaVersion)); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// withTx runs fn in one transaction and commits when fn succeeds. Any error
// rolls the whole unit back.
func (d *Database) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// forUpdate returns the row-lock clause for the active driver. SQLite locks
// the whole database for the duration of a write transaction, so it needs none.
func (d *Database) forUpdate(skipLocked bool) string {
	if d.driver != DriverPostgres {
		return ""
	}
	if skipLocked {
		return " FOR UPDATE SKIP LOCKED"
	}
	return " FOR UPDATE"
}

func (d *Database) count(ctx context.Context, table string, where goqu.Ex) (int64, error) {
	ds := d.gq.From(table).Select(goqu.COUNT(goqu.Star()))
	if len(where) > 0 {
		ds = ds.Where(where)
	}
	q, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build count %s: %w", table, err)
	}
	var n int64
	if err := d.db.GetContext(ctx, &n, q, args...); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Stats returns inventory counts for dashboards and gauges.
func (d *Database) Stats(ctx context.Context) (Stats, error) {
	var (
		s   Stats
		err error
	)
	if s.Books, err = d.count(ctx, "books", nil); err != nil {
		return s, err
	}
	if s.CopiesAvailable, err = d.count(ctx, "book_copies", goqu.Ex{"status": string(CopyAvailable)}); err != nil {
		return s, err
	}
	if s.CopiesBorrowed, err = d.count(ctx, "book_copies", goqu.Ex{"status": string(CopyBorrowed)}); err != nil {
		return s, err
	}
	if s.Users, err = d.count(ctx, "users", nil); err != nil {
		return s, err
	}
	if s.ActiveLoans, err = d.CountActive(ctx); err != nil {
		return s, err
	}
	return s, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return false
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
