// Package session implements a thin wrapper around a *sql.DB (and, inside a
// transaction, a pinned *sql.Conn) that every other component issues its
// SQL through, plus the
// schema_versions registry table migration reads
// and writes. Grounded on BeadsLog's internal/storage/sqlite connection
// setup (driver registration and PRAGMA tuning), adapted from the
// issue-tracker's fixed schema to a generic per-table schema_versions
// registry, one row per entity table's migration plan.
package session

import (
	"context"
	"database/sql"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/ionvault/persist/internal/perr"
)

// querier abstracts over *sql.DB and *sql.Conn so Session can run the same
// code whether or not it is inside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Session wraps one SQLite connection pool and, optionally, an open
// transaction. A Session produced by Open has no transaction; one produced
// by WithTransaction carries the transaction's pinned *sql.Conn and a
// caller-supplied id used for log correlation.
type Session struct {
	db   *sql.DB
	conn *sql.Conn
	txID string
	q    querier
}

// Open opens (creating if absent) a SQLite database file at path, applies
// the journal-mode and busy-timeout pragmas BeadsLog uses for a
// single-writer, many-reader workload, and ensures the schema_versions
// registry table exists.
func Open(ctx context.Context, path string) (*Session, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, perr.Storagef(err, "failed to open sqlite database %q", path)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, perr.Storagef(err, "failed to apply pragma %q", p)
		}
	}
	s := &Session{db: db, q: db}
	if err := s.ensureSchemaVersionsTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle. It is a no-op on a Session
// produced by WithTransaction; the caller must Close the root Session.
func (s *Session) Close() error {
	if s.conn != nil {
		return nil
	}
	return s.db.Close()
}

// InTransaction reports whether this Session wraps an open transaction.
func (s *Session) InTransaction() bool {
	return s.conn != nil
}

// TxID returns the correlation id passed to WithTransaction, or "" on a
// non-transactional Session.
func (s *Session) TxID() string {
	return s.txID
}

// WithTransaction begins a new immediate transaction (write intent declared
// up front, since an atomic scope needs a real write lock before mutating)
// and runs fn with a transactional Session. BEGIN IMMEDIATE, fn's
// statements, and COMMIT/ROLLBACK all run on one pinned *sql.Conn borrowed
// from the pool for the duration of the transaction — issuing BEGIN on a
// pooled connection and then starting a separate *sql.Tx would either hit
// the BEGIN on the same connection the Tx then reuses ("cannot start a
// transaction within a transaction") or orphan a write-lock-holding
// connection that never commits. fn's returned error rolls the transaction
// back; fn's return err is propagated to the caller unmodified. txID is an
// opaque string used to correlate this transaction's writes with the
// originating atomic scope's log lines.
func (s *Session) WithTransaction(ctx context.Context, txID string, fn func(tx *Session) error) error {
	if s.conn != nil {
		return perr.Internalf("nested transactions are not supported (already in tx %q)", s.txID)
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return perr.Storagef(err, "failed to acquire connection for transaction %q", txID)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return perr.StorageOrConflictf(err, "failed to begin immediate transaction")
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	txSession := &Session{db: s.db, conn: conn, txID: txID, q: conn}

	if err := fn(txSession); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return perr.StorageOrConflictf(err, "failed to commit transaction %q", txID)
	}
	committed = true
	return nil
}

// Exec runs a statement with no expected result rows, implementing
// migration.SQLExecutor.
func (s *Session) Exec(ctx context.Context, sqlStmt string) error {
	_, err := s.q.ExecContext(ctx, sqlStmt)
	if err != nil {
		return perr.Storagef(err, "exec failed: %s", sqlStmt)
	}
	return nil
}

// ExecArgs runs a parameterized statement and returns the number of rows
// affected.
func (s *Session) ExecArgs(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, perr.Storagef(err, "exec failed: %s", query)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, perr.Storagef(err, "rows affected failed: %s", query)
	}
	return n, nil
}

// Query runs a parameterized query and returns the resulting rows.
func (s *Session) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, perr.Storagef(err, "query failed: %s", query)
	}
	return rows, nil
}

// QueryRow runs a parameterized query expected to return at most one row.
func (s *Session) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, query, args...)
}

const schemaVersionsDDL = `
CREATE TABLE IF NOT EXISTS schema_versions (
	table_name TEXT PRIMARY KEY,
	schema_version INTEGER NOT NULL
)`

func (s *Session) ensureSchemaVersionsTable(ctx context.Context) error {
	return s.Exec(ctx, schemaVersionsDDL)
}

// GetTableSchemaVersion implements migration.SQLExecutor: it reads the
// recorded schema_version for table, returning ok=false if the table has
// never been registered.
func (s *Session) GetTableSchemaVersion(ctx context.Context, table string) (int, bool, error) {
	row := s.QueryRow(ctx, `SELECT schema_version FROM schema_versions WHERE table_name = ?`, table)
	var v int
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, perr.Storagef(err, "failed to read schema_version for %q", table)
	}
	return v, true, nil
}

// SetTableSchemaVersion implements migration.SQLExecutor: it upserts the
// recorded schema_version for table.
func (s *Session) SetTableSchemaVersion(ctx context.Context, table string, version int) error {
	_, err := s.ExecArgs(ctx, `
		INSERT INTO schema_versions (table_name, schema_version) VALUES (?, ?)
		ON CONFLICT(table_name) DO UPDATE SET schema_version = excluded.schema_version
	`, table, version)
	return err
}
