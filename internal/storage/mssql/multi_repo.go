package mssql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	mssqldb "github.com/microsoft/go-mssqldb"

	"deviceimport/internal/storage"
)

// MultiRepo implements storage.MultiRepository for Microsoft SQL Server.
//
// Conflict policies map onto T-SQL this way:
//   - upsert: MERGE ... WITH (HOLDLOCK) on the conflict target
//   - ignore: INSERT ... SELECT ... WHERE NOT EXISTS on the conflict columns
//   - plain:  INSERT ... VALUES
//
// Neither MERGE nor NOT EXISTS tolerates the same key twice in one
// statement, so rows are deduplicated on the conflict columns first.
//
// Concurrency:
//   - Each batch runs in one READ COMMITTED transaction. MERGE takes HOLDLOCK
//     so two writers upserting the same key serialize instead of both
//     inserting.
//   - LOCK_TIMEOUT is set on every acquired connection; error 1222 (lock
//     timeout) and 1205 (deadlock victim) surface as storage.ErrLockConflict.
type MultiRepo struct {
	db  *sql.DB
	acq *storage.Acquirer[dbConn]
}

func init() {
	storage.RegisterMulti("mssql", NewMulti)
}

// NewMulti constructs a MultiRepo using database/sql and the "sqlserver"
// driver registered by go-mssqldb.
//
// This method validates connectivity via PingContext.
func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: open: %w", err)
	}
	p := cfg.Pool.WithDefaults()
	raw.SetMaxOpenConns(int(p.MaxConns))
	raw.SetMaxIdleConns(int(p.MaxConns))
	raw.SetConnMaxLifetime(p.MaxConnLifetime)
	raw.SetConnMaxIdleTime(p.MaxConnIdleTime)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}

	lockTimeout := buildLockTimeoutSQL(p)
	acq := storage.NewAcquirer[dbConn]("mssql", p,
		func(ctx context.Context) (dbConn, error) {
			c, err := raw.Conn(ctx)
			if err != nil {
				return nil, err
			}
			return &sqlConn{c: c}, nil
		},
		func(ctx context.Context, c dbConn) error {
			if err := c.PingContext(ctx); err != nil {
				return err
			}
			_, err := c.ExecContext(ctx, lockTimeout)
			return err
		},
		func(c dbConn) { _ = c.Discard() },
		nil,
	)
	return &MultiRepo{db: raw, acq: acq}, nil
}

func buildLockTimeoutSQL(p storage.PoolConfig) string {
	return fmt.Sprintf("SET LOCK_TIMEOUT %d;", p.StatementTimeout.Milliseconds())
}

// Close releases database resources held by this repository.
func (r *MultiRepo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

func (r *MultiRepo) withConn(ctx context.Context, fn func(c dbConn) error) error {
	c, err := r.acq.Acquire(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func (r *MultiRepo) withTx(ctx context.Context, fn func(tx txConn) error) error {
	return r.withConn(ctx, func(c dbConn) error {
		tx, err := c.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// EnsureTables creates tables and indexes that are missing.
//
// Behavior:
//   - If AutoCreateTable is false: no-op.
//   - Tables are guarded by OBJECT_ID and indexes by sys.indexes, so the
//     method is idempotent and safe to run on every import.
func (r *MultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	return r.withConn(ctx, func(c dbConn) error {
		for _, t := range tables {
			if !t.AutoCreateTable {
				continue
			}
			baseSQL, indexSQL, err := buildCreateSQL(t)
			if err != nil {
				return fmt.Errorf("%w: %w", storage.ErrSchemaInit, err)
			}
			if _, err := c.ExecContext(ctx, baseSQL); err != nil {
				return fmt.Errorf("%w: mssql: create table %s: %w", storage.ErrSchemaInit, t.Name, err)
			}
			for _, q := range indexSQL {
				if _, err := c.ExecContext(ctx, q); err != nil {
					return fmt.Errorf("%w: mssql: create index on %s: %w", storage.ErrSchemaInit, t.Name, err)
				}
			}
		}
		return nil
	})
}

// maxParams stays under SQL Server's 2100 parameter limit per request.
const maxParams = 2000

// InsertBatch inserts rows under spec's conflict policy and reports how many
// rows the table gained.
func (r *MultiRepo) InsertBatch(
	ctx context.Context,
	spec storage.TableSpec,
	columns []string,
	rows [][]any,
) (storage.BatchResult, error) {
	res := storage.BatchResult{Attempted: len(rows)}
	if len(rows) == 0 {
		return res, nil
	}
	if len(columns) == 0 {
		return res, fmt.Errorf("InsertBatch: columns is empty")
	}
	if len(columns) > maxParams {
		return res, fmt.Errorf("InsertBatch: %d columns exceed the parameter limit", len(columns))
	}

	keyCols := spec.ConflictColumns()
	if spec.Upserts() || spec.IgnoresConflicts() {
		var err error
		rows, err = storage.DedupeRowsByColumns(rows, columns, keyCols)
		if err != nil {
			return res, fmt.Errorf("InsertBatch %s: %w", spec.Name, err)
		}
	}

	err := r.withTx(ctx, func(tx txConn) error {
		var pre int64
		err := tx.QueryRowContext(ctx, buildLockedCountSQL(spec.Name)).Scan(&pre)
		if err != nil {
			return err
		}

		chunk := maxParams / len(columns)
		for start := 0; start < len(rows); start += chunk {
			end := min(start+chunk, len(rows))
			part := rows[start:end]

			var q string
			var args []any
			switch {
			case spec.Upserts():
				q, args = buildMergeSQL(spec, columns, part)
			case spec.IgnoresConflicts() && len(keyCols) > 0:
				q, args = buildInsertNotExistsSQL(spec.Name, columns, part, keyCols)
			default:
				q, args = buildBulkInsertSQL(spec.Name, columns, part)
			}
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return err
			}
		}

		post, err := countRows(ctx, tx, spec.Name)
		if err != nil {
			return err
		}
		res.Inserted = storage.ClampInserted(pre, post, res.Attempted)
		return nil
	})
	if err != nil {
		res.Inserted = 0
		return res, fmt.Errorf("mssql: insert into %s: %w", spec.Name, classifyErr(err))
	}
	return res, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
}

func countRows(ctx context.Context, q queryRower, table string) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx, "SELECT COUNT_BIG(*) FROM "+mssqlTableIdent(table)+";").Scan(&n)
	return n, err
}

// CountRows returns the row count of table.
func (r *MultiRepo) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := r.withConn(ctx, func(c dbConn) error {
		var err error
		n, err = countRows(ctx, c, table)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("mssql: count %s: %w", table, classifyErr(err))
	}
	return n, nil
}

// DeleteDuplicates keeps the smallest idColumn per keyColumn value and
// deletes the rest in one statement. NULL keys are left alone.
func (r *MultiRepo) DeleteDuplicates(ctx context.Context, table, keyColumn, idColumn string) (int64, error) {
	if table == "" || keyColumn == "" || idColumn == "" {
		return 0, fmt.Errorf("DeleteDuplicates: table, keyColumn, idColumn are required")
	}

	var removed int64
	err := r.withTx(ctx, func(tx txConn) error {
		res, err := tx.ExecContext(ctx, buildDedupSQL(table, keyColumn, idColumn))
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("mssql: dedupe %s: %w", table, classifyErr(err))
	}
	return removed, nil
}

// classifyErr wraps deadlock (1205) and lock timeout (1222) errors with
// storage.ErrLockConflict.
func classifyErr(err error) error {
	var me mssqldb.Error
	if errors.As(err, &me) {
		switch me.Number {
		case 1205, 1222:
			return fmt.Errorf("%w: %w", storage.ErrLockConflict, err)
		}
	}
	return err
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.Conn used to make this package testable.
//
// It intentionally includes only the methods this file needs.
type dbConn interface {
	PingContext(ctx context.Context) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	// Close returns the connection to the pool.
	Close() error
	// Discard closes the connection and keeps it out of the pool.
	Discard() error
}

// txConn is a small interface over *sql.Tx used for testability.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	Commit() error
	Rollback() error
}

// rowScanner is a narrow adapter over *sql.Row.Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

// sqlConn wraps *sql.Conn to implement dbConn.
type sqlConn struct {
	c *sql.Conn
}

func (s *sqlConn) PingContext(ctx context.Context) error { return s.c.PingContext(ctx) }

func (s *sqlConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.c.ExecContext(ctx, query, args...)
}

func (s *sqlConn) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.c.QueryRowContext(ctx, query, args...)
}

// BeginTx begins a transaction and returns a txConn wrapper.
func (s *sqlConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.c.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqlConn) Close() error { return s.c.Close() }

func (s *sqlConn) Discard() error {
	_ = s.c.Raw(func(any) error { return driver.ErrBadConn })
	return s.c.Close()
}

// sqlTx wraps *sql.Tx to implement txConn.
type sqlTx struct {
	tx *sql.Tx
}

// ExecContext executes a statement within this transaction.
func (s *sqlTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, query, args...)
}

// QueryRowContext executes a query expected to return at most one row.
func (s *sqlTx) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.tx.QueryRowContext(ctx, query, args...)
}

// Commit commits the transaction.
func (s *sqlTx) Commit() error { return s.tx.Commit() }

// Rollback rolls back the transaction.
func (s *sqlTx) Rollback() error { return s.tx.Rollback() }

// compile-time sanity checks (no runtime cost).
var (
	_ dbConn = (*sqlConn)(nil)
	_ txConn = (*sqlTx)(nil)
)
