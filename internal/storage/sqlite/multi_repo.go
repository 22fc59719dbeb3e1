package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"deviceimport/internal/storage"
)

// MultiRepo implements storage.MultiRepository for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no timestamp type. Timestamps are stored as RFC3339Nano TEXT
//     in UTC, so one instant always has one spelling and unique indexes over
//     time columns behave.
//   - database/sql owns the pool; MaxConns caps open connections. A file
//     database is shared by all of them; ":memory:" is private per connection
//     and only makes sense with MaxConns=1.
//   - Transactions run at SQLite's only isolation level (serializable).
//     Writers that collide get SQLITE_BUSY after busy_timeout, which is
//     reported as storage.ErrLockConflict.
type MultiRepo struct {
	db  *sql.DB
	acq *storage.Acquirer[*sql.Conn]
}

func init() {
	storage.RegisterMulti("sqlite", NewMulti)
}

// NewMulti opens the database file named by cfg.DSN.
func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	p := cfg.Pool.WithDefaults()
	db.SetMaxOpenConns(int(p.MaxConns))
	db.SetMaxIdleConns(int(p.MaxConns))
	db.SetConnMaxLifetime(p.MaxConnLifetime)
	db.SetConnMaxIdleTime(p.MaxConnIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: journal mode: %w", err)
	}

	busy := buildBusyTimeoutSQL(p)
	r := &MultiRepo{db: db}
	r.acq = storage.NewAcquirer[*sql.Conn]("sqlite", p,
		db.Conn,
		func(ctx context.Context, c *sql.Conn) error {
			if err := c.PingContext(ctx); err != nil {
				return err
			}
			_, err := c.ExecContext(ctx, busy)
			return err
		},
		func(c *sql.Conn) {
			// Raw returning driver.ErrBadConn makes database/sql drop the conn.
			_ = c.Raw(func(any) error { return driver.ErrBadConn })
			_ = c.Close()
		},
		nil,
	)
	return r, nil
}

// buildBusyTimeoutSQL maps StatementTimeout onto how long a connection waits
// for a competing writer.
func buildBusyTimeoutSQL(p storage.PoolConfig) string {
	return fmt.Sprintf("PRAGMA busy_timeout = %d", p.StatementTimeout.Milliseconds())
}

func (r *MultiRepo) Close() { _ = r.db.Close() }

func (r *MultiRepo) withConn(ctx context.Context, fn func(c *sql.Conn) error) error {
	c, err := r.acq.Acquire(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func (r *MultiRepo) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return r.withConn(ctx, func(c *sql.Conn) error {
		tx, err := c.BeginTx(ctx, nil)
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

// EnsureTables creates tables and indexes when AutoCreateTable is enabled.
//
// Idempotent: every statement is IF NOT EXISTS.
func (r *MultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	return r.withConn(ctx, func(c *sql.Conn) error {
		for _, t := range tables {
			if !t.AutoCreateTable {
				continue
			}
			baseSQL, indexSQL, err := buildCreateSQL(t)
			if err != nil {
				return fmt.Errorf("%w: %w", storage.ErrSchemaInit, err)
			}
			if _, err := c.ExecContext(ctx, baseSQL); err != nil {
				return fmt.Errorf("%w: create table %s: %w", storage.ErrSchemaInit, t.Name, err)
			}
			for _, q := range indexSQL {
				if _, err := c.ExecContext(ctx, q); err != nil {
					return fmt.Errorf("%w: create index on %s: %w", storage.ErrSchemaInit, t.Name, err)
				}
			}
		}
		return nil
	})
}

// maxParams is SQLITE_MAX_VARIABLE_NUMBER for the bundled library.
const maxParams = 32766

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

	if spec.Upserts() {
		var err error
		rows, err = storage.DedupeRowsByColumns(rows, columns, spec.Load.Conflict.TargetColumns)
		if err != nil {
			return res, fmt.Errorf("InsertBatch %s: %w", spec.Name, err)
		}
	}

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		pre, err := countRows(ctx, tx, spec.Name)
		if err != nil {
			return err
		}

		chunk := maxParams / len(columns)
		for start := 0; start < len(rows); start += chunk {
			end := min(start+chunk, len(rows))
			q, args := buildInsertSQL(spec, columns, rows[start:end])
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
		return res, fmt.Errorf("sqlite: insert into %s: %w", spec.Name, classifyErr(err))
	}
	return res, nil
}

// CountRows returns the row count of table.
func (r *MultiRepo) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := r.withConn(ctx, func(c *sql.Conn) error {
		var err error
		n, err = countRows(ctx, c, table)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("sqlite: count %s: %w", table, classifyErr(err))
	}
	return n, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func countRows(ctx context.Context, q queryRower, table string) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+sqlIdent(table)).Scan(&n)
	return n, err
}

// DeleteDuplicates removes every row whose keyColumn value also appears on a
// row with a smaller idColumn. Rows with a NULL key are never touched.
func (r *MultiRepo) DeleteDuplicates(ctx context.Context, table, keyColumn, idColumn string) (int64, error) {
	if table == "" || keyColumn == "" || idColumn == "" {
		return 0, fmt.Errorf("DeleteDuplicates: table, keyColumn, idColumn are required")
	}

	var removed int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		removed = 0
		res, err := tx.ExecContext(ctx, buildDedupSQL(table, keyColumn, idColumn))
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("sqlite: dedupe %s: %w", table, classifyErr(err))
	}
	return removed, nil
}

// classifyErr wraps SQLITE_BUSY and SQLITE_LOCKED (including their extended
// codes) with storage.ErrLockConflict.
func classifyErr(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %w", storage.ErrLockConflict, err)
		}
	}
	return err
}
