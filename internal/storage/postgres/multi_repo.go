package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"deviceimport/internal/storage"
)

func init() {
	storage.RegisterMulti("postgres", NewMulti)
}

/*
MultiRepo implements storage.MultiRepository for Postgres.

It provides:
  - Batch inserts with ON CONFLICT DO NOTHING / DO UPDATE per table policy
  - Row-count bracketing inside one READ COMMITTED transaction
  - Post-hoc duplicate removal keeping the smallest id

Every connection comes from the repository's own pgxpool and goes through a
storage.Acquirer, so a dead server trips the breaker instead of hanging each
batch.
*/
type MultiRepo struct {
	pool *pgxpool.Pool
	acq  *storage.Acquirer[*pgxpool.Conn]
}

// NewMulti creates a new Postgres-backed MultiRepo.
func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	pcfg, err := newPoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	r := &MultiRepo{pool: pool}
	r.acq = storage.NewAcquirer[*pgxpool.Conn]("postgres", cfg.Pool,
		pool.Acquire,
		func(ctx context.Context, c *pgxpool.Conn) error { return c.Ping(ctx) },
		func(c *pgxpool.Conn) {
			// A closed conn is destroyed by Release instead of being pooled.
			_ = c.Conn().Close(context.Background())
			c.Release()
		},
		nil,
	)
	return r, nil
}

// newPoolConfig maps storage.PoolConfig onto pgxpool.
//
// Session settings are applied once per physical connection in AfterConnect;
// BeforeAcquire pings idle connections so stale ones are destroyed rather
// than handed to a batch.
func newPoolConfig(cfg storage.MultiConfig) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	p := cfg.Pool.WithDefaults()

	pcfg.MaxConns = p.MaxConns
	pcfg.MinConns = p.MinConns
	pcfg.MaxConnLifetime = p.MaxConnLifetime
	pcfg.MaxConnIdleTime = p.MaxConnIdleTime
	pcfg.HealthCheckPeriod = p.HealthCheckPeriod

	session := buildSessionSQL(p)
	pcfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for _, q := range session {
			if _, err := conn.Exec(ctx, q); err != nil {
				return fmt.Errorf("postgres: session setup %q: %w", q, err)
			}
		}
		return nil
	}
	pcfg.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return conn.Ping(pctx) == nil
	}
	return pcfg, nil
}

// buildSessionSQL returns the per-connection SET statements.
func buildSessionSQL(p storage.PoolConfig) []string {
	var out []string
	if p.WorkMem != "" {
		out = append(out, fmt.Sprintf("SET work_mem = '%s'", strings.ReplaceAll(p.WorkMem, "'", "''")))
	}
	if p.StatementTimeout > 0 {
		out = append(out, fmt.Sprintf("SET statement_timeout = %d", p.StatementTimeout.Milliseconds()))
	}
	return out
}

// Close closes the connection pool.
func (r *MultiRepo) Close() {
	r.pool.Close()
}

// withConn acquires a checked connection and releases it on every path.
func (r *MultiRepo) withConn(ctx context.Context, fn func(c *pgxpool.Conn) error) error {
	c, err := r.acq.Acquire(ctx)
	if err != nil {
		return err
	}
	defer c.Release()
	return fn(c)
}

// withTx runs fn in a READ COMMITTED transaction. The transaction is rolled
// back unless fn and Commit both succeed.
func (r *MultiRepo) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return r.withConn(ctx, func(c *pgxpool.Conn) error {
		tx, err := c.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// EnsureTables creates tables and indexes when AutoCreateTable is enabled.
//
// This method is idempotent: every statement is IF NOT EXISTS and nothing
// is ever dropped.
func (r *MultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	return r.withConn(ctx, func(c *pgxpool.Conn) error {
		for _, t := range tables {
			if !t.AutoCreateTable {
				continue
			}
			schemaSQL, baseSQL, indexSQL, err := buildCreateSQL(t)
			if err != nil {
				return fmt.Errorf("%w: %w", storage.ErrSchemaInit, err)
			}
			if schemaSQL != "" {
				if _, err := c.Exec(ctx, schemaSQL); err != nil {
					return fmt.Errorf("%w: create schema for %s: %w", storage.ErrSchemaInit, t.Name, err)
				}
			}
			if _, err := c.Exec(ctx, baseSQL); err != nil {
				return fmt.Errorf("%w: create table %s: %w", storage.ErrSchemaInit, t.Name, err)
			}
			for _, q := range indexSQL {
				if _, err := c.Exec(ctx, q); err != nil {
					return fmt.Errorf("%w: create index on %s: %w", storage.ErrSchemaInit, t.Name, err)
				}
			}
		}
		return nil
	})
}

// maxParams is Postgres's bind parameter limit per statement.
const maxParams = 65535

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

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		// Held until commit so the count delta covers only this batch.
		if _, err := tx.Exec(ctx, buildLockSQL(spec.Name)); err != nil {
			return err
		}
		pre, err := countRows(ctx, tx, spec.Name)
		if err != nil {
			return err
		}

		chunk := maxParams / len(columns)
		for start := 0; start < len(rows); start += chunk {
			end := min(start+chunk, len(rows))
			q, args := buildInsertSQL(spec, columns, rows[start:end])
			if _, err := tx.Exec(ctx, q, args...); err != nil {
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
		return res, fmt.Errorf("postgres: insert into %s: %w", spec.Name, classifyErr(err))
	}
	return res, nil
}

// CountRows returns the row count of table.
func (r *MultiRepo) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := r.withConn(ctx, func(c *pgxpool.Conn) error {
		var err error
		n, err = countRows(ctx, c, table)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("postgres: count %s: %w", table, classifyErr(err))
	}
	return n, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func countRows(ctx context.Context, q queryRower, table string) (int64, error) {
	var n int64
	err := q.QueryRow(ctx, "SELECT COUNT(*) FROM "+pgTableIdent(table)).Scan(&n)
	return n, err
}

// DeleteDuplicates removes every row whose keyColumn value also appears on a
// row with a smaller idColumn. Rows with a NULL key are never touched.
func (r *MultiRepo) DeleteDuplicates(ctx context.Context, table, keyColumn, idColumn string) (int64, error) {
	if table == "" || keyColumn == "" || idColumn == "" {
		return 0, fmt.Errorf("DeleteDuplicates: table, keyColumn, idColumn are required")
	}

	var removed int64
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		removed = 0
		groupsSQL, deleteSQL := buildDedupSQL(table, keyColumn, idColumn)

		type group struct {
			key    any
			keepID int64
		}
		var groups []group

		rows, err := tx.Query(ctx, groupsSQL)
		if err != nil {
			return err
		}
		for rows.Next() {
			var g group
			if err := rows.Scan(&g.key, &g.keepID); err != nil {
				rows.Close()
				return err
			}
			groups = append(groups, g)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, g := range groups {
			tag, err := tx.Exec(ctx, deleteSQL, g.key, g.keepID)
			if err != nil {
				return err
			}
			removed += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("postgres: dedupe %s: %w", table, classifyErr(err))
	}
	return removed, nil
}

// classifyErr wraps lock conflicts with storage.ErrLockConflict.
//
// Transient SQLSTATEs:
//   - 40P01 deadlock_detected
//   - 40001 serialization_failure
//   - 55P03 lock_not_available
func classifyErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40P01", "40001", "55P03":
			return fmt.Errorf("%w: %w", storage.ErrLockConflict, err)
		}
	}
	return err
}
