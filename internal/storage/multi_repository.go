package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MultiConfig is the configuration needed to create a repository.
//
// When to use:
//   - Use MultiConfig when constructing a MultiRepository via NewMulti.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//   - Zero Pool fields fall back to DefaultPoolConfig.
//
// Errors:
//   - NewMulti returns an error if Kind is empty or unsupported.
type MultiConfig struct {
	Kind string
	DSN  string
	Pool PoolConfig
}

// BatchResult reports one batch insert. Inserted counts rows that are new
// in the table after the batch; for upserting tables a row that refreshed an
// existing key is not counted.
type BatchResult struct {
	Attempted int
	Inserted  int
}

// Duplicates is the number of attempted rows that did not add a row.
func (b BatchResult) Duplicates() int {
	return b.Attempted - b.Inserted
}

// ClampInserted turns a before/after row count pair into an inserted count in
// [0, attempted]. Concurrent deletes or inserts by other writers can push the
// raw delta outside that range.
func ClampInserted(pre, post int64, attempted int) int {
	d := post - pre
	if d < 0 {
		return 0
	}
	if d > int64(attempted) {
		return attempted
	}
	return int(d)
}

// MultiRepository is a backend-agnostic interface over the record tables.
//
// Each backend implements these semantics in its own idiomatic way
// (Postgres ON CONFLICT, SQLite ON CONFLICT, SQL Server NOT EXISTS/MERGE).
type MultiRepository interface {
	// Close releases the connection pool.
	//
	// Edge cases:
	//   - Callers should treat Close as "call once".
	Close()

	// EnsureTables creates tables and indexes that do not exist yet. It never
	// drops or alters anything. Errors wrap ErrSchemaInit.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// InsertBatch writes rows in one READ COMMITTED transaction (SQLite uses
	// its default serializable mode): count, insert with the table's conflict
	// policy, count again, commit. Transient failures wrap ErrLockConflict and
	// leave nothing committed.
	InsertBatch(ctx context.Context, spec TableSpec, columns []string, rows [][]any) (BatchResult, error)

	// CountRows returns the number of rows in table.
	CountRows(ctx context.Context, table string) (int64, error)

	// DeleteDuplicates keeps the row with the smallest idColumn in every group
	// of rows sharing keyColumn and deletes the rest, in one transaction. It
	// returns the number of rows removed.
	DeleteDuplicates(ctx context.Context, table, keyColumn, idColumn string) (int64, error)
}

// ---- factories ----

type multiFactory func(ctx context.Context, cfg MultiConfig) (MultiRepository, error)

var (
	multiMu        sync.RWMutex
	multiFactories = map[string]multiFactory{}
)

// RegisterMulti registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call RegisterMulti from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by NewMulti.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func RegisterMulti(kind string, f multiFactory) {
	multiMu.Lock()
	defer multiMu.Unlock()

	if kind == "" {
		panic("storage: RegisterMulti called with empty kind")
	}
	if f == nil {
		panic("storage: RegisterMulti called with nil factory")
	}
	if _, exists := multiFactories[kind]; exists {
		panic(fmt.Sprintf("storage: multi factory already registered for kind=%q", kind))
	}

	multiFactories[kind] = f
}

// RegisteredKinds lists registered backend kinds, sorted.
func RegisteredKinds() []string {
	multiMu.RLock()
	defer multiMu.RUnlock()

	out := make([]string, 0, len(multiFactories))
	for k := range multiFactories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NewMulti constructs a MultiRepository using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with RegisterMulti.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func NewMulti(ctx context.Context, cfg MultiConfig) (MultiRepository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing multi.Kind")
	}

	multiMu.RLock()
	f := multiFactories[cfg.Kind]
	multiMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported multi storage.kind=%s (registered: %v)", cfg.Kind, RegisteredKinds())
	}
	cfg.Pool = cfg.Pool.WithDefaults()
	return f(ctx, cfg)
}
