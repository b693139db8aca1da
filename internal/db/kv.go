package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"iter"
	"time"

	"github.com/hpungsan/fieldbook/internal/errors"
)

// DefaultScanPageSize is how many rows Scan fetches per round trip.
const DefaultScanPageSize = 64

// Entry is one key/value pair returned by Scan.
type Entry struct {
	Key   string
	Value []byte
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// KV is a durable key-value store scoped to one namespace.
// Every failure is reported as STORAGE_UNAVAILABLE; writes never fail silently.
type KV struct {
	db        *sql.DB
	namespace string
	pageSize  int
}

// NewKV returns a KV bound to namespace. An empty namespace means "default".
func NewKV(database *sql.DB, namespace string) *KV {
	if namespace == "" {
		namespace = "default"
	}
	return &KV{db: database, namespace: namespace, pageSize: DefaultScanPageSize}
}

// Namespace returns the namespace this store is scoped to.
func (s *KV) Namespace() string {
	return s.namespace
}

// Put inserts or replaces the value stored under key.
func (s *KV) Put(ctx context.Context, key string, value []byte) error {
	return put(ctx, s.db, s.namespace, key, value)
}

// Get returns the value stored under key. found is false when the key is absent.
func (s *KV) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	return get(ctx, s.db, s.namespace, key)
}

// Delete removes key. Deleting an absent key is not an error.
func (s *KV) Delete(ctx context.Context, key string) error {
	_, err := del(ctx, s.db, s.namespace, key)
	return err
}

// CompareAndDelete removes key only if its current value equals expected byte for byte.
// Returns whether a row was deleted.
func (s *KV) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE namespace = ? AND key = ? AND value = ?`,
		s.namespace, key, expected,
	)
	if err != nil {
		return false, errors.NewStorageUnavailable("kv compare-and-delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.NewStorageUnavailable("kv compare-and-delete", err)
	}
	return n > 0, nil
}

// DeletePrefix removes every key starting with prefix and returns how many were removed.
func (s *KV) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	query, args := prefixClause(`DELETE FROM kv WHERE namespace = ?`, s.namespace, prefix)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.NewStorageUnavailable("kv delete-prefix", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.NewStorageUnavailable("kv delete-prefix", err)
	}
	return int(n), nil
}

// Count returns the number of keys starting with prefix.
func (s *KV) Count(ctx context.Context, prefix string) (int, error) {
	query, args := prefixClause(`SELECT COUNT(*) FROM kv WHERE namespace = ?`, s.namespace, prefix)
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.NewStorageUnavailable("kv count", err)
	}
	return n, nil
}

// Scan returns a lazy sequence over all entries whose key starts with prefix,
// in ascending key order. Families keyed by monotonic ids therefore scan in
// insertion order. Rows are fetched in pages; each page's cursor is closed
// before entries are yielded, so callers may write to the store while ranging.
// Ranging the returned sequence again re-runs the query from the start.
func (s *KV) Scan(ctx context.Context, prefix string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		after := ""
		first := true
		for {
			page, err := s.scanPage(ctx, prefix, after, first)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			after = page[len(page)-1].Key
			first = false
		}
	}
}

// Collect drains Scan into a slice, stopping at the first error.
func (s *KV) Collect(ctx context.Context, prefix string) ([]Entry, error) {
	var out []Entry
	for e, err := range s.Scan(ctx, prefix) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *KV) scanPage(ctx context.Context, prefix, after string, first bool) ([]Entry, error) {
	query, args := prefixClause(`SELECT key, value FROM kv WHERE namespace = ?`, s.namespace, prefix)
	if !first {
		query += ` AND key > ?`
		args = append(args, after)
	}
	query += ` ORDER BY key LIMIT ?`
	args = append(args, s.pageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewStorageUnavailable("kv scan", err)
	}
	defer rows.Close()

	page := make([]Entry, 0, s.pageSize)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, errors.NewStorageUnavailable("kv scan", err)
		}
		page = append(page, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageUnavailable("kv scan", err)
	}
	return page, nil
}

// Tx is a view of the store inside a single transaction.
type Tx struct {
	tx        *sql.Tx
	namespace string
}

// Put inserts or replaces key inside the transaction.
func (t *Tx) Put(ctx context.Context, key string, value []byte) error {
	return put(ctx, t.tx, t.namespace, key, value)
}

// Get reads key inside the transaction.
func (t *Tx) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return get(ctx, t.tx, t.namespace, key)
}

// Delete removes key inside the transaction and reports whether it existed.
func (t *Tx) Delete(ctx context.Context, key string) (bool, error) {
	return del(ctx, t.tx, t.namespace, key)
}

// Batch runs fn inside one transaction. Either every write in fn commits or none does.
func (s *KV) Batch(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageUnavailable("kv begin", err)
	}

	if err := fn(&Tx{tx: sqlTx, namespace: s.namespace}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return errors.NewStorageUnavailable("kv commit", err)
	}
	return nil
}

func put(ctx context.Context, q querier, namespace, key string, value []byte) error {
	if key == "" {
		return errors.NewInvalidRequest("key must not be empty")
	}
	if value == nil {
		value = []byte{}
	}
	now := time.Now().UnixMilli()
	_, err := q.ExecContext(ctx, `
		INSERT INTO kv (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, namespace, key, value, now)
	if err != nil {
		return errors.NewStorageUnavailable("kv put "+key, err)
	}
	return nil
}

func get(ctx context.Context, q querier, namespace, key string) ([]byte, bool, error) {
	var value []byte
	err := q.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.NewStorageUnavailable("kv get "+key, err)
	}
	return value, true, nil
}

func del(ctx context.Context, q querier, namespace, key string) (bool, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return false, errors.NewStorageUnavailable("kv delete "+key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.NewStorageUnavailable("kv delete "+key, err)
	}
	return n > 0, nil
}

// prefixClause appends a key range condition for prefix to a query that
// already filters by namespace.
func prefixClause(base, namespace, prefix string) (string, []any) {
	args := []any{namespace}
	if prefix == "" {
		return base, args
	}
	query := base + ` AND key >= ?`
	args = append(args, prefix)
	if end, ok := prefixEnd(prefix); ok {
		query += ` AND key < ?`
		args = append(args, end)
	}
	return query, args
}

// prefixEnd returns the smallest string greater than every string with the given prefix.
func prefixEnd(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}
