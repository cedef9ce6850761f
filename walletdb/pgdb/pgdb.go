// Copyright (c) 2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package pgdb implements a walletdb backend on top of Postgres via pgx,
// giving the flush scheduler and backup operation a second,
// network-accessible driver alongside the local bbolt-backed bdb driver.
// The ordered key/value Bucket/Cursor interface is emulated over a single
// table keyed by a bucket path plus the entry's own key, which keeps
// ordering (required by Cursor.Seek/Next/Prev) a property of a single
// btree index rather than of application-level pagination.
package pgdb

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dashwallet/core/walletdb"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dbType = "pgdb"

const schema = `
CREATE TABLE IF NOT EXISTS walletdb_kv (
	bucket_path TEXT NOT NULL,
	entry_key   BYTEA NOT NULL,
	entry_value BYTEA,
	is_bucket   BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (bucket_path, entry_key)
);
`

// db is the pgx-backed walletdb.DB implementation. A single connection
// pool is shared across every transaction opened against it.
type db struct {
	pool *pgxpool.Pool
}

var _ walletdb.DB = (*db)(nil)

// openDB connects to dsn and ensures the backing table exists.
func openDB(ctx context.Context, dsn string) (*db, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgdb: connect: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgdb: create schema: %w", err)
	}

	return &db{pool: pool}, nil
}

func (d *db) BeginReadTx() (walletdb.ReadTx, error) {
	ctx := context.Background()
	pgxTx, err := d.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("pgdb: begin read tx: %w", err)
	}
	return &transaction{ctx: ctx, pgxTx: pgxTx, writable: false}, nil
}

func (d *db) BeginReadWriteTx() (walletdb.ReadWriteTx, error) {
	ctx := context.Background()
	pgxTx, err := d.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadWrite})
	if err != nil {
		return nil, fmt.Errorf("pgdb: begin read-write tx: %w", err)
	}
	return &transaction{ctx: ctx, pgxTx: pgxTx, writable: true}, nil
}

// View invokes f in a read-only transaction, retrying once (after calling
// reset) if Postgres reports a serialization failure.
func (d *db) View(f func(tx walletdb.ReadTx) error, reset func()) error {
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			reset()
		}

		tx, err := d.BeginReadTx()
		if err != nil {
			return err
		}

		err = f(tx)
		_ = tx.Rollback()
		if isRetryable(err) {
			continue
		}
		return err
	}
	return fmt.Errorf("pgdb: view: exceeded retry attempts")
}

// Update invokes f in a read-write transaction, committing on success and
// retrying once (after calling reset) on a serialization failure.
func (d *db) Update(f func(tx walletdb.ReadWriteTx) error, reset func()) error {
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			reset()
		}

		tx, err := d.BeginReadWriteTx()
		if err != nil {
			return err
		}

		if err := f(tx); err != nil {
			_ = tx.Rollback()
			if isRetryable(err) {
				continue
			}
			return err
		}

		err = tx.Commit()
		if isRetryable(err) {
			continue
		}
		return err
	}
	return fmt.Errorf("pgdb: update: exceeded retry attempts")
}

// isRetryable reports whether err is a Postgres serialization failure
// (SQLSTATE 40001), the only case View and Update retry rather than
// surface as a StorageError (7.).
func isRetryable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SQLSTATE 40001")
}

func (d *db) PrintStats() string {
	stat := d.pool.Stat()
	return fmt.Sprintf("acquired=%d idle=%d total=%d",
		stat.AcquiredConns(), stat.IdleConns(), stat.TotalConns())
}

// Copy dumps every row via a COPY-style query, approximating the bdb
// driver's hot-backup Copy method for the pgdb backend.
func (d *db) Copy(w io.Writer) error {
	ctx := context.Background()
	rows, err := d.pool.Query(ctx,
		`SELECT bucket_path, entry_key, entry_value, is_bucket
		 FROM walletdb_kv ORDER BY bucket_path, entry_key`)
	if err != nil {
		return fmt.Errorf("pgdb: copy query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var path string
		var key, value []byte
		var isBucket bool
		if err := rows.Scan(&path, &key, &value, &isBucket); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s\t%x\t%x\t%t\n",
			path, key, value, isBucket); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (d *db) Close() error {
	d.pool.Close()
	return nil
}

// pathJoin returns the child bucket path for a bucket at parent whose
// entry key is key. Keys are hex-encoded so that arbitrary binary keys
// can be embedded in the '/'-joined path without ambiguity.
func pathJoin(parent string, key []byte) string {
	if parent == "" {
		return hex.EncodeToString(key)
	}
	return parent + "/" + hex.EncodeToString(key)
}

// transaction wraps a pgx.Tx as a walletdb ReadTx/ReadWriteTx.
type transaction struct {
	ctx      context.Context
	pgxTx    pgx.Tx
	writable bool
	done     bool
}

var _ walletdb.ReadWriteTx = (*transaction)(nil)

func (tx *transaction) ReadBucket(key []byte) walletdb.ReadBucket {
	b := tx.ReadWriteBucket(key)
	if b == nil {
		return nil
	}
	return b
}

func (tx *transaction) ReadWriteBucket(key []byte) walletdb.ReadWriteBucket {
	path := pathJoin("", key)
	exists, err := bucketExists(tx.ctx, tx.pgxTx, "", key)
	if err != nil || !exists {
		return nil
	}
	return &bucket{tx: tx, path: path}
}

func (tx *transaction) CreateTopLevelBucket(key []byte) (walletdb.ReadWriteBucket, error) {
	if !tx.writable {
		return nil, walletdb.ErrTxNotWritable
	}
	if len(key) == 0 {
		return nil, walletdb.ErrBucketNameRequired
	}

	_, err := tx.pgxTx.Exec(tx.ctx,
		`INSERT INTO walletdb_kv (bucket_path, entry_key, entry_value, is_bucket)
		 VALUES ('', $1, NULL, TRUE)
		 ON CONFLICT (bucket_path, entry_key) DO NOTHING`, key)
	if err != nil {
		return nil, fmt.Errorf("pgdb: create top level bucket: %w", err)
	}

	return &bucket{tx: tx, path: pathJoin("", key)}, nil
}

func (tx *transaction) DeleteTopLevelBucket(key []byte) error {
	if !tx.writable {
		return walletdb.ErrTxNotWritable
	}

	exists, err := bucketExists(tx.ctx, tx.pgxTx, "", key)
	if err != nil {
		return err
	}
	if !exists {
		return walletdb.ErrBucketNotFound
	}

	return deleteBucketTree(tx.ctx, tx.pgxTx, "", key)
}

func (tx *transaction) Commit() error {
	if tx.done {
		return walletdb.ErrTxClosed
	}
	tx.done = true
	return tx.pgxTx.Commit(tx.ctx)
}

func (tx *transaction) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	return tx.pgxTx.Rollback(tx.ctx)
}

// bucketExists reports whether a bucket entry is present at parent/key.
func bucketExists(ctx context.Context, q interface {
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}, parent string, key []byte) (bool, error) {
	var isBucket bool
	err := q.QueryRow(ctx,
		`SELECT is_bucket FROM walletdb_kv WHERE bucket_path=$1 AND entry_key=$2`,
		parent, key).Scan(&isBucket)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return isBucket, nil
}

// deleteBucketTree removes the bucket entry at parent/key, along with
// every entry nested (directly or transitively) under its path.
func deleteBucketTree(ctx context.Context, tx pgx.Tx, parent string, key []byte) error {
	childPath := pathJoin(parent, key)

	if _, err := tx.Exec(ctx,
		`DELETE FROM walletdb_kv WHERE bucket_path = $1 OR bucket_path LIKE $2`,
		childPath, childPath+"/%"); err != nil {
		return fmt.Errorf("pgdb: delete bucket tree: %w", err)
	}

	_, err := tx.Exec(ctx,
		`DELETE FROM walletdb_kv WHERE bucket_path=$1 AND entry_key=$2`,
		parent, key)
	if err != nil {
		return fmt.Errorf("pgdb: delete bucket entry: %w", err)
	}
	return nil
}

// bucket implements walletdb.ReadWriteBucket over a bucket_path.
type bucket struct {
	tx   *transaction
	path string
}

var _ walletdb.ReadWriteBucket = (*bucket)(nil)

func (b *bucket) NestedReadBucket(key []byte) walletdb.ReadBucket {
	nb := b.NestedReadWriteBucket(key)
	if nb == nil {
		return nil
	}
	return nb
}

func (b *bucket) NestedReadWriteBucket(key []byte) walletdb.ReadWriteBucket {
	exists, err := bucketExists(b.tx.ctx, b.tx.pgxTx, b.path, key)
	if err != nil || !exists {
		return nil
	}
	return &bucket{tx: b.tx, path: pathJoin(b.path, key)}
}

func (b *bucket) CreateBucket(key []byte) (walletdb.ReadWriteBucket, error) {
	if !b.tx.writable {
		return nil, walletdb.ErrTxNotWritable
	}
	if len(key) == 0 {
		return nil, walletdb.ErrBucketNameRequired
	}

	exists, err := bucketExists(b.tx.ctx, b.tx.pgxTx, b.path, key)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, walletdb.ErrBucketExists
	}

	_, err = b.tx.pgxTx.Exec(b.tx.ctx,
		`INSERT INTO walletdb_kv (bucket_path, entry_key, entry_value, is_bucket)
		 VALUES ($1, $2, NULL, TRUE)`, b.path, key)
	if err != nil {
		return nil, fmt.Errorf("pgdb: create bucket: %w", err)
	}

	return &bucket{tx: b.tx, path: pathJoin(b.path, key)}, nil
}

func (b *bucket) CreateBucketIfNotExists(key []byte) (walletdb.ReadWriteBucket, error) {
	nb, err := b.CreateBucket(key)
	if err == walletdb.ErrBucketExists {
		return b.NestedReadWriteBucket(key), nil
	}
	return nb, err
}

func (b *bucket) DeleteNestedBucket(key []byte) error {
	if !b.tx.writable {
		return walletdb.ErrTxNotWritable
	}

	exists, err := bucketExists(b.tx.ctx, b.tx.pgxTx, b.path, key)
	if err != nil {
		return err
	}
	if !exists {
		return walletdb.ErrBucketNotFound
	}

	return deleteBucketTree(b.tx.ctx, b.tx.pgxTx, b.path, key)
}

func (b *bucket) ForEach(fn func(k, v []byte) error) error {
	rows, err := b.tx.pgxTx.Query(b.tx.ctx,
		`SELECT entry_key, entry_value, is_bucket FROM walletdb_kv
		 WHERE bucket_path=$1 ORDER BY entry_key`, b.path)
	if err != nil {
		return fmt.Errorf("pgdb: for each: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value []byte
		var isBucket bool
		if err := rows.Scan(&key, &value, &isBucket); err != nil {
			return err
		}
		if isBucket {
			value = nil
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (b *bucket) Put(key, value []byte) error {
	if !b.tx.writable {
		return walletdb.ErrTxNotWritable
	}
	if len(key) == 0 {
		return walletdb.ErrKeyRequired
	}

	_, err := b.tx.pgxTx.Exec(b.tx.ctx,
		`INSERT INTO walletdb_kv (bucket_path, entry_key, entry_value, is_bucket)
		 VALUES ($1, $2, $3, FALSE)
		 ON CONFLICT (bucket_path, entry_key)
		 DO UPDATE SET entry_value = EXCLUDED.entry_value, is_bucket = FALSE`,
		b.path, key, value)
	if err != nil {
		return fmt.Errorf("pgdb: put: %w", err)
	}
	return nil
}

func (b *bucket) Get(key []byte) []byte {
	var value []byte
	var isBucket bool
	err := b.tx.pgxTx.QueryRow(b.tx.ctx,
		`SELECT entry_value, is_bucket FROM walletdb_kv
		 WHERE bucket_path=$1 AND entry_key=$2`, b.path, key).Scan(&value, &isBucket)
	if err != nil || isBucket {
		return nil
	}
	return value
}

func (b *bucket) Delete(key []byte) error {
	if !b.tx.writable {
		return walletdb.ErrTxNotWritable
	}

	_, err := b.tx.pgxTx.Exec(b.tx.ctx,
		`DELETE FROM walletdb_kv WHERE bucket_path=$1 AND entry_key=$2 AND is_bucket=FALSE`,
		b.path, key)
	if err != nil {
		return fmt.Errorf("pgdb: delete: %w", err)
	}
	return nil
}

func (b *bucket) ReadCursor() walletdb.ReadCursor {
	return b.ReadWriteCursor()
}

// ReadWriteCursor materializes the bucket's ordered key set into memory
// and walks it with an index, rather than holding a live SQL cursor open
// across the caller's iteration. Wallet buckets are small (a handful of
// thousand keys at most), so this trades a little memory for a far
// simpler Seek/Next/Prev implementation than a scrollable SQL cursor.
func (b *bucket) ReadWriteCursor() walletdb.ReadWriteCursor {
	rows, err := b.tx.pgxTx.Query(b.tx.ctx,
		`SELECT entry_key, entry_value FROM walletdb_kv
		 WHERE bucket_path=$1 AND is_bucket=FALSE ORDER BY entry_key`, b.path)
	c := &cursor{b: b, pos: -1}
	if err != nil {
		return c
	}
	defer rows.Close()

	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return c
		}
		c.keys = append(c.keys, append([]byte(nil), k...))
		c.values = append(c.values, append([]byte(nil), v...))
	}
	return c
}

// cursor is a snapshot-ordered walk over a bucket's entries, sorted
// lexicographically by key to match the ordering a btree-backed driver
// (bbolt) would already provide natively.
type cursor struct {
	b      *bucket
	keys   [][]byte
	values [][]byte
	pos    int
}

var _ walletdb.ReadWriteCursor = (*cursor)(nil)

func (c *cursor) at(i int) (key, value []byte) {
	if i < 0 || i >= len(c.keys) {
		return nil, nil
	}
	c.pos = i
	return c.keys[i], c.values[i]
}

func (c *cursor) First() (key, value []byte) { return c.at(0) }
func (c *cursor) Last() (key, value []byte)  { return c.at(len(c.keys) - 1) }
func (c *cursor) Next() (key, value []byte)  { return c.at(c.pos + 1) }
func (c *cursor) Prev() (key, value []byte)  { return c.at(c.pos - 1) }

func (c *cursor) Seek(seek []byte) (key, value []byte) {
	i := sort.Search(len(c.keys), func(i int) bool {
		return strings.Compare(string(c.keys[i]), string(seek)) >= 0
	})
	return c.at(i)
}

func (c *cursor) Delete() error {
	if c.pos < 0 || c.pos >= len(c.keys) {
		return walletdb.ErrIncompatibleValue
	}
	return c.b.Delete(c.keys[c.pos])
}

func parseArgs(funcName string, args ...interface{}) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("invalid arguments to %s.%s -- expected a DSN string",
			dbType, funcName)
	}
	dsn, ok := args[0].(string)
	if !ok {
		return "", fmt.Errorf("first argument to %s.%s is invalid -- expected DSN string",
			dbType, funcName)
	}
	return dsn, nil
}

func openDBDriver(args ...interface{}) (walletdb.DB, error) {
	dsn, err := parseArgs("Open", args...)
	if err != nil {
		return nil, err
	}
	return openDB(context.Background(), dsn)
}

func createDBDriver(args ...interface{}) (walletdb.DB, error) {
	return openDBDriver(args...)
}

func init() {
	driver := walletdb.Driver{
		DbType: dbType,
		Create: createDBDriver,
		Open:   openDBDriver,
	}
	if err := walletdb.RegisterDriver(driver); err != nil {
		panic(fmt.Sprintf("failed to register database driver '%s': %v", dbType, err))
	}
}
