// Copyright (c) 2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// This interface was inspired heavily by the excellent boltdb project at
// https://github.com/boltdb/bolt by Ben B. Johnson.

package walletdb

import (
	"io"
)

// ReadBucket represents a collection of key/value pairs each having a
// unique key. The bucket is typically a bucket key itself, or when used
// at the top level, the top-most bucket in which all other buckets are
// nested.
type ReadBucket interface {
	// NestedReadBucket retrieves a nested bucket with the given key.
	// Returns nil if the bucket does not exist.
	NestedReadBucket(key []byte) ReadBucket

	// ForEach invokes the passed function with every key/value pair in
	// the bucket. This includes nested buckets, in which case the value
	// is nil, but not the key/value pairs within those nested buckets.
	//
	// NOTE: The values returned by this function are only valid during
	// a transaction. Attempting to access them after a transaction has
	// ended results in undefined behavior. This constraint prevents
	// additional data copies and allows support for memory-mapped
	// database implementations.
	ForEach(func(k, v []byte) error) error

	// Get returns the value for the given key. Returns nil if the key
	// does not exist in this bucket.
	Get(key []byte) []byte

	// ReadCursor returns a new cursor, allowing for iteration over the
	// bucket's key/value pairs in forward or backward order.
	ReadCursor() ReadCursor
}

// ReadWriteBucket represents a collection of key/value pairs each having
// a unique key that is mutable.
type ReadWriteBucket interface {
	ReadBucket

	// NestedReadWriteBucket retrieves a nested bucket with the given
	// key. Returns nil if the bucket does not exist.
	NestedReadWriteBucket(key []byte) ReadWriteBucket

	// CreateBucket creates and returns a new nested bucket with the
	// given key. Returns ErrBucketExists if the bucket already exists,
	// ErrBucketNameRequired if the key is empty, or ErrIncompatibleValue
	// if the key value is otherwise invalid for the particular database
	// implementation. Other errors are possible depending on the
	// implementation.
	CreateBucket(key []byte) (ReadWriteBucket, error)

	// CreateBucketIfNotExists creates and returns a new nested bucket
	// with the given key if it does not already exist. Returns
	// ErrBucketNameRequired if the key is empty or ErrIncompatibleValue
	// if the key value is otherwise invalid for the particular database
	// backend.
	CreateBucketIfNotExists(key []byte) (ReadWriteBucket, error)

	// DeleteNestedBucket removes a nested bucket with the given key.
	// Returns ErrTxNotWritable if attempted against a read-only
	// transaction and ErrBucketNotFound if the specified bucket does
	// not exist.
	DeleteNestedBucket(key []byte) error

	// Put saves the specified key/value pair to the bucket. Keys that
	// do not already exist are added and keys that already exist are
	// overwritten.
	Put(key, value []byte) error

	// Delete removes the specified key from the bucket. Deleting a key
	// that does not exist does not return an error.
	Delete(key []byte) error

	// ReadWriteCursor returns a new cursor, allowing for iteration over
	// the bucket's key/value pairs in forward or backward order, and
	// for mutation of the bucket during iteration.
	ReadWriteCursor() ReadWriteCursor
}

// ReadCursor represents a cursor over key/value pairs of a bucket.
type ReadCursor interface {
	// First positions the cursor at the first key/value pair and
	// returns the pair.
	First() (key, value []byte)

	// Last positions the cursor at the last key/value pair and returns
	// the pair.
	Last() (key, value []byte)

	// Next moves the cursor one key/value pair forward and returns the
	// new pair.
	Next() (key, value []byte)

	// Prev moves the cursor one key/value pair backward and returns the
	// new pair.
	Prev() (key, value []byte)

	// Seek positions the cursor at the passed seek key. If the key does
	// not exist, the cursor is moved to the next key after seek.
	Seek(seek []byte) (key, value []byte)
}

// ReadWriteCursor represents a ReadCursor that can also delete the
// key/value pair it is currently positioned over.
type ReadWriteCursor interface {
	ReadCursor

	// Delete removes the current key/value pair the cursor is at
	// without invalidating the cursor.
	Delete() error
}

// ReadTx represents a database transaction that can only be used for
// reads.
type ReadTx interface {
	// ReadBucket opens the root bucket for the given key. Returns nil
	// if the bucket does not exist.
	ReadBucket(key []byte) ReadBucket

	// Rollback closes the transaction, discarding any changes made.
	// Read-only transactions may always be safely rolled back.
	Rollback() error
}

// ReadWriteTx represents a database transaction that can be used for
// both reads and writes.
type ReadWriteTx interface {
	ReadTx

	// ReadWriteBucket opens the root bucket for the given key for
	// writing. Returns nil if the bucket does not exist.
	ReadWriteBucket(key []byte) ReadWriteBucket

	// CreateTopLevelBucket creates the top level bucket for the given
	// key if it does not already exist. The newly created bucket is
	// returned.
	CreateTopLevelBucket(key []byte) (ReadWriteBucket, error)

	// DeleteTopLevelBucket deletes the top level bucket for the given
	// key. This will also delete all nested buckets and key/value
	// pairs under the bucket. Returns ErrBucketNotFound if the bucket
	// does not exist.
	DeleteTopLevelBucket(key []byte) error

	// Commit commits all changes that have been made through the
	// transaction to persistent storage.
	Commit() error
}

// DB is an interface for a key/value database, supporting read and
// read/write transactions. The wallet's own bucket layout (6.) is
// created at the root level of whatever top-level buckets a particular
// DB implementation exposes.
type DB interface {
	// BeginReadTx opens a database read transaction.
	BeginReadTx() (ReadTx, error)

	// BeginReadWriteTx opens a database read/write transaction.
	BeginReadWriteTx() (ReadWriteTx, error)

	// View invokes the passed function in the context of a managed
	// read-only transaction with the root bucket given as a parameter.
	// Any errors returned from the user-supplied function are returned
	// from this function.
	View(f func(tx ReadTx) error, reset func()) error

	// Update invokes the passed function in the context of a managed
	// read-write transaction with the root bucket given as a parameter.
	// Any errors returned from the user-supplied function will cause
	// the transaction to be rolled back and are returned from this
	// function. Otherwise, the transaction is committed when the
	// user-supplied function returns a nil error.
	Update(f func(tx ReadWriteTx) error, reset func()) error

	// PrintStats returns all collected stats pretty printed into a
	// string.
	PrintStats() string

	// Copy writes a copy of the database to the provided writer. This
	// call will start a read-only transaction to perform all
	// operations. This is the mechanism the Backup operation uses
	// for the bdb driver.
	Copy(w io.Writer) error

	// Close cleanly shuts down the database and syncs all data.
	Close() error
}

// Driver defines a structure for backend drivers to use when they
// register themselves as a backend which implements the DB interface.
type Driver struct {
	// DbType is the identifier used to uniquely identify a specific
	// database driver. There can be only one driver with the same name.
	DbType string

	// Create is the function that will be invoked with all
	// user-specified arguments to create the database. This function
	// must return ErrDbExists if the database already exists.
	Create func(args ...interface{}) (DB, error)

	// Open is the function that will be invoked with all
	// user-specified arguments to open the database. This function
	// must return ErrDbDoesNotExist if the database has not already
	// been created.
	Open func(args ...interface{}) (DB, error)
}

// driverList holds all of the registered database backends.
var drivers = make(map[string]*Driver)

// RegisterDriver adds a backend database driver to available interfaces.
// ErrDbTypeRegistered is returned if the database type for the driver has
// already been registered.
func RegisterDriver(driver Driver) error {
	if _, exists := drivers[driver.DbType]; exists {
		return ErrDbTypeRegistered
	}

	drivers[driver.DbType] = &driver
	return nil
}

// SupportedDrivers returns a slice of strings that represent the database
// drivers that have been registered and are therefore supported.
func SupportedDrivers() []string {
	supportedDBs := make([]string, 0, len(drivers))
	for _, drv := range drivers {
		supportedDBs = append(supportedDBs, drv.DbType)
	}
	return supportedDBs
}

// Create initializes and opens a database for the specified type. The
// arguments are specific to the database type driver. See the
// documentation for the database driver for further details.
//
// ErrDbUnknownType is returned if the database type is not registered.
func Create(dbType string, args ...interface{}) (DB, error) {
	drv, exists := drivers[dbType]
	if !exists {
		return nil, ErrDbUnknownType
	}

	return drv.Create(args...)
}

// Open opens an existing database for the specified type. The arguments
// are specific to the database type driver. See the documentation for
// the database driver for further details.
//
// ErrDbUnknownType is returned if the database type is not registered.
func Open(dbType string, args ...interface{}) (DB, error) {
	drv, exists := drivers[dbType]
	if !exists {
		return nil, ErrDbUnknownType
	}

	return drv.Open(args...)
}

// View is a convenience wrapper that ignores the reset callback, for
// callers that don't need to retry the view function on a driver that
// collapses reads and retries (e.g. the pgdb driver under serialization
// failures).
func View(db DB, f func(tx ReadTx) error) error {
	return db.View(f, func() {})
}

// Update is the ReadWriteTx equivalent of View.
func Update(db DB, f func(tx ReadWriteTx) error) error {
	return db.Update(f, func() {})
}
