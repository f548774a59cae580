// Copyright 2025 R5 Labs
// This file is part of the R5 Proxy library.
//
// This software is provided "as is", without warranty of any kind,
// express or implied, including but not limited to the warranties
// of merchantability, fitness for a particular purpose and
// noninfringement. In no event shall the authors or copyright
// holders be liable for any claim, damages, or other liability,
// whether in an action of contract, tort or otherwise, arising
// from, out of or in connection with the software or the use or
// other dealings in the software.

// Package store implements the per-coin transactional ledger and the
// process-wide outbox queues on top of a single shared leveldb database.
// Coins are isolated by key prefix; multi-row mutations run inside an
// Atomic scope that commits or rolls back as a unit.
package store

import (
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// KeyValue is the subset of leveldb operations shared by the live
// database handle and an open transaction. Ledger and Outbox methods are
// written against it, so the same code serves reads outside Atomic and
// read-your-writes inside it.
type KeyValue interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	Has(key []byte, ro *opt.ReadOptions) (bool, error)
	Put(key, value []byte, wo *opt.WriteOptions) error
	Delete(key []byte, wo *opt.WriteOptions) error
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

// DB is the shared storage handle. One instance serves every coin plus
// the outbox tables.
type DB struct {
	ldb *leveldb.DB
	mu  sync.Mutex // serializes Atomic scopes
	log log.Logger
}

// Open opens (or creates) the database at path.
func Open(path string) (*DB, error) {
	ldb, err := leveldb.OpenFile(path, &opt.Options{OpenFilesCacheCapacity: 64})
	if err != nil {
		return nil, err
	}
	return &DB{ldb: ldb, log: log.New("database", path)}, nil
}

// OpenMemory opens an in-memory database, used by tests.
func OpenMemory() (*DB, error) {
	ldb, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &DB{ldb: ldb, log: log.New("database", "mem")}, nil
}

// Close flushes and releases the underlying database.
func (db *DB) Close() error {
	return db.ldb.Close()
}

// Atomic runs fn inside a storage transaction. Every mutation performed
// through the View passed to fn commits together when fn returns nil and
// is discarded when fn returns an error. Reads through the View observe
// earlier writes of the same scope.
func (db *DB) Atomic(fn func(v *View) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tr, err := db.ldb.OpenTransaction()
	if err != nil {
		return err
	}
	if err := fn(&View{kv: tr}); err != nil {
		tr.Discard()
		return err
	}
	return tr.Commit()
}

// View returns a read view over the latest committed state. Mutations
// through it are applied immediately; multi-row work belongs in Atomic.
func (db *DB) View() *View {
	return &View{kv: db.ldb}
}

// View scopes Ledger and Outbox access to either the live database or an
// open transaction.
type View struct {
	kv KeyValue
}

// Ledger returns the per-coin ledger bound to this view.
func (v *View) Ledger(coin string) *Ledger {
	return &Ledger{kv: v.kv, coin: coin}
}

// Outbox returns the process-wide outbox bound to this view.
func (v *View) Outbox() *Outbox {
	return &Outbox{kv: v.kv}
}
