package storage

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/triedb"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

const (
	levelDBCacheMB  = 16
	levelDBHandles  = 16
	levelDBMetricNS = "nns/db/"
)

// Database is a generic interface for a key-value store.
// This allows the ledger to use any database backend (in-memory or persistent)
// while sharing a single trie node database with the state layer.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	TrieDB() *triedb.Database
	Close() // A way to gracefully shut down the database connection.
}

// kvDatabase adapts any go-ethereum key-value store to the Database interface.
type kvDatabase struct {
	kv     ethdb.KeyValueStore
	once   sync.Once
	trieDB *triedb.Database
}

func (db *kvDatabase) Put(key []byte, value []byte) error {
	return db.kv.Put(key, value)
}

func (db *kvDatabase) Get(key []byte) ([]byte, error) {
	ok, err := db.kv.Has(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return db.kv.Get(key)
}

func (db *kvDatabase) Has(key []byte) (bool, error) {
	return db.kv.Has(key)
}

// TrieDB lazily opens the hash-scheme trie node database on top of the store.
func (db *kvDatabase) TrieDB() *triedb.Database {
	db.once.Do(func() {
		db.trieDB = triedb.NewDatabase(rawdb.NewDatabase(db.kv), triedb.HashDefaults)
	})
	return db.trieDB
}

// --- In-Memory DB (for testing) ---

type MemDB struct {
	kvDatabase
}

func NewMemDB() *MemDB {
	return &MemDB{kvDatabase{kv: memorydb.New()}}
}

// Close satisfies the Database interface for MemDB.
func (db *MemDB) Close() {
	_ = db.kv.Close()
}

// --- Persistent DB ---

// LevelDB is a persistent key-value store using LevelDB.
type LevelDB struct {
	kvDatabase
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.New(path, levelDBCacheMB, levelDBHandles, levelDBMetricNS, false)
	if err != nil {
		return nil, err
	}
	return &LevelDB{kvDatabase{kv: db}}, nil
}

// Close closes the database connection.
func (ldb *LevelDB) Close() {
	_ = ldb.kv.Close()
}
