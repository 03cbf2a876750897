package execution

import (
	"fmt"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/ethereum/go-ethereum/triedb/hashdb"
)

// StoreConfig controls the on-disk database.
type StoreConfig struct {
	DataDir     string `yaml:"datadir"`       // empty selects an in-memory database
	CacheMB     int    `yaml:"cache_mb"`      // pebble block cache
	Handles     int    `yaml:"handles"`       // pebble open file limit
	TrieCacheMB int    `yaml:"trie_cache_mb"` // clean trie node cache
}

// DefaultStoreConfig returns an in-memory store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		CacheMB:     256,
		Handles:     256,
		TrieCacheMB: 256,
	}
}

// StateStore owns the key-value database and the trie database layered on
// top of it. Chain data and world state share the same key-value store.
type StateStore struct {
	disk   ethdb.Database
	trieDB *triedb.Database
	logger log.Logger
}

// NewStateStore opens the database described by cfg.
func NewStateStore(cfg StoreConfig) (*StateStore, error) {
	logger := log.New("module", "statestore")

	var disk ethdb.Database
	if cfg.DataDir == "" {
		disk = rawdb.NewMemoryDatabase()
		logger.Info("Using in-memory database")
	} else {
		path := filepath.Join(cfg.DataDir, "chaindata")
		db, err := rawdb.NewPebbleDBDatabase(path, cfg.CacheMB, cfg.Handles, "ethnode/db/", false, false)
		if err != nil {
			return nil, fmt.Errorf("open pebble database: %w", err)
		}
		disk = db
		logger.Info("Database opened", "path", path, "cacheMB", cfg.CacheMB, "handles", cfg.Handles)
	}
	return newStateStore(disk, cfg.TrieCacheMB, logger), nil
}

// NewMemoryStateStore returns a store over a fresh in-memory database.
func NewMemoryStateStore() *StateStore {
	return newStateStore(rawdb.NewMemoryDatabase(), 16, log.New("module", "statestore"))
}

func newStateStore(disk ethdb.Database, trieCacheMB int, logger log.Logger) *StateStore {
	tdb := triedb.NewDatabase(disk, &triedb.Config{
		HashDB: &hashdb.Config{CleanCacheSize: trieCacheMB * 1024 * 1024},
	})
	return &StateStore{disk: disk, trieDB: tdb, logger: logger}
}

// OpenState returns a mutable view of the world state at root.
func (s *StateStore) OpenState(root common.Hash) (*state.StateDB, error) {
	sdb, err := state.New(root, state.NewDatabaseWithNodeDB(s.disk, s.trieDB), nil)
	if err != nil {
		return nil, fmt.Errorf("open state at %s: %w", root.Hex(), err)
	}
	return sdb, nil
}

// CommitState writes the pending changes of sdb and flushes the resulting
// trie so that it survives a restart.
func (s *StateStore) CommitState(sdb *state.StateDB, number uint64) (common.Hash, error) {
	root, err := sdb.Commit(number, true)
	if err != nil {
		return common.Hash{}, fmt.Errorf("commit state: %w", err)
	}
	if err := s.trieDB.Commit(root, false); err != nil {
		return common.Hash{}, fmt.Errorf("flush trie %s: %w", root.Hex(), err)
	}
	s.logger.Debug("State committed", "number", number, "root", root.Hex())
	return root, nil
}

// HasState reports whether the trie for root is available.
func (s *StateStore) HasState(root common.Hash) bool {
	return s.trieDB.Initialized(root)
}

// DiskDB returns the underlying key-value database.
func (s *StateStore) DiskDB() ethdb.Database { return s.disk }

// Close closes the trie database and then the key-value store.
func (s *StateStore) Close() error {
	if err := s.trieDB.Close(); err != nil {
		return err
	}
	return s.disk.Close()
}
