package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore implements Store on top of BadgerDB.
//
// Every space is a single-byte prefix in one Badger keyspace, so a batch that
// spans spaces is still a single Badger transaction.
//
// Key Structure:
//   - <space byte> + key -> value
type BadgerStore struct {
	db       *badger.DB
	spaces   map[Space]struct{}
	mu       sync.RWMutex // protects closed
	closed   bool
	inMemory bool
}

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool

	// Logger for BadgerDB internal logging. Nil silences Badger.
	Logger badger.Logger

	// LowMemory reduces memtable and cache sizes.
	LowMemory bool

	// HighPerformance enables larger buffers and caches.
	HighPerformance bool

	// EncryptionKey is the 16, 24, or 32 byte key for AES encryption at rest.
	// Leave empty to disable encryption.
	EncryptionKey []byte

	// Spaces the store is initialized with. Defaults to AllSpaces.
	Spaces []Space
}

// NewBadgerStore opens a persistent store in dataDir with default settings.
func NewBadgerStore(dataDir string) (*BadgerStore, error) {
	return NewBadgerStoreWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerStoreInMemory opens a store that keeps everything in RAM.
//
// Example:
//
//	store, err := kv.NewBadgerStoreInMemory()
//	if err != nil {
//		t.Fatal(err)
//	}
//	defer store.Close()
func NewBadgerStoreInMemory() (*BadgerStore, error) {
	return NewBadgerStoreWithOptions(BadgerOptions{InMemory: true})
}

// NewBadgerStoreWithOptions opens a store with custom configuration.
//
// Configuration Trade-offs:
//   - SyncWrites=true: slower writes but every commit is fsynced
//   - LowMemory=true: less RAM, more compaction
//   - InMemory=true: fastest, nothing survives Close
func NewBadgerStoreWithOptions(opts BadgerOptions) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	// A nil logger keeps Badger quiet.
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	if len(opts.EncryptionKey) > 0 {
		keyLen := len(opts.EncryptionKey)
		if keyLen != 16 && keyLen != 24 && keyLen != 32 {
			return nil, fmt.Errorf("encryption key must be 16, 24, or 32 bytes (got %d bytes)", keyLen)
		}
		badgerOpts = badgerOpts.WithEncryptionKey(opts.EncryptionKey)
	}

	if opts.HighPerformance {
		badgerOpts = badgerOpts.
			WithMemTableSize(128 << 20).
			WithValueLogFileSize(256 << 20).
			WithNumMemtables(5).
			WithNumLevelZeroTables(10).
			WithNumLevelZeroTablesStall(20).
			WithValueThreshold(1 << 20).
			WithBlockCacheSize(256 << 20).
			WithIndexCacheSize(128 << 20).
			WithNumCompactors(4)
	} else if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(8 << 20).
			WithValueLogFileSize(32 << 20).
			WithNumMemtables(1).
			WithNumLevelZeroTables(1).
			WithNumLevelZeroTablesStall(2).
			WithValueThreshold(512).
			WithBlockCacheSize(8 << 20).
			WithIndexCacheSize(4 << 20)
	} else {
		badgerOpts = badgerOpts.
			WithMemTableSize(64 << 20).
			WithValueLogFileSize(128 << 20).
			WithNumMemtables(3).
			WithNumLevelZeroTables(5).
			WithNumLevelZeroTablesStall(10).
			WithValueThreshold(64 << 10).
			WithBlockCacheSize(64 << 20).
			WithIndexCacheSize(32 << 20)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	spaces := opts.Spaces
	if len(spaces) == 0 {
		spaces = AllSpaces
	}
	set := make(map[Space]struct{}, len(spaces))
	for _, s := range spaces {
		set[s] = struct{}{}
	}

	return &BadgerStore{
		db:       db,
		spaces:   set,
		inMemory: opts.InMemory,
	}, nil
}

// HasSpace reports whether the store was opened with space.
func (s *BadgerStore) HasSpace(space Space) bool {
	_, ok := s.spaces[space]
	return ok
}

// spaceKey prepends the space prefix to key.
func spaceKey(space Space, key []byte) []byte {
	out := make([]byte, 0, 1+len(key))
	out = append(out, byte(space))
	return append(out, key...)
}

func (s *BadgerStore) ensureOpen() error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *BadgerStore) checkSpace(space Space) error {
	if !s.HasSpace(space) {
		return fmt.Errorf("%w: %s", ErrMissingSpace, space)
	}
	return nil
}

// Get returns a copy of the value under key.
func (s *BadgerStore) Get(space Space, key []byte) ([]byte, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if err := s.checkSpace(space); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(spaceKey(space, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, err
}

// Put writes a single key.
func (s *BadgerStore) Put(space Space, key, value []byte) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.checkSpace(space); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(spaceKey(space, key), value)
	})
}

// Delete removes a single key.
func (s *BadgerStore) Delete(space Space, key []byte) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.checkSpace(space); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(spaceKey(space, key))
	})
}

// Iterate visits every key in space that starts with prefix.
// Keys handed to fn have the space byte stripped.
func (s *BadgerStore) Iterate(ctx context.Context, space Space, prefix []byte, fn Visitor) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.checkSpace(space); err != nil {
		return err
	}

	full := spaceKey(space, prefix)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badgerIterOptsPrefetchValues(full, 0))
		defer it.Close()

		for it.Seek(full); it.ValidForPrefix(full); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			if err := item.Value(func(val []byte) error {
				return fn(item.Key()[1:], val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrStopIteration) {
		return nil
	}
	return err
}

// Commit applies the batch in one Badger transaction.
func (s *BadgerStore) Commit(batch *Batch) error {
	if batch == nil || (batch.Len() == 0 && len(batch.Guards()) == 0) {
		return nil
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}
	for _, g := range batch.Guards() {
		if err := s.checkSpace(g.Space); err != nil {
			return err
		}
	}
	for _, op := range batch.Ops() {
		if err := s.checkSpace(op.Space); err != nil {
			return err
		}
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, g := range batch.Guards() {
			if err := checkGuard(txn, g); err != nil {
				return err
			}
		}
		for _, op := range batch.Ops() {
			key := spaceKey(op.Space, op.Key)
			var err error
			switch op.Kind {
			case OpPut:
				err = txn.Set(key, op.Value)
			case OpDelete:
				err = txn.Delete(key)
			}
			if err != nil {
				return fmt.Errorf("applying %s op on %s: %w", opName(op.Kind), op.Space, err)
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

// checkGuard reads the guarded key inside txn. The read also puts the key in
// the transaction's read set, which is what lets Badger reject the commit
// when another transaction wrote the key after this one started.
func checkGuard(txn *badger.Txn, g Guard) error {
	item, err := txn.Get(spaceKey(g.Space, g.Key))
	exists := err == nil
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}

	switch g.Kind {
	case GuardAbsent:
		if exists {
			return fmt.Errorf("%w: %s/%s", ErrKeyExists, g.Space, g.Key)
		}
	case GuardPresent:
		if !exists {
			return fmt.Errorf("%w: %s/%s", ErrKeyNotFound, g.Space, g.Key)
		}
	case GuardValue:
		if !exists {
			return fmt.Errorf("%w: %s/%s was removed", ErrConflict, g.Space, g.Key)
		}
		same := false
		if err := item.Value(func(val []byte) error {
			same = bytes.Equal(val, g.Value)
			return nil
		}); err != nil {
			return err
		}
		if !same {
			return fmt.Errorf("%w: %s/%s was modified", ErrConflict, g.Space, g.Key)
		}
	}
	return nil
}

func opName(k OpKind) string {
	if k == OpDelete {
		return "delete"
	}
	return "put"
}

// Sync forces buffered writes to disk.
func (s *BadgerStore) Sync() error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if s.inMemory {
		return nil
	}
	return s.db.Sync()
}

// Close closes the BadgerDB database. Calling Close twice is a no-op.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func badgerIterOptsPrefetchValues(prefix []byte, prefetchSize int) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	if prefetchSize > 0 {
		opts.PrefetchSize = prefetchSize
	}
	opts.Prefix = prefix
	return opts
}

// Verify BadgerStore implements Store
var _ Store = (*BadgerStore)(nil)
