package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"go.uber.org/zap"

	"github.com/orneryd/graphstore/pkg/kv"
	"github.com/orneryd/graphstore/pkg/logging"
)

// Options configures an Engine.
type Options struct {
	// DataDir is where Badger keeps its files. Ignored when InMemory is set.
	DataDir string

	// InMemory keeps everything in RAM. Useful for tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// LowMemory and HighPerformance select Badger tuning presets.
	LowMemory       bool
	HighPerformance bool

	// EncryptionKey enables AES encryption at rest (16, 24 or 32 bytes).
	EncryptionKey []byte

	// EncryptionPassword derives EncryptionKey with PBKDF2 when the key is
	// not given directly.
	EncryptionPassword string

	// Codec encodes primary records. Defaults to BinaryCodec.
	Codec Codec

	// Logger receives engine logs. Defaults to a no-op logger.
	Logger *zap.Logger

	// AllowDanglingEdges skips the check that both endpoints of a new edge
	// exist. Off by default.
	AllowDanglingEdges bool

	// CacheMaxEntries bounds the node and edge caches separately.
	// Zero means unbounded.
	CacheMaxEntries int
}

// Engine is the graph storage engine.
//
// All methods are safe for concurrent use. Every mutation of one entity
// (primary record, index entries and new schema entries) is committed as a
// single atomic batch; the cache is touched only after that batch landed.
type Engine struct {
	store  kv.Store
	codec  Codec
	schema *Schema
	cache  *entityCache
	logger *zap.Logger

	metrics *engineMetrics

	allowDangling bool

	nodeCount atomic.Int64
	edgeCount atomic.Int64

	closed atomic.Bool
}

// Open opens (or creates) a persistent engine in dataDir with default options.
func Open(dataDir string) (*Engine, error) {
	return OpenWithOptions(Options{DataDir: dataDir})
}

// OpenInMemory opens an engine that keeps nothing on disk.
func OpenInMemory() (*Engine, error) {
	return OpenWithOptions(Options{InMemory: true})
}

// OpenWithOptions opens a Badger-backed engine.
//
// Failures to initialize the store are returned wrapped in ErrBackingStore.
func OpenWithOptions(opts Options) (*Engine, error) {
	if !opts.InMemory && opts.DataDir == "" {
		return nil, fmt.Errorf("%w: data directory is required", ErrBackingStore)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	key := opts.EncryptionKey
	if len(key) == 0 && opts.EncryptionPassword != "" {
		if opts.InMemory {
			return nil, fmt.Errorf("%w: encryption requires a data directory", ErrBackingStore)
		}
		derived, err := kv.DeriveEncryptionKey(opts.DataDir, opts.EncryptionPassword)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBackingStore, err)
		}
		key = derived
	}

	store, err := kv.NewBadgerStoreWithOptions(kv.BadgerOptions{
		DataDir:         opts.DataDir,
		InMemory:        opts.InMemory,
		SyncWrites:      opts.SyncWrites,
		LowMemory:       opts.LowMemory,
		HighPerformance: opts.HighPerformance,
		EncryptionKey:   key,
		Logger:          logging.NewBadgerLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackingStore, err)
	}

	e, err := New(store, opts)
	if err != nil {
		store.Close()
		return nil, err
	}
	return e, nil
}

// New builds an engine on an already opened store and takes ownership of it:
// Close closes the store.
//
// It fails with ErrMissingSpace if the store lacks one of the spaces the
// engine needs, and with ErrCorruptRecord if the persisted schema can't be
// read.
func New(store kv.Store, opts Options) (*Engine, error) {
	for _, space := range kv.AllSpaces {
		if !store.HasSpace(space) {
			return nil, fmt.Errorf("%w: %s", ErrMissingSpace, space)
		}
	}

	codec := opts.Codec
	if codec == nil {
		codec = BinaryCodec{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx := context.Background()
	schema, err := LoadSchema(ctx, store)
	if err != nil {
		return nil, err
	}

	set := metrics.NewSet()
	e := &Engine{
		store:         store,
		codec:         codec,
		schema:        schema,
		cache:         newEntityCache(opts.CacheMaxEntries, set),
		logger:        logger,
		allowDangling: opts.AllowDanglingEdges,
	}
	e.metrics = newEngineMetrics(e, set)

	if err := e.initializeCounts(ctx); err != nil {
		return nil, err
	}

	logger.Info("graph engine opened",
		zap.String("codec", codec.Name()),
		zap.Int64("nodes", e.nodeCount.Load()),
		zap.Int64("edges", e.edgeCount.Load()),
		zap.Int("node_labels", len(schema.KnownLabels(KindNode))),
		zap.Bool("allow_dangling_edges", e.allowDangling),
	)
	return e, nil
}

// initializeCounts seeds the cached counts with one scan per primary space.
func (e *Engine) initializeCounts(ctx context.Context) error {
	count := func(space kv.Space) (int64, error) {
		var n int64
		err := e.iterate(ctx, space, nil, func(_, _ []byte) error {
			n++
			return nil
		})
		return n, err
	}

	nodes, err := count(kv.SpaceNodes)
	if err != nil {
		return fmt.Errorf("counting nodes: %w", err)
	}
	edges, err := count(kv.SpaceEdges)
	if err != nil {
		return fmt.Errorf("counting edges: %w", err)
	}
	e.nodeCount.Store(nodes)
	e.edgeCount.Store(edges)
	return nil
}

// Schema returns the schema tracker shared by this engine.
func (e *Engine) Schema() *Schema {
	return e.schema
}

// Codec returns the codec used for primary records.
func (e *Engine) Codec() Codec {
	return e.codec
}

// Close closes the engine and its store. Calling Close twice is a no-op.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cache.clear()
	e.logger.Info("graph engine closed",
		zap.Int64("nodes", e.nodeCount.Load()),
		zap.Int64("edges", e.edgeCount.Load()),
	)
	if err := e.store.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrBackingStore, err)
	}
	return nil
}

// backupStore is implemented by stores that can stream a full copy of every
// space (kv.BadgerStore does).
type backupStore interface {
	Backup(w io.Writer) error
	Restore(r io.Reader) error
}

// Backup writes a consistent copy of all five spaces to w.
func (e *Engine) Backup(w io.Writer) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	bs, ok := e.store.(backupStore)
	if !ok {
		return fmt.Errorf("%w: store %T does not support backup", ErrBackingStore, e.store)
	}
	if err := bs.Backup(w); err != nil {
		return e.wrapStoreErr(err)
	}
	return nil
}

// Restore loads a backup written by Backup, then reloads the schema and the
// counts and drops the cache.
func (e *Engine) Restore(r io.Reader) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	bs, ok := e.store.(backupStore)
	if !ok {
		return fmt.Errorf("%w: store %T does not support restore", ErrBackingStore, e.store)
	}
	if err := bs.Restore(r); err != nil {
		return e.wrapStoreErr(err)
	}

	ctx := context.Background()
	loaded, err := LoadSchema(ctx, e.store)
	if err != nil {
		return err
	}
	e.schema.replace(loaded)
	e.cache.clear()
	if err := e.initializeCounts(ctx); err != nil {
		return err
	}
	e.logger.Info("graph restored from backup",
		zap.Int64("nodes", e.nodeCount.Load()),
		zap.Int64("edges", e.edgeCount.Load()),
	)
	return nil
}

// ============================================================================
// Internal helpers
// ============================================================================

func (e *Engine) ensureOpen() error {
	if e.closed.Load() {
		return ErrClosed
	}
	return nil
}

// wrapStoreErr maps store errors onto the engine's error kinds. Errors that
// already carry a kind pass through.
func (e *Engine) wrapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, kv.ErrStoreClosed):
		return ErrClosed
	case errors.Is(err, kv.ErrKeyExists):
		return fmt.Errorf("%w: %w", ErrDuplicateID, err)
	case errors.Is(err, ErrMissingSpace),
		errors.Is(err, ErrCorruptRecord),
		errors.Is(err, ErrBackingStore),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrBackingStore, err)
	}
}

// iterate wraps Store.Iterate. Errors returned by fn come back unchanged;
// everything else goes through wrapStoreErr.
func (e *Engine) iterate(ctx context.Context, space kv.Space, prefix []byte, fn kv.Visitor) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	var visitErr error
	err := e.store.Iterate(ctx, space, prefix, func(key, value []byte) error {
		if err := fn(key, value); err != nil {
			visitErr = err
			return err
		}
		return nil
	})
	if visitErr != nil && !errors.Is(visitErr, kv.ErrStopIteration) {
		return visitErr
	}
	return e.wrapStoreErr(err)
}

// commit applies batch and records the outcome in metrics and logs.
func (e *Engine) commit(batch *kv.Batch) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if err := e.store.Commit(batch); err != nil {
		err = e.wrapStoreErr(err)
		switch {
		case errors.Is(err, kv.ErrConflict):
			e.metrics.commitConflicts.Inc()
			e.logger.Debug("batch commit lost a race", zap.Int("ops", batch.Len()), zap.Error(err))
		case errors.Is(err, ErrDuplicateID), errors.Is(err, kv.ErrKeyNotFound):
			e.metrics.commitFailures.Inc()
		default:
			e.metrics.commitFailures.Inc()
			e.logger.Warn("batch commit failed", zap.Int("ops", batch.Len()), zap.Error(err))
		}
		return err
	}
	e.metrics.commits.Inc()
	return nil
}

// maxCommitAttempts bounds how often one operation is re-run after losing a
// commit race to a concurrent writer.
const maxCommitAttempts = 32

// retryOnConflict runs fn until it returns something other than ErrConflict.
// fn must re-read whatever it guards on every call. After maxCommitAttempts
// the last error is returned; it wraps both ErrBackingStore and ErrConflict.
func (e *Engine) retryOnConflict(fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		if err = fn(); !errors.Is(err, kv.ErrConflict) {
			return err
		}
		time.Sleep(conflictBackoff(attempt))
	}
	e.logger.Warn("giving up after repeated write conflicts",
		zap.Int("attempts", maxCommitAttempts),
		zap.Error(err),
	)
	return err
}

// conflictBackoff returns a random pause that grows with attempt, so writers
// that collided once don't collide again in lockstep.
func conflictBackoff(attempt int) time.Duration {
	return time.Duration(rand.Int63n(int64(attempt) * int64(50*time.Microsecond)))
}

// observeCommitted records schema entries whose batch has been committed.
func (e *Engine) observeCommitted(entries []schemaEntry) {
	if added := e.schema.apply(entries); added > 0 {
		e.logger.Debug("schema grew", zap.Int("new_properties", added))
	}
}

// now returns the current time in UTC without a monotonic reading, so
// timestamps compare equal after a codec round trip.
func now() time.Time {
	return time.Now().UTC()
}

// nextUpdate returns a timestamp strictly after prev.
func nextUpdate(prev time.Time) time.Time {
	t := now()
	if !t.After(prev) {
		t = prev.Add(time.Nanosecond)
	}
	return t
}

func validateID(id string) error {
	if id == "" || strings.IndexByte(id, sep) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func validateName(name string) error {
	if name == "" || strings.IndexByte(name, sep) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// cleanProperties validates names and drops nil values.
func cleanProperties(props Properties) (Properties, error) {
	out := make(Properties, len(props))
	for name, v := range props {
		if err := validateName(name); err != nil {
			return nil, err
		}
		if v != nil {
			out[name] = cloneValue(v)
		}
	}
	return out, nil
}

// mergePatch applies patch on top of base. Nil values remove the key.
func mergePatch(base, patch Properties) (Properties, error) {
	out := base.Clone()
	for name, v := range patch {
		if err := validateName(name); err != nil {
			return nil, err
		}
		if v == nil {
			delete(out, name)
			continue
		}
		out[name] = cloneValue(v)
	}
	return out, nil
}
