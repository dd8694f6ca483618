// Package kv provides the ordered key-value substrate used by the graph engine.
//
// A Store groups keys into spaces. A space is an independent, ordered key range
// (similar to a table or column family). Stores support point reads and writes,
// forward prefix iteration and atomic multi-key batch commits.
//
// Spaces used by the graph engine:
//   - SpaceNodes:      node primary records
//   - SpaceEdges:      edge primary records
//   - SpaceLabels:     label index entries
//   - SpaceProperties: property index and adjacency (outgoing/incoming) entries
//   - SpaceSchema:     inferred schema entries, one per (kind, label, property)
//
// Example:
//
//	store, err := kv.NewBadgerStoreInMemory()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	batch := kv.NewBatch()
//	batch.Put(kv.SpaceNodes, []byte("n1"), data)
//	batch.Put(kv.SpaceLabels, labelKey, []byte("n1"))
//	if err := store.Commit(batch); err != nil {
//		return err
//	}
package kv

import (
	"context"
	"errors"
	"fmt"
)

// Space identifies a namespaced key range inside a Store.
// In Badger every space is a single-byte key prefix.
type Space byte

const (
	SpaceNodes      Space = 0x01 // node id -> encoded node
	SpaceEdges      Space = 0x02 // edge id -> encoded edge
	SpaceLabels     Space = 0x03 // label index
	SpaceProperties Space = 0x04 // property index + adjacency index
	SpaceSchema     Space = 0x05 // inferred schema entries
)

// AllSpaces lists every space the graph engine requires.
var AllSpaces = []Space{SpaceNodes, SpaceEdges, SpaceLabels, SpaceProperties, SpaceSchema}

// String returns the space name used in logs and errors.
func (s Space) String() string {
	switch s {
	case SpaceNodes:
		return "nodes"
	case SpaceEdges:
		return "edges"
	case SpaceLabels:
		return "labels"
	case SpaceProperties:
		return "properties"
	case SpaceSchema:
		return "schema"
	default:
		return fmt.Sprintf("space(0x%02x)", byte(s))
	}
}

// Store errors
var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrKeyExists     = errors.New("key already exists")
	ErrMissingSpace  = errors.New("missing space")
	ErrStoreClosed   = errors.New("store closed")
	ErrConflict      = errors.New("write conflict")
	ErrStopIteration = errors.New("iteration stopped") // returned by visitors to end a scan early
)

// Visitor receives keys (without the space prefix) and values during iteration.
// The slices are only valid for the duration of the call.
type Visitor func(key, value []byte) error

// Store is the ordered key-value contract consumed by the graph engine.
//
// Implementations must be safe for concurrent use and must guarantee that a
// committed Batch is durable and never partially visible.
type Store interface {
	// Get returns a copy of the value stored under key, or ErrKeyNotFound.
	Get(space Space, key []byte) ([]byte, error)

	// Put writes a single key outside of any batch.
	Put(space Space, key, value []byte) error

	// Delete removes a single key. Deleting an absent key is not an error.
	Delete(space Space, key []byte) error

	// Iterate visits every key in space starting with prefix, in key order.
	// A nil prefix visits the whole space. Returning ErrStopIteration from fn
	// ends the scan without error.
	Iterate(ctx context.Context, space Space, prefix []byte, fn Visitor) error

	// Commit checks every guard and applies all operations in batch
	// atomically. A failed RequireAbsent guard returns ErrKeyExists, a failed
	// RequirePresent guard ErrKeyNotFound, and a failed RequireValue guard or
	// a concurrent write to any guarded key ErrConflict (all wrapped).
	Commit(batch *Batch) error

	// HasSpace reports whether the store was initialized with space.
	HasSpace(space Space) bool

	// Close releases all resources.
	Close() error
}

// OpKind distinguishes batch operations.
type OpKind uint8

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is a single buffered batch operation.
type Op struct {
	Kind  OpKind
	Space Space
	Key   []byte
	Value []byte
}

// GuardKind selects what a Guard asserts about its key.
type GuardKind uint8

const (
	GuardAbsent  GuardKind = iota // key must not exist
	GuardPresent                  // key must exist
	GuardValue                    // key must hold exactly Value
	GuardWatch                    // no assertion; a concurrent write to key fails the commit
)

// Guard is a precondition checked inside the commit. Every guarded key is
// read in the same transaction that applies the batch, so a write to it by
// another commit in the meantime fails this one with ErrConflict.
type Guard struct {
	Kind  GuardKind
	Space Space
	Key   []byte
	Value []byte
}

// Batch accumulates writes to be committed atomically.
//
// Operations are applied in insertion order, so a later Put wins over an
// earlier Delete of the same key and vice versa. A Batch is not safe for
// concurrent use.
type Batch struct {
	ops    []Op
	guards []Guard
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Put buffers a write. key and value are copied.
func (b *Batch) Put(space Space, key, value []byte) {
	b.ops = append(b.ops, Op{
		Kind:  OpPut,
		Space: space,
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
	})
}

// Delete buffers a delete. key is copied.
func (b *Batch) Delete(space Space, key []byte) {
	b.ops = append(b.ops, Op{
		Kind:  OpDelete,
		Space: space,
		Key:   append([]byte(nil), key...),
	})
}

// RequireAbsent makes the commit fail with ErrKeyExists if key already exists
// in space when the batch is applied.
func (b *Batch) RequireAbsent(space Space, key []byte) {
	b.guard(GuardAbsent, space, key, nil)
}

// RequirePresent makes the commit fail with ErrKeyNotFound if key does not
// exist in space when the batch is applied.
func (b *Batch) RequirePresent(space Space, key []byte) {
	b.guard(GuardPresent, space, key, nil)
}

// RequireValue makes the commit fail with ErrConflict unless key holds
// exactly value when the batch is applied. Use it to commit a
// read-modify-write only if the record read is still current.
func (b *Batch) RequireValue(space Space, key, value []byte) {
	b.guard(GuardValue, space, key, value)
}

// Watch makes the commit fail with ErrConflict if another commit writes key
// while this batch is being applied, without asserting anything about it.
func (b *Batch) Watch(space Space, key []byte) {
	b.guard(GuardWatch, space, key, nil)
}

func (b *Batch) guard(kind GuardKind, space Space, key, value []byte) {
	g := Guard{Kind: kind, Space: space, Key: append([]byte(nil), key...)}
	if value != nil {
		g.Value = append([]byte(nil), value...)
	}
	b.guards = append(b.guards, g)
}

// Ops returns the buffered operations in insertion order.
func (b *Batch) Ops() []Op {
	return b.ops
}

// Guards returns the buffered guards in insertion order.
func (b *Batch) Guards() []Guard {
	return b.guards
}

// Len returns the number of buffered operations.
func (b *Batch) Len() int {
	return len(b.ops)
}
