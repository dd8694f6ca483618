package graph

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/orneryd/graphstore/pkg/kv"
)

// Schema records which properties have been observed under each node label
// and edge label, together with the type seen first.
//
// The schema is advisory. Writes are never rejected because of it, and a later
// write with a different type for the same (label, property) does not change
// the recorded type.
//
// Persisted layout (SpaceSchema), one entry per pair:
//
//	{kind} 0x00 {label} 0x00 {property} -> type name
//
// A Schema is created once per engine and shared by pointer. It is safe for
// concurrent use.
type Schema struct {
	mu    sync.RWMutex
	store kv.Store
	types map[EntityKind]map[string]map[string]InferredType
}

// schemaEntry is one observed (label, property, type) triple.
type schemaEntry struct {
	kind     EntityKind
	label    string
	property string
	typ      InferredType
}

// SchemaSnapshot is an immutable copy of the schema.
type SchemaSnapshot struct {
	NodeLabels map[string]map[string]InferredType `json:"node_labels" yaml:"node_labels"`
	EdgeLabels map[string]map[string]InferredType `json:"edge_labels" yaml:"edge_labels"`
}

// NewSchema returns an empty schema persisting to store. A nil store keeps the
// schema in memory only.
func NewSchema(store kv.Store) *Schema {
	return &Schema{
		store: store,
		types: map[EntityKind]map[string]map[string]InferredType{
			KindNode: {},
			KindEdge: {},
		},
	}
}

// LoadSchema reads every persisted entry from store.
func LoadSchema(ctx context.Context, store kv.Store) (*Schema, error) {
	s := NewSchema(store)
	err := store.Iterate(ctx, kv.SpaceSchema, nil, func(key, value []byte) error {
		parts := bytes.SplitN(key, []byte{sep}, 3)
		if len(parts) != 3 {
			return fmt.Errorf("%w: malformed schema key %q", ErrCorruptRecord, key)
		}
		kind := EntityKind(parts[0])
		if kind != KindNode && kind != KindEdge {
			return fmt.Errorf("%w: unknown schema kind %q", ErrCorruptRecord, parts[0])
		}
		s.record(schemaEntry{
			kind:     kind,
			label:    string(parts[1]),
			property: string(parts[2]),
			typ:      InferredType(value),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading schema: %w", err)
	}
	return s, nil
}

func schemaKey(e schemaEntry) []byte {
	return joinKey(string(e.kind), e.label, e.property)
}

// Observe infers the type of each property and records every (label,
// property) pair not seen before, writing new pairs through to the store.
// Observing the same data twice leaves the schema unchanged.
func (s *Schema) Observe(kind EntityKind, label string, props Properties) error {
	fresh := s.unseen(kind, []string{label}, props)
	if len(fresh) == 0 {
		return nil
	}
	if s.store != nil {
		batch := kv.NewBatch()
		stageSchema(batch, fresh)
		if err := s.store.Commit(batch); err != nil {
			return fmt.Errorf("%w: persisting schema: %v", ErrBackingStore, err)
		}
	}
	s.apply(fresh)
	return nil
}

// unseen returns the entries that would be added by observing props under
// each label. The schema itself is not modified.
func (s *Schema) unseen(kind EntityKind, labels []string, props Properties) []schemaEntry {
	if len(labels) == 0 || len(props) == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []schemaEntry
	for _, label := range labels {
		known := s.types[kind][label]
		for _, name := range props.Keys() {
			v := props[name]
			if v == nil {
				continue
			}
			if _, ok := known[name]; ok {
				continue
			}
			out = append(out, schemaEntry{kind: kind, label: label, property: name, typ: v.Type()})
		}
	}
	return out
}

// stageSchema adds the persisted form of entries to batch.
func stageSchema(batch *kv.Batch, entries []schemaEntry) {
	for _, e := range entries {
		batch.Put(kv.SpaceSchema, schemaKey(e), []byte(e.typ))
	}
}

// apply records entries in memory, keeping any type already present.
// It returns the number of pairs that were new.
func (s *Schema) apply(entries []schemaEntry) int {
	if len(entries) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, e := range entries {
		if s.recordLocked(e) {
			added++
		}
	}
	return added
}

func (s *Schema) record(e schemaEntry) {
	s.mu.Lock()
	s.recordLocked(e)
	s.mu.Unlock()
}

func (s *Schema) recordLocked(e schemaEntry) bool {
	byLabel := s.types[e.kind]
	props, ok := byLabel[e.label]
	if !ok {
		props = make(map[string]InferredType)
		byLabel[e.label] = props
	}
	if _, seen := props[e.property]; seen {
		return false
	}
	props[e.property] = e.typ
	return true
}

// replace swaps in the contents of other, keeping this tracker's identity so
// holders of the pointer see the new state.
func (s *Schema) replace(other *Schema) {
	other.mu.RLock()
	nodes := copyTypeTable(other.types[KindNode])
	edges := copyTypeTable(other.types[KindEdge])
	other.mu.RUnlock()

	s.mu.Lock()
	s.types[KindNode] = nodes
	s.types[KindEdge] = edges
	s.mu.Unlock()
}

// PropertiesOf returns a copy of the property types recorded for label.
// Unknown labels yield an empty map.
func (s *Schema) PropertiesOf(kind EntityKind, label string) map[string]InferredType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.types[kind][label]
	out := make(map[string]InferredType, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// KnownLabels returns every label observed for kind, sorted.
func (s *Schema) KnownLabels(kind EntityKind) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	labels := make([]string, 0, len(s.types[kind]))
	for l := range s.types[kind] {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// Snapshot returns a deep copy of the whole schema.
func (s *Schema) Snapshot() SchemaSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SchemaSnapshot{
		NodeLabels: copyTypeTable(s.types[KindNode]),
		EdgeLabels: copyTypeTable(s.types[KindEdge]),
	}
}

func copyTypeTable(src map[string]map[string]InferredType) map[string]map[string]InferredType {
	out := make(map[string]map[string]InferredType, len(src))
	for label, props := range src {
		cp := make(map[string]InferredType, len(props))
		for k, v := range props {
			cp[k] = v
		}
		out[label] = cp
	}
	return out
}
