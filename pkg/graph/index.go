package graph

import (
	"context"
	"strings"

	"github.com/orneryd/graphstore/pkg/kv"
)

// Index key layout. Components are joined with a 0x00 separator and the
// entity id always comes last, so every prefix scan returns entries ordered
// by id within a bucket.
//
//	SpaceLabels:     label    0x00 {kind} 0x00 {label}               0x00 {id}   -> id
//	SpaceProperties: prop     0x00 {kind} 0x00 {name} 0x00 {value}   0x00 {id}   -> id
//	SpaceProperties: outgoing 0x00 {from} 0x00 {label}               0x00 {edge} -> edge
//	SpaceProperties: incoming 0x00 {to}   0x00 {label}               0x00 {edge} -> edge
//	SpaceProperties: stamp    0x00 {node}                                       -> edge
//
// Ids, labels and names never contain 0x00. Values can, so {value} is the
// canonical form with 0x00 and 0x01 escaped (see indexValue).
//
// The stamp of a node is rewritten by every edge attached to it and read by
// DeleteNode, so a delete racing an edge creation on the same node fails with
// a conflict instead of missing the new edge.
//
// Index entries are never written on their own: every helper stages into the
// batch that carries the primary record.
const sep byte = 0x00

const (
	nsLabel    = "label"
	nsProp     = "prop"
	nsOutgoing = "outgoing"
	nsIncoming = "incoming"
	nsStamp    = "stamp"
)

// valueEscaper rewrites 0x00 -> 0x01 0x01 and 0x01 -> 0x01 0x02, so escaped
// values never contain the separator and distinct values stay distinct.
var valueEscaper = strings.NewReplacer("\x01", "\x01\x02", "\x00", "\x01\x01")

// indexValue is the key component for v in the property index.
func indexValue(v Value) string {
	return valueEscaper.Replace(v.Canonical())
}

// Direction selects the adjacency sub-namespace.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) namespace() string {
	if d == Incoming {
		return nsIncoming
	}
	return nsOutgoing
}

func joinKey(parts ...string) []byte {
	n := len(parts) - 1
	for _, p := range parts {
		n += len(p)
	}
	key := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			key = append(key, sep)
		}
		key = append(key, p...)
	}
	return key
}

// prefixKey is joinKey with a trailing separator, for bucket scans.
func prefixKey(parts ...string) []byte {
	return append(joinKey(parts...), sep)
}

func labelIndexKey(kind EntityKind, label, id string) []byte {
	return joinKey(nsLabel, string(kind), label, id)
}

func propIndexKey(kind EntityKind, name string, v Value, id string) []byte {
	return joinKey(nsProp, string(kind), name, indexValue(v), id)
}

func adjacencyStampKey(node NodeID) []byte {
	return joinKey(nsStamp, string(node))
}

func adjacencyKey(dir Direction, node NodeID, label string, edge EdgeID) []byte {
	return joinKey(dir.namespace(), string(node), label, string(edge))
}

func adjacencyPrefix(dir Direction, node NodeID, label string) []byte {
	if label == "" {
		return prefixKey(dir.namespace(), string(node))
	}
	return prefixKey(dir.namespace(), string(node), label)
}

// ============================================================================
// Staging
// ============================================================================

func stageLabels(b *kv.Batch, kind EntityKind, id string, labels []string) {
	for _, l := range labels {
		b.Put(kv.SpaceLabels, labelIndexKey(kind, l, id), []byte(id))
	}
}

func unstageLabels(b *kv.Batch, kind EntityKind, id string, labels []string) {
	for _, l := range labels {
		b.Delete(kv.SpaceLabels, labelIndexKey(kind, l, id))
	}
}

func stageProperties(b *kv.Batch, kind EntityKind, id string, props Properties) {
	for _, name := range props.Keys() {
		if v := props[name]; v != nil {
			b.Put(kv.SpaceProperties, propIndexKey(kind, name, v, id), []byte(id))
		}
	}
}

func unstageProperties(b *kv.Batch, kind EntityKind, id string, props Properties) {
	for _, name := range props.Keys() {
		if v := props[name]; v != nil {
			b.Delete(kv.SpaceProperties, propIndexKey(kind, name, v, id))
		}
	}
}

// restageProperties replaces the property entries of old with those of
// updated. Only entries whose canonical key changed are touched.
func restageProperties(b *kv.Batch, kind EntityKind, id string, old, updated Properties) {
	for _, name := range old.Keys() {
		ov := old[name]
		if ov == nil {
			continue
		}
		if nv, ok := updated[name]; ok && nv != nil && nv.Canonical() == ov.Canonical() {
			continue
		}
		b.Delete(kv.SpaceProperties, propIndexKey(kind, name, ov, id))
	}
	for _, name := range updated.Keys() {
		nv := updated[name]
		if nv == nil {
			continue
		}
		if ov, ok := old[name]; ok && ov != nil && ov.Canonical() == nv.Canonical() {
			continue
		}
		b.Put(kv.SpaceProperties, propIndexKey(kind, name, nv, id), []byte(id))
	}
}

func stageNodeIndexes(b *kv.Batch, n *Node) {
	stageLabels(b, KindNode, string(n.ID), n.Labels)
	stageProperties(b, KindNode, string(n.ID), n.Properties)
}

func unstageNodeIndexes(b *kv.Batch, n *Node) {
	unstageLabels(b, KindNode, string(n.ID), n.Labels)
	unstageProperties(b, KindNode, string(n.ID), n.Properties)
}

func stageEdgeIndexes(b *kv.Batch, e *Edge) {
	stageLabels(b, KindEdge, string(e.ID), []string{e.Label})
	stageProperties(b, KindEdge, string(e.ID), e.Properties)
	b.Put(kv.SpaceProperties, adjacencyKey(Outgoing, e.FromNode, e.Label, e.ID), []byte(e.ID))
	b.Put(kv.SpaceProperties, adjacencyKey(Incoming, e.ToNode, e.Label, e.ID), []byte(e.ID))
	for _, node := range e.endpoints() {
		b.Put(kv.SpaceProperties, adjacencyStampKey(node), []byte(e.ID))
	}
}

func unstageEdgeIndexes(b *kv.Batch, e *Edge) {
	unstageLabels(b, KindEdge, string(e.ID), []string{e.Label})
	unstageProperties(b, KindEdge, string(e.ID), e.Properties)
	b.Delete(kv.SpaceProperties, adjacencyKey(Outgoing, e.FromNode, e.Label, e.ID))
	b.Delete(kv.SpaceProperties, adjacencyKey(Incoming, e.ToNode, e.Label, e.ID))
}

// ============================================================================
// Lookups
// ============================================================================

// scanIDs visits the id stored as the value of every entry under prefix.
func (e *Engine) scanIDs(ctx context.Context, space kv.Space, prefix []byte, fn func(id string) error) error {
	return e.iterate(ctx, space, prefix, func(_, value []byte) error {
		return fn(string(value))
	})
}

// ForEachEntityByLabel visits the ids of every entity of kind carrying label,
// in id order. Return ErrStopIteration from fn to stop early.
func (e *Engine) ForEachEntityByLabel(ctx context.Context, kind EntityKind, label string, fn func(id string) error) error {
	return e.scanIDs(ctx, kv.SpaceLabels, prefixKey(nsLabel, string(kind), label), fn)
}

// ForEachEntityByProperty visits the ids of every entity of kind whose
// property name equals v (ValuesEqual), in id order. Entries whose index key
// collides with v but whose stored value differs, such as String("30") for
// Integer(30) or another list for a list, are skipped.
func (e *Engine) ForEachEntityByProperty(ctx context.Context, kind EntityKind, name string, v Value, fn func(id string) error) error {
	return e.scanPropertyIDs(ctx, kind, name, v, func(id string) error {
		props, err := e.propertiesOf(kind, id)
		if err != nil {
			return err
		}
		if !ValuesEqual(props[name], v) {
			return nil
		}
		return fn(id)
	})
}

// scanPropertyIDs visits every id indexed under the key of v. That is a
// superset of the matches: values sharing a canonical form share a bucket.
func (e *Engine) scanPropertyIDs(ctx context.Context, kind EntityKind, name string, v Value, fn func(id string) error) error {
	if v == nil {
		return nil
	}
	return e.scanIDs(ctx, kv.SpaceProperties, prefixKey(nsProp, string(kind), name, indexValue(v)), fn)
}

// propertiesOf returns the properties of the entity, or nil if it is gone.
func (e *Engine) propertiesOf(kind EntityKind, id string) (Properties, error) {
	if kind == KindEdge {
		edge, err := e.GetEdge(EdgeID(id))
		if err != nil || edge == nil {
			return nil, err
		}
		return edge.Properties, nil
	}
	node, err := e.GetNode(NodeID(id))
	if err != nil || node == nil {
		return nil, err
	}
	return node.Properties, nil
}

// ForEachEdgeID visits the ids of edges leaving (Outgoing) or entering
// (Incoming) node. An empty label matches every label.
func (e *Engine) ForEachEdgeID(ctx context.Context, node NodeID, dir Direction, label string, fn func(id EdgeID) error) error {
	return e.scanIDs(ctx, kv.SpaceProperties, adjacencyPrefix(dir, node, label), func(id string) error {
		return fn(EdgeID(id))
	})
}

// EntitiesByLabel collects the ids of every entity of kind carrying label.
func (e *Engine) EntitiesByLabel(kind EntityKind, label string) ([]string, error) {
	var ids []string
	err := e.ForEachEntityByLabel(context.Background(), kind, label, func(id string) error {
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

// EntitiesByProperty collects the ids of every entity of kind whose property
// name equals v.
func (e *Engine) EntitiesByProperty(kind EntityKind, name string, v Value) ([]string, error) {
	var ids []string
	err := e.ForEachEntityByProperty(context.Background(), kind, name, v, func(id string) error {
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

// EdgeIDsFrom collects the ids of edges leaving node, optionally filtered by
// label.
func (e *Engine) EdgeIDsFrom(node NodeID, label string) ([]EdgeID, error) {
	return e.collectEdgeIDs(node, Outgoing, label)
}

// EdgeIDsTo collects the ids of edges entering node, optionally filtered by
// label.
func (e *Engine) EdgeIDsTo(node NodeID, label string) ([]EdgeID, error) {
	return e.collectEdgeIDs(node, Incoming, label)
}

func (e *Engine) collectEdgeIDs(node NodeID, dir Direction, label string) ([]EdgeID, error) {
	var ids []EdgeID
	err := e.ForEachEdgeID(context.Background(), node, dir, label, func(id EdgeID) error {
		ids = append(ids, id)
		return nil
	})
	return ids, err
}
