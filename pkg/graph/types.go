// Package graph provides the embedded property-graph engine.
//
// The engine stores nodes and edges on an ordered key-value store (see package
// kv), maintains label, property and adjacency indexes in the same atomic batch
// as every primary write, infers an advisory schema from observed data, answers
// simple pattern queries and keeps a concurrent read cache coherent with the
// store.
//
// Example Usage:
//
//	engine, err := graph.Open("./data/graph")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	alice, _ := engine.CreateNode("", []string{"Person"}, graph.Properties{
//		"name": graph.String("Alice"),
//		"age":  graph.Integer(30),
//	})
//	bob, _ := engine.CreateNode("", []string{"Person"}, graph.Properties{
//		"name": graph.String("Bob"),
//	})
//	engine.CreateEdge("", alice, bob, "KNOWS", graph.Properties{
//		"since": graph.Integer(2020),
//	})
//
//	edges, _ := engine.EdgesFrom(alice, "KNOWS")
//
// Nodes and edges reference each other only by id, never by pointer.
package graph

import (
	"errors"
	"time"

	"github.com/orneryd/graphstore/pkg/kv"
)

// Common errors
var (
	ErrBackingStore      = errors.New("backing store error")
	ErrCorruptRecord     = errors.New("corrupt record")
	ErrNotFound          = errors.New("not found")
	ErrDuplicateID       = errors.New("duplicate id")
	ErrInvalidQuery      = errors.New("invalid query")
	ErrMissingSpace      = kv.ErrMissingSpace
	ErrConflict          = kv.ErrConflict
	ErrInvalidID         = errors.New("invalid id")
	ErrInvalidName       = errors.New("invalid label or property name") // empty edge label, or a name containing 0x00
	ErrDanglingEdge      = errors.New("edge endpoint does not exist")
	ErrTransactionClosed = errors.New("transaction closed")
	ErrClosed            = errors.New("engine closed")

	// ErrStopIteration ends a ForEach scan early without an error.
	ErrStopIteration = kv.ErrStopIteration
)

// NodeID uniquely identifies a node.
type NodeID string

// EdgeID uniquely identifies an edge.
type EdgeID string

// EntityKind tells node index entries apart from edge index entries.
type EntityKind string

const (
	KindNode EntityKind = "node"
	KindEdge EntityKind = "edge"
)

// Node is a vertex in the graph.
//
// Labels keep insertion order for display but are compared as a set.
type Node struct {
	ID         NodeID
	Labels     []string
	Properties Properties
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasLabel reports whether the node carries label.
func (n *Node) HasLabel(label string) bool {
	for _, l := range n.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Edge is a directed, labelled relationship between two nodes.
type Edge struct {
	ID         EdgeID
	FromNode   NodeID
	ToNode     NodeID
	Label      string
	Properties Properties
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// endpoints returns the distinct nodes the edge touches: one for a
// self-loop, else from then to.
func (e *Edge) endpoints() []NodeID {
	if e.FromNode == e.ToNode {
		return []NodeID{e.FromNode}
	}
	return []NodeID{e.FromNode, e.ToNode}
}

// copyNode returns a deep copy so cached state can't be mutated by callers.
func copyNode(n *Node) *Node {
	if n == nil {
		return nil
	}
	out := *n
	out.Labels = make([]string, len(n.Labels))
	copy(out.Labels, n.Labels)
	out.Properties = n.Properties.Clone()
	return &out
}

func copyEdge(e *Edge) *Edge {
	if e == nil {
		return nil
	}
	out := *e
	out.Properties = e.Properties.Clone()
	return &out
}

// normalizeLabels drops empty and duplicate labels, keeping first-seen order.
func normalizeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	seen := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
