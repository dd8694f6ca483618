package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/orneryd/graphstore/pkg/kv"
)

// CreateEdge stores a new edge from -> to and returns its id.
//
// Unless the engine was opened with AllowDanglingEdges, both endpoints must
// exist or ErrDanglingEdge is returned; the check is repeated inside the
// commit, so an endpoint deleted meanwhile is caught too. An empty id is
// replaced by a random UUID; an existing id fails with ErrDuplicateID.
func (e *Engine) CreateEdge(id EdgeID, from, to NodeID, label string, props Properties) (EdgeID, error) {
	if err := e.ensureOpen(); err != nil {
		return "", err
	}
	edge, err := newEdge(id, from, to, label, props)
	if err != nil {
		return "", err
	}
	if !e.allowDangling {
		for _, endpoint := range edge.endpoints() {
			if err := e.requireNode(endpoint); err != nil {
				return "", err
			}
		}
	}

	data, err := e.codec.EncodeEdge(edge)
	if err != nil {
		return "", fmt.Errorf("encoding edge %s: %w", edge.ID, err)
	}

	batch := kv.NewBatch()
	batch.RequireAbsent(kv.SpaceEdges, []byte(edge.ID))
	if !e.allowDangling {
		for _, endpoint := range edge.endpoints() {
			batch.RequirePresent(kv.SpaceNodes, []byte(endpoint))
		}
	}
	batch.Put(kv.SpaceEdges, []byte(edge.ID), data)
	stageEdgeIndexes(batch, edge)
	fresh := e.schema.unseen(KindEdge, []string{edge.Label}, edge.Properties)
	stageSchema(batch, fresh)

	err = e.retryOnConflict(func() error { return e.commit(batch) })
	if errors.Is(err, kv.ErrKeyNotFound) {
		return "", fmt.Errorf("creating edge %s: %w: endpoint deleted concurrently", edge.ID, ErrDanglingEdge)
	}
	if err != nil {
		return "", fmt.Errorf("creating edge %s: %w", edge.ID, err)
	}

	e.observeCommitted(fresh)
	e.cacheOnEdgeCreated(edge)
	return edge.ID, nil
}

func newEdge(id EdgeID, from, to NodeID, label string, props Properties) (*Edge, error) {
	if id == "" {
		id = EdgeID(uuid.New().String())
	}
	if err := validateID(string(id)); err != nil {
		return nil, err
	}
	for _, endpoint := range []NodeID{from, to} {
		if err := validateID(string(endpoint)); err != nil {
			return nil, fmt.Errorf("edge endpoint: %w", err)
		}
	}
	if err := validateName(label); err != nil {
		return nil, fmt.Errorf("edge label: %w", err)
	}
	clean, err := cleanProperties(props)
	if err != nil {
		return nil, err
	}
	ts := now()
	return &Edge{
		ID:         id,
		FromNode:   from,
		ToNode:     to,
		Label:      label,
		Properties: clean,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}, nil
}

// requireNode returns ErrDanglingEdge if node does not exist.
func (e *Engine) requireNode(id NodeID) error {
	n, err := e.GetNode(id)
	if err != nil {
		return err
	}
	if n == nil {
		return fmt.Errorf("%w: node %s", ErrDanglingEdge, id)
	}
	return nil
}

// GetEdge returns the edge with id, or nil if there is none.
func (e *Engine) GetEdge(id EdgeID) (*Edge, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrInvalidID
	}
	if edge, ok := e.cache.getEdge(id); ok {
		return edge, nil
	}

	gen := e.cache.generation()
	edge, err := e.readEdge(id)
	if err != nil || edge == nil {
		return nil, err
	}
	e.cache.fillEdge(edge, gen)
	return edge, nil
}

func (e *Engine) readEdge(id EdgeID) (*Edge, error) {
	edge, _, err := e.loadEdge(id)
	return edge, err
}

func (e *Engine) loadEdge(id EdgeID) (*Edge, []byte, error) {
	data, err := e.store.Get(kv.SpaceEdges, []byte(id))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, e.wrapStoreErr(err)
	}
	edge, err := e.codec.DecodeEdge(data)
	if err != nil {
		return nil, nil, fmt.Errorf("edge %s: %w", id, err)
	}
	return edge, data, nil
}

// UpdateEdge merges patch into the edge's properties, like UpdateNode.
// Endpoints and label are immutable.
func (e *Engine) UpdateEdge(id EdgeID, patch Properties) (*Edge, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	var updated *Edge
	err := e.retryOnConflict(func() error {
		var err error
		updated, err = e.updateEdge(id, patch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return copyEdge(updated), nil
}

func (e *Engine) updateEdge(id EdgeID, patch Properties) (*Edge, error) {
	old, raw, err := e.loadEdge(id)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, fmt.Errorf("edge %s: %w", id, ErrNotFound)
	}

	props, err := mergePatch(old.Properties, patch)
	if err != nil {
		return nil, err
	}
	updated := copyEdge(old)
	updated.Properties = props
	updated.UpdatedAt = nextUpdate(old.UpdatedAt)

	data, err := e.codec.EncodeEdge(updated)
	if err != nil {
		return nil, fmt.Errorf("encoding edge %s: %w", id, err)
	}

	batch := kv.NewBatch()
	batch.RequireValue(kv.SpaceEdges, []byte(id), raw)
	batch.Put(kv.SpaceEdges, []byte(id), data)
	restageProperties(batch, KindEdge, string(id), old.Properties, updated.Properties)
	fresh := e.schema.unseen(KindEdge, []string{updated.Label}, updated.Properties)
	stageSchema(batch, fresh)

	if err := e.commit(batch); err != nil {
		return nil, fmt.Errorf("updating edge %s: %w", id, err)
	}

	e.observeCommitted(fresh)
	e.cacheOnEdgeUpdated(id)
	return updated, nil
}

// DeleteEdge removes the edge with its label, property and adjacency entries.
func (e *Engine) DeleteEdge(id EdgeID) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	return e.retryOnConflict(func() error {
		return e.deleteEdge(id)
	})
}

func (e *Engine) deleteEdge(id EdgeID) error {
	old, raw, err := e.loadEdge(id)
	if err != nil {
		return err
	}
	if old == nil {
		return fmt.Errorf("edge %s: %w", id, ErrNotFound)
	}

	batch := kv.NewBatch()
	batch.RequireValue(kv.SpaceEdges, []byte(id), raw)
	batch.Delete(kv.SpaceEdges, []byte(id))
	unstageEdgeIndexes(batch, old)

	if err := e.commit(batch); err != nil {
		return fmt.Errorf("deleting edge %s: %w", id, err)
	}
	e.cacheOnEdgeDeleted(id)
	return nil
}

// EdgesFrom returns the edges leaving node, optionally filtered by label.
func (e *Engine) EdgesFrom(node NodeID, label string) ([]*Edge, error) {
	return e.edgesOf(node, Outgoing, label)
}

// EdgesTo returns the edges entering node, optionally filtered by label.
func (e *Engine) EdgesTo(node NodeID, label string) ([]*Edge, error) {
	return e.edgesOf(node, Incoming, label)
}

// edgesOf resolves adjacency ids through GetEdge so cached edges are reused.
func (e *Engine) edgesOf(node NodeID, dir Direction, label string) ([]*Edge, error) {
	ids, err := e.collectEdgeIDs(node, dir, label)
	if err != nil {
		return nil, err
	}
	edges := make([]*Edge, 0, len(ids))
	for _, id := range ids {
		edge, err := e.GetEdge(id)
		if err != nil {
			return nil, err
		}
		if edge != nil {
			edges = append(edges, edge)
		}
	}
	return edges, nil
}

// ScanEdges visits every edge in id order, reading straight from the store.
func (e *Engine) ScanEdges(ctx context.Context, fn func(*Edge) error) error {
	return e.iterate(ctx, kv.SpaceEdges, nil, func(key, value []byte) error {
		edge, err := e.codec.DecodeEdge(value)
		if err != nil {
			return fmt.Errorf("edge %s: %w", key, err)
		}
		return fn(edge)
	})
}
