package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orneryd/graphstore/pkg/kv"
)

// CreateNode stores a new node and returns its id.
//
// An empty id is replaced by a random UUID. Labels are de-duplicated keeping
// first-seen order and nil property values are dropped. A caller-supplied id
// that already names a node fails with ErrDuplicateID.
func (e *Engine) CreateNode(id NodeID, labels []string, props Properties) (NodeID, error) {
	if err := e.ensureOpen(); err != nil {
		return "", err
	}
	node, err := newNode(id, labels, props)
	if err != nil {
		return "", err
	}

	data, err := e.codec.EncodeNode(node)
	if err != nil {
		return "", fmt.Errorf("encoding node %s: %w", node.ID, err)
	}

	batch := kv.NewBatch()
	batch.RequireAbsent(kv.SpaceNodes, []byte(node.ID))
	batch.Put(kv.SpaceNodes, []byte(node.ID), data)
	stageNodeIndexes(batch, node)
	fresh := e.schema.unseen(KindNode, node.Labels, node.Properties)
	stageSchema(batch, fresh)

	// A racing create of the same id surfaces as a conflict first and as
	// ErrDuplicateID on the retry.
	err = e.retryOnConflict(func() error { return e.commit(batch) })
	if err != nil {
		return "", fmt.Errorf("creating node %s: %w", node.ID, err)
	}

	e.observeCommitted(fresh)
	e.cacheOnNodeCreated(node)
	return node.ID, nil
}

// newNode validates input and builds the record for a node being created.
func newNode(id NodeID, labels []string, props Properties) (*Node, error) {
	if id == "" {
		id = NodeID(uuid.New().String())
	}
	if err := validateID(string(id)); err != nil {
		return nil, err
	}
	labels = normalizeLabels(labels)
	for _, l := range labels {
		if err := validateName(l); err != nil {
			return nil, err
		}
	}
	clean, err := cleanProperties(props)
	if err != nil {
		return nil, err
	}
	ts := now()
	return &Node{
		ID:         id,
		Labels:     labels,
		Properties: clean,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}, nil
}

// GetNode returns the node with id, or nil if there is none.
// The returned node is a copy and may be modified freely.
func (e *Engine) GetNode(id NodeID) (*Node, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrInvalidID
	}
	if n, ok := e.cache.getNode(id); ok {
		return n, nil
	}

	gen := e.cache.generation()
	node, err := e.readNode(id)
	if err != nil || node == nil {
		return nil, err
	}
	e.cache.fillNode(node, gen)
	return node, nil
}

// readNode loads a node from the store, bypassing the cache.
func (e *Engine) readNode(id NodeID) (*Node, error) {
	node, _, err := e.loadNode(id)
	return node, err
}

// loadNode is readNode that also returns the encoded record, for guarding a
// later commit on it.
func (e *Engine) loadNode(id NodeID) (*Node, []byte, error) {
	data, err := e.store.Get(kv.SpaceNodes, []byte(id))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, e.wrapStoreErr(err)
	}
	node, err := e.codec.DecodeNode(data)
	if err != nil {
		return nil, nil, fmt.Errorf("node %s: %w", id, err)
	}
	return node, data, nil
}

// UpdateNode merges patch into the node's properties and returns the result.
//
// Patch keys overwrite existing values, a nil value removes the key and
// other properties are kept. UpdatedAt always moves forward. Property index
// entries of overwritten or removed values are retracted in the same batch.
// The batch only lands if the record read is still current; concurrent
// updates of one node are re-applied on top of each other.
func (e *Engine) UpdateNode(id NodeID, patch Properties) (*Node, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	var updated *Node
	err := e.retryOnConflict(func() error {
		var err error
		updated, err = e.updateNode(id, patch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return copyNode(updated), nil
}

func (e *Engine) updateNode(id NodeID, patch Properties) (*Node, error) {
	old, raw, err := e.loadNode(id)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}

	updated, err := patchNode(old, patch)
	if err != nil {
		return nil, err
	}
	data, err := e.codec.EncodeNode(updated)
	if err != nil {
		return nil, fmt.Errorf("encoding node %s: %w", id, err)
	}

	batch := kv.NewBatch()
	batch.RequireValue(kv.SpaceNodes, []byte(id), raw)
	batch.Put(kv.SpaceNodes, []byte(id), data)
	restageProperties(batch, KindNode, string(id), old.Properties, updated.Properties)
	fresh := e.schema.unseen(KindNode, updated.Labels, updated.Properties)
	stageSchema(batch, fresh)

	if err := e.commit(batch); err != nil {
		return nil, fmt.Errorf("updating node %s: %w", id, err)
	}

	e.observeCommitted(fresh)
	e.cacheOnNodeUpdated(id)
	return updated, nil
}

func patchNode(old *Node, patch Properties) (*Node, error) {
	props, err := mergePatch(old.Properties, patch)
	if err != nil {
		return nil, err
	}
	updated := copyNode(old)
	updated.Properties = props
	updated.UpdatedAt = nextUpdate(old.UpdatedAt)
	return updated, nil
}

// DeleteNode removes the node and every edge that starts or ends at it,
// together with all of their index entries, in one batch.
//
// The batch is guarded on the node record, on every cascaded edge record and
// on the node's adjacency stamp, so an edge attached to the node while the
// delete is in flight makes the delete start over and remove it too.
func (e *Engine) DeleteNode(id NodeID) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	return e.retryOnConflict(func() error {
		return e.deleteNode(id)
	})
}

func (e *Engine) deleteNode(id NodeID) error {
	old, raw, err := e.loadNode(id)
	if err != nil {
		return err
	}
	if old == nil {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}

	batch := kv.NewBatch()
	batch.RequireValue(kv.SpaceNodes, []byte(id), raw)
	batch.Watch(kv.SpaceProperties, adjacencyStampKey(id))
	batch.Delete(kv.SpaceNodes, []byte(id))
	batch.Delete(kv.SpaceProperties, adjacencyStampKey(id))
	unstageNodeIndexes(batch, old)

	cascaded, err := e.stageIncidentEdgeDeletes(batch, id)
	if err != nil {
		return fmt.Errorf("deleting node %s: %w", id, err)
	}

	if err := e.commit(batch); err != nil {
		return fmt.Errorf("deleting node %s: %w", id, err)
	}

	e.cacheOnNodeDeleted(id, cascaded)
	if len(cascaded) > 0 {
		e.logger.Debug("node delete cascaded to edges",
			zap.String("node", string(id)),
			zap.Int("edges", len(cascaded)),
		)
	}
	return nil
}

// stageIncidentEdgeDeletes stages the removal of every edge touching node.
// Self-loops show up in both directions and are staged once.
func (e *Engine) stageIncidentEdgeDeletes(batch *kv.Batch, node NodeID) ([]EdgeID, error) {
	seen := make(map[EdgeID]struct{})
	var ids []EdgeID
	for _, dir := range []Direction{Outgoing, Incoming} {
		err := e.ForEachEdgeID(context.Background(), node, dir, "", func(id EdgeID) error {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	deleted := make([]EdgeID, 0, len(ids))
	for _, id := range ids {
		edge, raw, err := e.loadEdge(id)
		if err != nil {
			return nil, err
		}
		if edge == nil {
			e.logger.Warn("adjacency entry without edge record",
				zap.String("node", string(node)),
				zap.String("edge", string(id)),
			)
			continue
		}
		batch.RequireValue(kv.SpaceEdges, []byte(id), raw)
		batch.Delete(kv.SpaceEdges, []byte(id))
		unstageEdgeIndexes(batch, edge)
		deleted = append(deleted, id)
	}
	return deleted, nil
}

// ScanNodes visits every node in id order, reading straight from the store.
// Return ErrStopIteration from fn to stop early.
func (e *Engine) ScanNodes(ctx context.Context, fn func(*Node) error) error {
	return e.iterate(ctx, kv.SpaceNodes, nil, func(key, value []byte) error {
		node, err := e.codec.DecodeNode(value)
		if err != nil {
			return fmt.Errorf("node %s: %w", key, err)
		}
		return fn(node)
	})
}
