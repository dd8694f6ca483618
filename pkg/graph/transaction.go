package graph

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orneryd/graphstore/pkg/kv"
)

// TransactionStatus is the lifecycle state of a Transaction.
type TransactionStatus string

const (
	TxStatusActive     TransactionStatus = "active"
	TxStatusCommitted  TransactionStatus = "committed"
	TxStatusRolledBack TransactionStatus = "rolled_back"
)

// OperationType names a buffered transaction operation.
type OperationType string

const (
	OpCreateNode OperationType = "create_node"
	OpUpdateNode OperationType = "update_node"
	OpCreateEdge OperationType = "create_edge"
)

// Operation records one buffered write, in call order.
type Operation struct {
	Type      OperationType
	NodeID    NodeID
	EdgeID    EdgeID
	Timestamp time.Time
}

// Transaction buffers creates and updates and commits them as one batch.
//
// Nothing reaches the store before Commit, and the cache and schema are only
// touched after Commit succeeded. Any error while buffering aborts the
// transaction: its status becomes TxStatusRolledBack and every later call
// returns ErrTransactionClosed.
//
// Reads through the transaction see its own pending writes. There is no read
// isolation: data committed by others after Begin is visible.
type Transaction struct {
	mu sync.Mutex

	ID        string
	StartTime time.Time

	status TransactionStatus
	engine *Engine
	batch  *kv.Batch

	pendingNodes map[NodeID]*Node
	pendingEdges map[EdgeID]*Edge
	createdNodes map[NodeID]struct{}
	createdEdges map[EdgeID]struct{}
	schema       []schemaEntry
	operations   []Operation
}

// Begin starts a transaction.
func (e *Engine) Begin() (*Transaction, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	return &Transaction{
		ID:           uuid.New().String(),
		StartTime:    time.Now(),
		status:       TxStatusActive,
		engine:       e,
		batch:        kv.NewBatch(),
		pendingNodes: make(map[NodeID]*Node),
		pendingEdges: make(map[EdgeID]*Edge),
		createdNodes: make(map[NodeID]struct{}),
		createdEdges: make(map[EdgeID]struct{}),
	}, nil
}

// Status returns the transaction state.
func (tx *Transaction) Status() TransactionStatus {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status
}

// IsActive reports whether the transaction still accepts operations.
func (tx *Transaction) IsActive() bool {
	return tx.Status() == TxStatusActive
}

// OperationCount returns the number of buffered operations.
func (tx *Transaction) OperationCount() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.operations)
}

// Operations returns a copy of the buffered operations.
func (tx *Transaction) Operations() []Operation {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]Operation(nil), tx.operations...)
}

// abortLocked discards everything buffered and passes err through.
func (tx *Transaction) abortLocked(err error) error {
	tx.status = TxStatusRolledBack
	tx.discardLocked()
	tx.engine.logger.Debug("transaction aborted",
		zap.String("tx", tx.ID),
		zap.Error(err),
	)
	return err
}

func (tx *Transaction) discardLocked() {
	tx.batch = nil
	tx.pendingNodes = nil
	tx.pendingEdges = nil
	tx.createdNodes = nil
	tx.createdEdges = nil
	tx.schema = nil
}

func (tx *Transaction) record(op OperationType, node NodeID, edge EdgeID) {
	tx.operations = append(tx.operations, Operation{
		Type:      op,
		NodeID:    node,
		EdgeID:    edge,
		Timestamp: time.Now(),
	})
}

// observeLocked stages schema entries not already staged by this transaction.
func (tx *Transaction) observeLocked(kind EntityKind, labels []string, props Properties) {
	for _, entry := range tx.engine.schema.unseen(kind, labels, props) {
		if tx.hasSchemaEntry(entry) {
			continue
		}
		tx.schema = append(tx.schema, entry)
		stageSchema(tx.batch, []schemaEntry{entry})
	}
}

func (tx *Transaction) hasSchemaEntry(entry schemaEntry) bool {
	for _, s := range tx.schema {
		if s.kind == entry.kind && s.label == entry.label && s.property == entry.property {
			return true
		}
	}
	return false
}

// CreateNode buffers a node creation. See Engine.CreateNode.
func (tx *Transaction) CreateNode(id NodeID, labels []string, props Properties) (NodeID, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != TxStatusActive {
		return "", ErrTransactionClosed
	}

	node, err := newNode(id, labels, props)
	if err != nil {
		return "", tx.abortLocked(err)
	}
	if _, exists := tx.pendingNodes[node.ID]; exists {
		return "", tx.abortLocked(fmt.Errorf("node %s: %w", node.ID, ErrDuplicateID))
	}
	data, err := tx.engine.codec.EncodeNode(node)
	if err != nil {
		return "", tx.abortLocked(fmt.Errorf("encoding node %s: %w", node.ID, err))
	}

	tx.batch.RequireAbsent(kv.SpaceNodes, []byte(node.ID))
	tx.batch.Put(kv.SpaceNodes, []byte(node.ID), data)
	stageNodeIndexes(tx.batch, node)
	tx.observeLocked(KindNode, node.Labels, node.Properties)

	tx.pendingNodes[node.ID] = node
	tx.createdNodes[node.ID] = struct{}{}
	tx.record(OpCreateNode, node.ID, "")
	return node.ID, nil
}

// UpdateNode buffers a property merge. The base is the transaction's own
// pending version of the node if there is one, else the stored node.
func (tx *Transaction) UpdateNode(id NodeID, patch Properties) (*Node, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != TxStatusActive {
		return nil, ErrTransactionClosed
	}

	old, ok := tx.pendingNodes[id]
	if !ok {
		stored, raw, err := tx.engine.loadNode(id)
		if err != nil {
			return nil, tx.abortLocked(err)
		}
		if stored == nil {
			return nil, tx.abortLocked(fmt.Errorf("node %s: %w", id, ErrNotFound))
		}
		// The commit fails with ErrConflict if someone else changes the node
		// before it lands.
		tx.batch.RequireValue(kv.SpaceNodes, []byte(id), raw)
		old = stored
	}

	updated, err := patchNode(old, patch)
	if err != nil {
		return nil, tx.abortLocked(err)
	}
	data, err := tx.engine.codec.EncodeNode(updated)
	if err != nil {
		return nil, tx.abortLocked(fmt.Errorf("encoding node %s: %w", id, err))
	}

	// Batch operations apply in order, so retracting the pending version's
	// entries here is correct even if they were staged by this transaction.
	tx.batch.Put(kv.SpaceNodes, []byte(id), data)
	restageProperties(tx.batch, KindNode, string(id), old.Properties, updated.Properties)
	tx.observeLocked(KindNode, updated.Labels, updated.Properties)

	tx.pendingNodes[id] = updated
	tx.record(OpUpdateNode, id, "")
	return copyNode(updated), nil
}

// CreateEdge buffers an edge creation. Endpoints may be nodes created
// earlier in the same transaction.
func (tx *Transaction) CreateEdge(id EdgeID, from, to NodeID, label string, props Properties) (EdgeID, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != TxStatusActive {
		return "", ErrTransactionClosed
	}

	edge, err := newEdge(id, from, to, label, props)
	if err != nil {
		return "", tx.abortLocked(err)
	}
	if _, exists := tx.pendingEdges[edge.ID]; exists {
		return "", tx.abortLocked(fmt.Errorf("edge %s: %w", edge.ID, ErrDuplicateID))
	}
	var stored []NodeID
	if !tx.engine.allowDangling {
		for _, endpoint := range edge.endpoints() {
			if _, pending := tx.pendingNodes[endpoint]; pending {
				continue
			}
			if err := tx.engine.requireNode(endpoint); err != nil {
				return "", tx.abortLocked(err)
			}
			stored = append(stored, endpoint)
		}
	}
	data, err := tx.engine.codec.EncodeEdge(edge)
	if err != nil {
		return "", tx.abortLocked(fmt.Errorf("encoding edge %s: %w", edge.ID, err))
	}

	tx.batch.RequireAbsent(kv.SpaceEdges, []byte(edge.ID))
	for _, endpoint := range stored {
		tx.batch.RequirePresent(kv.SpaceNodes, []byte(endpoint))
	}
	tx.batch.Put(kv.SpaceEdges, []byte(edge.ID), data)
	stageEdgeIndexes(tx.batch, edge)
	tx.observeLocked(KindEdge, []string{edge.Label}, edge.Properties)

	tx.pendingEdges[edge.ID] = edge
	tx.createdEdges[edge.ID] = struct{}{}
	tx.record(OpCreateEdge, "", edge.ID)
	return edge.ID, nil
}

// GetNode returns the transaction's pending version of the node, falling
// back to the engine.
func (tx *Transaction) GetNode(id NodeID) (*Node, error) {
	tx.mu.Lock()
	if tx.status != TxStatusActive {
		tx.mu.Unlock()
		return nil, ErrTransactionClosed
	}
	if n, ok := tx.pendingNodes[id]; ok {
		tx.mu.Unlock()
		return copyNode(n), nil
	}
	tx.mu.Unlock()
	return tx.engine.GetNode(id)
}

// GetEdge returns the transaction's pending version of the edge, falling
// back to the engine.
func (tx *Transaction) GetEdge(id EdgeID) (*Edge, error) {
	tx.mu.Lock()
	if tx.status != TxStatusActive {
		tx.mu.Unlock()
		return nil, ErrTransactionClosed
	}
	if edge, ok := tx.pendingEdges[id]; ok {
		tx.mu.Unlock()
		return copyEdge(edge), nil
	}
	tx.mu.Unlock()
	return tx.engine.GetEdge(id)
}

// Commit writes every buffered operation in one atomic batch.
//
// On failure nothing is written, the transaction is rolled back and the
// error is returned: ErrDuplicateID if a created id already existed,
// ErrConflict if a node updated through the transaction changed since it was
// read, ErrDanglingEdge if an edge endpoint was deleted since it was checked.
// Conflicts are not retried.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != TxStatusActive {
		return ErrTransactionClosed
	}

	e := tx.engine
	if err := e.commit(tx.batch); err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			err = fmt.Errorf("%w: endpoint deleted concurrently", ErrDanglingEdge)
		}
		return tx.abortLocked(fmt.Errorf("committing transaction %s: %w", tx.ID, err))
	}

	e.observeCommitted(tx.schema)
	for id, node := range tx.pendingNodes {
		if _, created := tx.createdNodes[id]; created {
			e.cacheOnNodeCreated(node)
		} else {
			e.cacheOnNodeUpdated(id)
		}
	}
	for _, edge := range tx.pendingEdges {
		e.cacheOnEdgeCreated(edge)
	}

	e.logger.Debug("transaction committed",
		zap.String("tx", tx.ID),
		zap.Int("operations", len(tx.operations)),
		zap.Duration("duration", time.Since(tx.StartTime)),
	)
	tx.status = TxStatusCommitted
	tx.discardLocked()
	return nil
}

// Rollback discards every buffered operation.
func (tx *Transaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != TxStatusActive {
		return ErrTransactionClosed
	}
	tx.status = TxStatusRolledBack
	tx.discardLocked()
	return nil
}
