// Package replication provides components for PostgreSQL logical replication.
// The Collector turns parsed WAL messages into Changes and pushes them into
// a demand-coupled Dispatcher, one committed transaction at a time.
//
package replication

import (
	"context"
	"fmt"
	"sync"

	"github.com/shapeflow/sync-core/pkg/offset"
	"github.com/shapeflow/sync-core/pkg/wal"
	"github.com/jackc/pglogrepl"
)

// Dispatcher is the demand-coupled sink a Collector pushes Changes into.
// Declared here, rather than imported from pkg/dispatcher, because
// pkg/dispatcher already imports this package for the Change type;
// *pkg/dispatcher.Dispatcher satisfies this interface without referencing
// it directly. Demand must be waited on before each Dispatch call, per the
// "one unit of demand returns exactly one event" contract.
type Dispatcher interface {
	Demand() <-chan struct{}
	Dispatch(ctx context.Context, event *Change) error
}

// Change represents a change to be dispatched to consumers.
type Change struct {
	// Type is the operation type (insert, update, delete).
	Type ChangeType
	// Offset is the log offset for this change.
	Offset offset.LogOffset
	// Relation is the (schema, table) of the affected table.
	Relation [2]string
	// RelationID is the PostgreSQL relation OID.
	RelationID uint32
	// NewRecord contains new values for insert/update.
	NewRecord map[string]any
	// OldRecord contains old values for update/delete.
	OldRecord map[string]any
	// Xid is the transaction ID.
	Xid uint32
	// IsLast indicates if this is the last change in the transaction.
	IsLast bool
	// ByteSize is the size of the change in bytes.
	ByteSize int
}

// ChangeType represents the type of a data change.
type ChangeType int

const (
	// ChangeInsert is an insert operation.
	ChangeInsert ChangeType = iota
	// ChangeUpdate is an update operation.
	ChangeUpdate
	// ChangeDelete is a delete operation.
	ChangeDelete
	// ChangeTruncate is a truncate operation.
	ChangeTruncate
)

// String returns a string representation of the ChangeType.
func (ct ChangeType) String() string {
	switch ct {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	case ChangeTruncate:
		return "truncate"
	default:
		return "unknown"
	}
}

// Transaction holds state for the current transaction.
type Transaction struct {
	// Xid is the PostgreSQL transaction ID.
	Xid uint32
	// LSN is the commit LSN of the transaction.
	LSN pglogrepl.LSN
	// Offset is the log offset for this transaction.
	Offset offset.LogOffset
	// OpCounter is a counter for generating unique op offsets within the transaction.
	OpCounter int64
	// Changes accumulates changes within this transaction.
	Changes []*Change
	// AffectedRelations tracks which relation IDs are affected.
	AffectedRelations map[uint32]struct{}
}

// NewTransaction creates a new transaction with the given Xid and LSN.
func NewTransaction(xid uint32, lsn pglogrepl.LSN) *Transaction {
	return &Transaction{
		Xid:               xid,
		LSN:               lsn,
		Offset:            offset.MustNew(int64(lsn), 0),
		OpCounter:         0,
		Changes:           make([]*Change, 0),
		AffectedRelations: make(map[uint32]struct{}),
	}
}

// NextOffset returns the next offset within the transaction and increments the counter.
func (t *Transaction) NextOffset() offset.LogOffset {
	off := offset.MustNew(int64(t.LSN), t.OpCounter)
	t.OpCounter++
	return off
}

// AddChange adds a change to the transaction.
func (t *Transaction) AddChange(change *Change) {
	t.Changes = append(t.Changes, change)
	t.AffectedRelations[change.RelationID] = struct{}{}
}

// Collector tracks replication transaction state and pushes each committed
// transaction's changes into a Dispatcher, respecting its demand protocol.
type Collector struct {

	// dispatcher is the demand-coupled sink every committed change is
	// pushed into. Routing to the actual shape consumers (predicate
	// evaluation via Filter, partition rewriting via Partitions, fan-out
	// via Dispatcher's Subscribe/Ask protocol) lives entirely on the
	// other side of this interface.
	dispatcher Dispatcher

	mu sync.RWMutex

	// currentTxn holds the state of the current transaction being processed.
	currentTxn *Transaction

	// relations caches relation metadata by relation ID.
	relations map[uint32]*wal.RelationMessage

	// currentOffset tracks the last processed offset.
	currentOffset offset.LogOffset
}

// NewCollector creates a shape log collector that pushes committed changes
// into d.
func NewCollector(d Dispatcher) *Collector {
	return &Collector{
		dispatcher:    d,
		relations:     make(map[uint32]*wal.RelationMessage),
		currentOffset: offset.InitialOffset,
	}
}

// Process processes a WAL message.
// It dispatches data changes to relevant consumers based on the message type.
func (c *Collector) Process(ctx context.Context, msg *wal.Message) error {
	if msg == nil {
		return nil
	}

	switch msg.Type {
	case wal.MessageBegin:
		return c.handleBegin(msg)
	case wal.MessageCommit:
		return c.handleCommit(ctx, msg)
	case wal.MessageRelation:
		return c.handleRelation(msg)
	case wal.MessageInsert:
		return c.handleInsert(ctx, msg)
	case wal.MessageUpdate:
		return c.handleUpdate(ctx, msg)
	case wal.MessageDelete:
		return c.handleDelete(ctx, msg)
	case wal.MessageTruncate:
		return c.handleTruncate(ctx, msg)
	default:
		// Ignore other message types (Origin, Type, etc.)
		return nil
	}
}

// handleBegin processes a Begin message, starting a new transaction.
func (c *Collector) handleBegin(msg *wal.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Start a new transaction
	c.currentTxn = NewTransaction(msg.Xid, msg.LSN)
	return nil
}

// handleCommit processes a Commit message, finalizing the transaction.
func (c *Collector) handleCommit(ctx context.Context, msg *wal.Message) error {
	c.mu.Lock()
	txn := c.currentTxn
	c.currentTxn = nil

	if txn == nil {
		c.mu.Unlock()
		return nil
	}

	// Update the current offset to the commit LSN
	commitOffset := offset.MustNew(int64(msg.LSN), 0)
	c.currentOffset = commitOffset
	c.mu.Unlock()

	// Mark the last change in the transaction
	if len(txn.Changes) > 0 {
		txn.Changes[len(txn.Changes)-1].IsLast = true
	}

	// Dispatch all changes to consumers
	return c.dispatchChanges(ctx, txn)
}

// handleRelation processes a Relation message, caching table metadata.
func (c *Collector) handleRelation(msg *wal.Message) error {
	if msg.Relation == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.relations[msg.Relation.ID] = msg.Relation
	return nil
}

// handleInsert processes an Insert message.
func (c *Collector) handleInsert(ctx context.Context, msg *wal.Message) error {
	if msg.Data == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentTxn == nil {
		return fmt.Errorf("insert message received outside of transaction")
	}

	rel, ok := c.relations[msg.Data.RelationID]
	if !ok {
		return fmt.Errorf("unknown relation ID: %d", msg.Data.RelationID)
	}

	change := &Change{
		Type:       ChangeInsert,
		Offset:     c.currentTxn.NextOffset(),
		Relation:   [2]string{rel.Namespace, rel.Name},
		RelationID: msg.Data.RelationID,
		NewRecord:  msg.Data.NewValues,
		Xid:        c.currentTxn.Xid,
		ByteSize:   msg.Data.ByteSize,
	}

	c.currentTxn.AddChange(change)
	return nil
}

// handleUpdate processes an Update message.
func (c *Collector) handleUpdate(ctx context.Context, msg *wal.Message) error {
	if msg.Data == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentTxn == nil {
		return fmt.Errorf("update message received outside of transaction")
	}

	rel, ok := c.relations[msg.Data.RelationID]
	if !ok {
		return fmt.Errorf("unknown relation ID: %d", msg.Data.RelationID)
	}

	// Determine old values: prefer OldValues if present (REPLICA IDENTITY FULL),
	// otherwise use ChangedKeyOldValues if present (key changed)
	oldValues := msg.Data.OldValues
	if oldValues == nil {
		oldValues = msg.Data.ChangedKeyOldValues
	}

	change := &Change{
		Type:       ChangeUpdate,
		Offset:     c.currentTxn.NextOffset(),
		Relation:   [2]string{rel.Namespace, rel.Name},
		RelationID: msg.Data.RelationID,
		NewRecord:  msg.Data.NewValues,
		OldRecord:  oldValues,
		Xid:        c.currentTxn.Xid,
		ByteSize:   msg.Data.ByteSize,
	}

	c.currentTxn.AddChange(change)
	return nil
}

// handleDelete processes a Delete message.
func (c *Collector) handleDelete(ctx context.Context, msg *wal.Message) error {
	if msg.Data == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentTxn == nil {
		return fmt.Errorf("delete message received outside of transaction")
	}

	rel, ok := c.relations[msg.Data.RelationID]
	if !ok {
		return fmt.Errorf("unknown relation ID: %d", msg.Data.RelationID)
	}

	// Determine old values: prefer OldValues if present (REPLICA IDENTITY FULL),
	// otherwise use ChangedKeyOldValues (contains the key columns)
	oldValues := msg.Data.OldValues
	if oldValues == nil {
		oldValues = msg.Data.ChangedKeyOldValues
	}

	change := &Change{
		Type:       ChangeDelete,
		Offset:     c.currentTxn.NextOffset(),
		Relation:   [2]string{rel.Namespace, rel.Name},
		RelationID: msg.Data.RelationID,
		OldRecord:  oldValues,
		Xid:        c.currentTxn.Xid,
		ByteSize:   msg.Data.ByteSize,
	}

	c.currentTxn.AddChange(change)
	return nil
}

// handleTruncate processes a Truncate message.
func (c *Collector) handleTruncate(ctx context.Context, msg *wal.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentTxn == nil {
		return fmt.Errorf("truncate message received outside of transaction")
	}

	// Create a truncate change for each affected relation
	for _, relID := range msg.TruncateRelationIDs {
		rel, ok := c.relations[relID]
		if !ok {
			continue // Skip unknown relations
		}

		change := &Change{
			Type:       ChangeTruncate,
			Offset:     c.currentTxn.NextOffset(),
			Relation:   [2]string{rel.Namespace, rel.Name},
			RelationID: relID,
			Xid:        c.currentTxn.Xid,
		}

		c.currentTxn.AddChange(change)
	}

	return nil
}

// dispatchChanges pushes a committed transaction's changes into the
// Dispatcher one at a time, in commit order, waiting for one unit of
// demand before each. This is the collector's only point of contact with
// routing: Partitions rewriting and Filter predicate evaluation happen
// inside Dispatch itself, and fan-out to the matched shape consumers
// happens on the other side of their Subscribe/Ask protocol.
func (c *Collector) dispatchChanges(ctx context.Context, txn *Transaction) error {
	for _, change := range txn.Changes {
		select {
		case <-c.dispatcher.Demand():
		case <-ctx.Done():
			return ctx.Err()
		}

		if err := c.dispatcher.Dispatch(ctx, change); err != nil {
			return fmt.Errorf("dispatch change at %v: %w", change.Offset, err)
		}
	}

	return nil
}

// GetOffset returns the current offset (for bookkeeping).
func (c *Collector) GetOffset() offset.LogOffset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentOffset
}

// GetRelation returns the cached relation metadata for the given ID.
func (c *Collector) GetRelation(id uint32) (*wal.RelationMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rel, ok := c.relations[id]
	return rel, ok
}

// GetRelationCount returns the number of cached relations.
func (c *Collector) GetRelationCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.relations)
}

// ClearRelations clears the relation cache.
// This should be called when the replication stream is reset.
func (c *Collector) ClearRelations() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relations = make(map[uint32]*wal.RelationMessage)
}

// IsInTransaction returns true if currently processing a transaction.
func (c *Collector) IsInTransaction() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentTxn != nil
}

// GetCurrentTransactionXid returns the current transaction's Xid, or 0 if not in a transaction.
func (c *Collector) GetCurrentTransactionXid() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.currentTxn == nil {
		return 0
	}
	return c.currentTxn.Xid
}
