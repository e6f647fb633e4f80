// Package consumer implements the per-shape consumer state machine (spec
// §4.4): it turns raw replication changes into shape operations, writes
// them to storage under one of two write units, and — for shapes other
// shapes depend on — feeds its own Materializer.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shapeflow/sync-core/pkg/materializer"
	"github.com/shapeflow/sync-core/pkg/offset"
	"github.com/shapeflow/sync-core/pkg/operations"
	"github.com/shapeflow/sync-core/pkg/replication"
	"github.com/shapeflow/sync-core/pkg/shape"
	"github.com/shapeflow/sync-core/pkg/storage"
	"github.com/shapeflow/sync-core/pkg/where"
)

// WriteUnit selects how a Consumer commits a transaction's changes.
type WriteUnit string

const (
	// WriteUnitTxn buffers an entire transaction in memory and writes it
	// atomically on the commit marker. Required whenever the shape has
	// dependencies, since subquery conversion must see the whole
	// transaction at once (spec §4.3/§4.4).
	WriteUnitTxn WriteUnit = "txn"

	// WriteUnitTxnFragment streams each fragment to storage immediately
	// and defers only the committed-offset advance to the commit marker.
	WriteUnitTxnFragment WriteUnit = "txn_fragment"
)

// ErrConsumerStopped is returned when ProcessChange is called after Stop.
var ErrConsumerStopped = errors.New("consumer: stopped")

// DependencyBinding wires one `IN (SELECT ...)` conjunct of the shape's
// predicate to the live Materializer of the inner shape it reads.
type DependencyBinding struct {
	Predicate    *where.SubqueryPredicate
	Materializer *materializer.Materializer
}

// Config configures a new Consumer.
type Config struct {
	Handle    string
	Shape     *shape.Shape
	WriteUnit WriteUnit
	Storage   storage.Storage

	// PKColumns identifies this shape's own relation's primary key, used
	// to key the consumer's row cache and to build storage keys. Falls
	// back to []string{"id"} if empty.
	PKColumns []string

	// Materializer is non-nil when this shape is an inner shape other
	// shapes depend on: the consumer feeds every applied change into it.
	Materializer *materializer.Materializer

	// Dependencies is non-empty when the shape itself is an outer
	// subquery shape; each entry's Materializer must already be running.
	Dependencies []DependencyBinding
}

type op struct {
	offset offset.LogOffset
	key    string
	kind   storage.Operation
	value  map[string]any
}

// dependencyView is this consumer's locally synced copy of one inner
// shape's materialized row-set.
type dependencyView struct {
	predicate *where.SubqueryPredicate
	rows      map[string]materializer.Row
	sub       *materializer.Subscription
}

func newDependencyView(subscriberID string, d DependencyBinding) (*dependencyView, error) {
	fromOffset := d.Materializer.FetchLatestCommittedOffset()
	snapshot, sub, err := d.Materializer.Subscribe(subscriberID, fromOffset)
	if err != nil {
		return nil, fmt.Errorf("subscribe to dependency materializer: %w", err)
	}
	return &dependencyView{predicate: d.Predicate, rows: snapshot, sub: sub}, nil
}

// drain applies every notification currently buffered on the channel and
// returns the merged delta (inner row values, keyed by the inner
// materializer's key), used both to answer contains() and to synthesize
// move-in/move-out ops for outer rows the dependency's own commit didn't
// touch directly.
func (v *dependencyView) drain() materializer.Notification {
	agg := materializer.Notification{
		Entered: make(map[string]materializer.Row),
		Updated: make(map[string]materializer.Row),
	}
	for {
		select {
		case n := <-v.sub.Notifications:
			for k, val := range n.Entered {
				v.rows[k] = val
				agg.Entered[k] = val
				delete(agg.Updated, k)
			}
			for k, val := range n.Updated {
				v.rows[k] = val
				if _, already := agg.Entered[k]; !already {
					agg.Updated[k] = val
				}
			}
			for _, k := range n.Left {
				delete(agg.Entered, k)
				delete(agg.Updated, k)
				delete(v.rows, k)
				agg.Left = append(agg.Left, k)
			}
		default:
			return agg
		}
	}
}

func (v *dependencyView) contains(value any) bool {
	for _, row := range v.rows {
		if valuesEqual(row[v.predicate.InnerColumn], value) {
			return true
		}
	}
	return false
}

// Consumer owns one shape's slice of the replication stream: converting
// changes, applying both write units, and — for dependent (outer)
// shapes — resolving subquery membership against its dependencies'
// materializers.
type Consumer struct {
	mu sync.Mutex

	handle    string
	sh        *shape.Shape
	writeUnit WriteUnit
	pkColumns []string
	store     storage.Storage
	mat       *materializer.Materializer
	deps      []*dependencyView
	stopped   bool

	// rows is this consumer's own row cache, keyed by its relation's PK.
	// It lets move-in/move-out ops be synthesized for rows a dependency's
	// commit affects even when the outer relation itself had no WAL event
	// this transaction (spec §4.4 example 5).
	rows map[string]map[string]any

	latestOffset          offset.LogOffset
	latestCommittedOffset offset.LogOffset

	txnBuffer []op
}

// New creates a Consumer and subscribes it to each dependency's
// materializer using fetch_latest_committed_offset(), never the
// dependency's uncommitted latest_offset (spec §9 open question).
func New(cfg Config) (*Consumer, error) {
	pkCols := cfg.PKColumns
	if len(pkCols) == 0 {
		pkCols = []string{"id"}
	}

	c := &Consumer{
		handle:                cfg.Handle,
		sh:                    cfg.Shape,
		writeUnit:             cfg.WriteUnit,
		pkColumns:             pkCols,
		store:                 cfg.Storage,
		mat:                   cfg.Materializer,
		rows:                  make(map[string]map[string]any),
		latestOffset:          offset.BeforeAll,
		latestCommittedOffset: offset.BeforeAll,
	}

	for _, d := range cfg.Dependencies {
		view, err := newDependencyView(cfg.Handle, d)
		if err != nil {
			return nil, err
		}
		c.deps = append(c.deps, view)
	}

	return c, nil
}

// LatestOffset returns the highest offset processed, committed or not.
func (c *Consumer) LatestOffset() offset.LogOffset {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latestOffset
}

// LatestCommittedOffset returns the highest offset this consumer has
// committed to storage.
func (c *Consumer) LatestCommittedOffset() offset.LogOffset {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latestCommittedOffset
}

// Stop marks the consumer as no longer accepting changes.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
}

// GetHandle returns the shape handle this consumer was started for.
func (c *Consumer) GetHandle() string {
	return c.handle
}

// GetTable returns the (schema, table) this consumer's shape is declared
// against.
func (c *Consumer) GetTable() (string, string) {
	return c.sh.Schema, c.sh.TableName
}

// ProcessChange handles one replication change destined for this shape's
// relation. change.IsLast marks the transaction's final change, standing
// in for a dedicated commit marker (matching the legacy WithLast(isLast)
// convention this core already uses to tag the end of a transaction).
func (c *Consumer) ProcessChange(ctx context.Context, change *replication.Change) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrConsumerStopped
	}
	if change.Offset.After(c.latestOffset) {
		c.latestOffset = change.Offset
	}

	for _, d := range c.deps {
		d.drain()
	}

	ops, err := c.convertChange(change)
	if err != nil {
		return fmt.Errorf("convert change: %w", err)
	}

	switch c.writeUnit {
	case WriteUnitTxn:
		c.txnBuffer = append(c.txnBuffer, ops...)
		if change.IsLast {
			return c.commitTxn(change.Offset)
		}
		return nil
	default:
		if len(ops) > 0 {
			if err := c.writeOps(ops, false); err != nil {
				return err
			}
		}
		if change.IsLast {
			return c.completeFragmentedTxn(change.Offset)
		}
		return nil
	}
}

// convertChange applies the shape's local predicate, and — for a
// dependent shape — its dependency membership, to classify one inbound
// WAL change into zero, one, or two storage ops. It also keeps the own
// row cache current regardless of match outcome, since move-in/move-out
// triggered purely by a dependency's own commit needs the outer row's
// last known values (see synthesizeDependencyDrivenOps).
func (c *Consumer) convertChange(change *replication.Change) ([]op, error) {
	key := c.buildKey(pick(change.OldRecord, change.NewRecord))

	switch change.Type {
	case replication.ChangeTruncate:
		c.rows = make(map[string]map[string]any)
		return nil, nil

	case replication.ChangeInsert:
		inside, err := c.isInside(change.NewRecord)
		if err != nil {
			return nil, err
		}
		c.rows[key] = change.NewRecord
		if !inside {
			return nil, nil
		}
		return []op{{offset: change.Offset, key: key, kind: storage.OpInsert, value: change.NewRecord}}, nil

	case replication.ChangeDelete:
		wasInside, err := c.isInside(change.OldRecord)
		if err != nil {
			return nil, err
		}
		delete(c.rows, key)
		if !wasInside {
			return nil, nil
		}
		return []op{{offset: change.Offset, key: key, kind: storage.OpDelete, value: change.OldRecord}}, nil

	case replication.ChangeUpdate:
		oldKey := c.buildKey(change.OldRecord)
		wasInside, err := c.isInside(change.OldRecord)
		if err != nil {
			return nil, err
		}
		nowInside, err := c.isInside(change.NewRecord)
		if err != nil {
			return nil, err
		}
		delete(c.rows, oldKey)
		c.rows[key] = change.NewRecord

		switch {
		case wasInside && nowInside:
			return []op{{offset: change.Offset, key: key, kind: storage.OpUpdate, value: change.NewRecord}}, nil
		case !wasInside && nowInside:
			return []op{{offset: change.Offset, key: key, kind: storage.OpInsert, value: change.NewRecord}}, nil
		case wasInside && !nowInside:
			return []op{{offset: change.Offset, key: oldKey, kind: storage.OpDelete, value: change.OldRecord}}, nil
		default:
			return nil, nil
		}

	default:
		return nil, nil
	}
}

// isInside reports whether record satisfies both the shape's own local
// predicate and, for a dependent shape, every dependency's current
// membership test.
func (c *Consumer) isInside(record map[string]any) (bool, error) {
	if record == nil {
		return false, nil
	}
	localMatch, err := c.sh.Matches(record)
	if err != nil {
		return false, err
	}
	if !localMatch {
		return false, nil
	}
	for _, d := range c.deps {
		val, ok := record[d.predicate.OuterColumn]
		if !ok || val == nil {
			return false, nil
		}
		if !d.contains(val) {
			return false, nil
		}
	}
	return true, nil
}

// commitTxn flushes the buffered transaction (write_unit=txn), first
// appending synthesized dependency-driven ops for outer rows that crossed
// the boundary purely because a dependency committed, then the WAL-driven
// ops collected while this transaction was buffered. This is the
// convert_changes_for_subquery_shape step: it only ever runs against
// fully-buffered, commit-time dependency state, never fragment-
// interleaved state (spec §4.4).
func (c *Consumer) commitTxn(commitOffset offset.LogOffset) error {
	extra := c.synthesizeDependencyDrivenOps(commitOffset)
	ops := append(extra, c.txnBuffer...)
	c.txnBuffer = nil

	if err := c.writeOps(ops, true); err != nil {
		return err
	}
	if commitOffset.After(c.latestCommittedOffset) {
		c.latestCommittedOffset = commitOffset
	}
	return nil
}

// completeFragmentedTxn advances the committed offset for write_unit=
// txn_fragment and flushes the deferred materializer commit.
func (c *Consumer) completeFragmentedTxn(commitOffset offset.LogOffset) error {
	if err := c.store.Commit(c.handle, commitOffset); err != nil {
		return fmt.Errorf("commit storage: %w", err)
	}
	if commitOffset.After(c.latestCommittedOffset) {
		c.latestCommittedOffset = commitOffset
	}
	if c.mat != nil {
		c.mat.HandleChange(commitOffset, "", "", nil, true)
	}
	return nil
}

// synthesizeDependencyDrivenOps finds rows in the own cache whose join
// value just entered or left a dependency's materialized set this
// transaction, independent of whether the outer relation itself had a
// WAL event for that row.
func (c *Consumer) synthesizeDependencyDrivenOps(commitOffset offset.LogOffset) []op {
	if len(c.deps) == 0 {
		return nil
	}
	touched := make(map[string]struct{}, len(c.txnBuffer))
	for _, o := range c.txnBuffer {
		touched[o.key] = struct{}{}
	}

	var extra []op
	for _, d := range c.deps {
		delta := d.drain()
		for _, innerRow := range delta.Entered {
			joinVal := innerRow[d.predicate.InnerColumn]
			for key, row := range c.rows {
				if _, already := touched[key]; already {
					continue
				}
				v, ok := row[d.predicate.OuterColumn]
				if !ok || !valuesEqual(v, joinVal) {
					continue
				}
				localMatch, err := c.sh.Matches(row)
				if err != nil || !localMatch {
					continue
				}
				extra = append(extra, op{offset: commitOffset, key: key, kind: storage.OpInsert, value: row})
				touched[key] = struct{}{}
			}
		}
	}
	return extra
}

// writeOps appends ops to storage, feeds this consumer's own materializer
// (if any), and tags the last op of the batch when flush is a real commit
// flush so downstream wire serialization can mark transaction boundaries.
func (c *Consumer) writeOps(ops []op, commit bool) error {
	if len(ops) == 0 {
		if commit && c.mat != nil {
			c.mat.HandleChange(c.latestOffset, "", "", nil, true)
		}
		return nil
	}

	changes := make([]storage.Change, 0, len(ops))
	for _, o := range ops {
		value, err := c.encodeOp(o)
		if err != nil {
			return fmt.Errorf("encode op: %w", err)
		}
		changes = append(changes, storage.Change{Offset: o.offset, Key: o.key, Op: o.kind, JSON: value})
		if c.mat != nil {
			c.mat.HandleChange(o.offset, o.key, o.kind, o.value, false)
		}
	}

	if _, err := c.store.Append(c.handle, changes); err != nil {
		return fmt.Errorf("append to storage: %w", err)
	}
	if commit {
		if err := c.store.Commit(c.handle, ops[len(ops)-1].offset); err != nil {
			return fmt.Errorf("commit storage: %w", err)
		}
		if c.mat != nil {
			c.mat.HandleChange(ops[len(ops)-1].offset, "", "", nil, true)
		}
	}
	return nil
}

// encodeOp renders op into the same wire LogItem JSON format the legacy
// ChangeFilter produced, picking the operation constructor that matches
// o.kind so headers (and, for deletes, PK-only values) come out right.
func (c *Consumer) encodeOp(o op) ([]byte, error) {
	relation := [2]string{c.sh.Schema, c.sh.TableName}
	value := c.sh.FilterColumns(o.value)
	stringValue := anyToStringMap(value)

	switch o.kind {
	case storage.OpDelete:
		deleteValue := operations.FilterValueByPKs(stringValue, c.pkColumns)
		if c.sh.Replica == shape.ReplicaFull {
			deleteValue = stringValue
		}
		return operations.NewDeleteOperation(o.key, deleteValue, o.offset.String(), relation, nil, false).ToJSON()
	case storage.OpUpdate:
		return operations.NewUpdateOperation(o.key, stringValue, nil, o.offset.String(), relation, nil, false, operations.ReplicaMode(c.sh.Replica)).ToJSON()
	default:
		return operations.NewInsertOperation(o.key, stringValue, o.offset.String(), relation, nil, false).ToJSON()
	}
}

func (c *Consumer) buildKey(record map[string]any) string {
	values := make(map[string]string, len(c.pkColumns))
	for _, col := range c.pkColumns {
		if v, ok := record[col]; ok && v != nil {
			values[col] = fmt.Sprintf("%v", v)
		}
	}
	return operations.BuildKeyFromMap(c.sh.Schema, c.sh.TableName, c.pkColumns, values)
}

func pick(old, new map[string]any) map[string]any {
	if new != nil {
		return new
	}
	return old
}

func anyToStringMap(m map[string]any) map[string]string {
	if m == nil {
		return nil
	}
	result := make(map[string]string, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		result[k] = fmt.Sprintf("%v", v)
	}
	return result
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
