// Package partitions tracks the mapping from a PostgreSQL partition
// relation to its logical parent, rewriting incoming changes so the rest
// of the pipeline (Filter, Consumer) only ever sees the parent relation a
// shape was declared against.
package partitions

import (
	"sync"

	"github.com/shapeflow/sync-core/pkg/replication"
)

// Table is identified purely by (schema, name); rewriting never crosses
// schemas implicitly.
type Table = [2]string

// Partitions holds the partition_relation -> parent_relation mapping and
// rewrites events whose relation is a known partition.
type Partitions struct {
	mu      sync.RWMutex
	parents map[Table]Table
}

// New creates an empty Partitions index.
func New() *Partitions {
	return &Partitions{
		parents: make(map[Table]Table),
	}
}

// AddPartition registers that partition belongs to parent. Re-adding the
// same partition with a different parent overwrites the old mapping,
// which is how a schema-change ("relation") event updates the index.
func (p *Partitions) AddPartition(partition, parent Table) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parents[partition] = parent
}

// RemovePartition drops a partition->parent mapping, e.g. on DETACH
// PARTITION or a relation drop.
func (p *Partitions) RemovePartition(partition Table) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.parents, partition)
}

// Parent returns the logical parent of relation, and whether relation is
// a known partition at all.
func (p *Partitions) Parent(relation Table) (Table, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	parent, ok := p.parents[relation]
	return parent, ok
}

// HandleEvent returns event unchanged if its relation is not a known
// partition, or a shallow copy with Relation rewritten to the parent
// otherwise. HandleEvent is a pure function of the currently known
// partition map: the event itself is never mutated in place, since the
// unrewritten copy may still be needed by whoever queued it (e.g. for
// logging the raw WAL relation).
func (p *Partitions) HandleEvent(event *replication.Change) *replication.Change {
	parent, ok := p.Parent(event.Relation)
	if !ok {
		return event
	}
	rewritten := *event
	rewritten.Relation = parent
	return &rewritten
}
