// Package filter maps an incoming replication Change to the set of
// subscribers whose shape is affected by it.
package filter

import (
	"sync"

	"github.com/shapeflow/sync-core/pkg/replication"
	"github.com/shapeflow/sync-core/pkg/shape"
)

// Filter indexes shapes by relation and evaluates their predicates against
// incoming changes. Predicate evaluation is conservative: it may return
// false positives (a shape included that turns out not to match) but never
// false negatives, per the predicate_evaluation_error error kind.
type Filter struct {
	mu sync.RWMutex

	// byRelation maps a (schema, table) relation to the subscribers
	// currently interested in it.
	byRelation map[[2]string]map[string]*shape.Shape

	// relationBySubscriber tracks which relation a subscriber is indexed
	// under, so RemoveShape doesn't need the shape definition again.
	relationBySubscriber map[string][2]string
}

// New creates an empty Filter.
func New() *Filter {
	return &Filter{
		byRelation:           make(map[[2]string]map[string]*shape.Shape),
		relationBySubscriber: make(map[string][2]string),
	}
}

// AddShape indexes a subscriber's shape. Calling it again for the same
// subscriber replaces the previous shape (e.g. after a reconnect with an
// unchanged definition).
func (f *Filter) AddShape(subscriber string, s *shape.Shape) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if old, ok := f.relationBySubscriber[subscriber]; ok {
		if subs, ok := f.byRelation[old]; ok {
			delete(subs, subscriber)
			if len(subs) == 0 {
				delete(f.byRelation, old)
			}
		}
	}

	rel := relationKey(s)
	subs, ok := f.byRelation[rel]
	if !ok {
		subs = make(map[string]*shape.Shape)
		f.byRelation[rel] = subs
	}
	subs[subscriber] = s
	f.relationBySubscriber[subscriber] = rel
}

// RemoveShape drops a subscriber from every index.
func (f *Filter) RemoveShape(subscriber string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rel, ok := f.relationBySubscriber[subscriber]
	if !ok {
		return
	}
	delete(f.relationBySubscriber, subscriber)

	if subs, ok := f.byRelation[rel]; ok {
		delete(subs, subscriber)
		if len(subs) == 0 {
			delete(f.byRelation, rel)
		}
	}
}

// AffectedShapes returns the set of subscriber IDs whose shape is affected
// by event. event.Relation is assumed to already be Partitions-rewritten
// to the logical parent relation. The returned set has no ordering
// guarantee.
func (f *Filter) AffectedShapes(event *replication.Change) map[string]struct{} {
	f.mu.RLock()
	subs, ok := f.byRelation[event.Relation]
	if !ok {
		f.mu.RUnlock()
		return nil
	}
	// Snapshot under the lock so predicate evaluation (which can be
	// non-trivially expensive) doesn't hold it.
	snapshot := make(map[string]*shape.Shape, len(subs))
	for id, s := range subs {
		snapshot[id] = s
	}
	f.mu.RUnlock()

	affected := make(map[string]struct{})
	for id, s := range snapshot {
		if matchesEvent(s, event) {
			affected[id] = struct{}{}
		}
	}
	return affected
}

func relationKey(s *shape.Shape) [2]string {
	schemaName, tableName := s.Relation()
	return [2]string{schemaName, tableName}
}

// matchesEvent applies a shape's predicate to the relevant record(s) of a
// change, conservatively.
func matchesEvent(s *shape.Shape, event *replication.Change) bool {
	switch event.Type {
	case replication.ChangeTruncate:
		// A truncate removes every row; any shape on the relation is
		// affected regardless of predicate.
		return true
	case replication.ChangeInsert:
		return evalConservative(s, event.NewRecord)
	case replication.ChangeDelete:
		return evalConservative(s, event.OldRecord)
	case replication.ChangeUpdate:
		return evalConservative(s, event.OldRecord) || evalConservative(s, event.NewRecord)
	default:
		return true
	}
}

// evalConservative evaluates a shape's predicate against a record, treating
// a nil record or an evaluation error as a match (false positive is safe,
// false negative is not).
func evalConservative(s *shape.Shape, record map[string]any) bool {
	if record == nil {
		return true
	}
	matched, err := s.Matches(record)
	if err != nil {
		return true
	}
	return matched
}
