// Package state is the shape registry and supervisor (spec §4.6). It
// resolves the dependency DAG between shapes, starts each shape's
// Materializer and Consumer in topological order (inner shapes before the
// outer shapes that read them), and selects each shape's write_unit
// according to spec §4.4's table.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	zlog "github.com/rs/zerolog/log"

	"github.com/shapeflow/sync-core/pkg/consumer"
	"github.com/shapeflow/sync-core/pkg/dispatcher"
	"github.com/shapeflow/sync-core/pkg/materializer"
	"github.com/shapeflow/sync-core/pkg/shape"
	"github.com/shapeflow/sync-core/pkg/storage"
)

// ErrShapeNotFound is returned when a handle has no registered shape.
var ErrShapeNotFound = errors.New("state: shape not found")

// ErrDependencyCycle is returned when registering a shape would close a
// cycle in the dependency DAG.
var ErrDependencyCycle = errors.New("state: shape dependency cycle")

// ErrDependencyNotFound is returned when a shape's subquery predicate
// references a relation no registered shape serves.
var ErrDependencyNotFound = errors.New("state: dependency relation not registered")

// entry is one shape's full runtime state: its definition, its
// Materializer (always created — any shape can later become a dependency
// target), its Consumer once started, and the handles of shapes it
// depends on / that depend on it, for DAG bookkeeping.
type entry struct {
	handle     string
	sh         *shape.Shape
	writeUnit  consumer.WriteUnit
	mat        *materializer.Materializer
	cons       *consumer.Consumer
	dependsOn  []string // handles this shape's Dependencies resolve to
	dependedBy []string // handles of shapes that depend on this one
	stop       chan struct{}
}

// Registry is the shape supervisor. One Registry exists per running
// service instance; it owns every shape's Materializer and Consumer, and
// subscribes each one to a Dispatcher so live replication changes reach it
// through the demand-coupled Subscribe/Ask protocol rather than a direct
// call.
type Registry struct {
	mu sync.RWMutex

	store storage.Storage
	disp  *dispatcher.Dispatcher

	byHandle   map[string]*entry
	byRelation map[[2]string][]string // relation -> handles serving it
}

// New creates an empty Registry backed by store, subscribing every shape it
// registers to disp.
func New(store storage.Storage, disp *dispatcher.Dispatcher) *Registry {
	return &Registry{
		store:      store,
		disp:       disp,
		byHandle:   make(map[string]*entry),
		byRelation: make(map[[2]string][]string),
	}
}

// selectWriteUnit implements spec §4.4's write_unit selection table:
//
//	has_dependencies? == false && is_subquery_shape? == false -> txn_fragment
//	is_subquery_shape? == true  && has_dependencies? == false -> txn_fragment
//	has_dependencies? == true                                 -> txn
//
// The middle rule never actually fires under this package's single-level
// dependency model: IsSubqueryShape and HasDependencies read off the same
// Dependencies slice (pkg/shape), so a subquery shape always has
// dependencies. The code therefore checks HasDependencies alone; the middle
// rule is covered by the default txn_fragment branch.
func selectWriteUnit(sh *shape.Shape) consumer.WriteUnit {
	if sh.HasDependencies() {
		return consumer.WriteUnitTxn
	}
	return consumer.WriteUnitTxnFragment
}

// Register adds a shape to the registry and starts its Materializer and
// Consumer. If the shape has dependencies, every inner relation its
// predicate reads must already be registered (Register must be called in
// dependency order — callers building a shape tree bottom-up naturally
// satisfy this; RegisterAll below does it for a whole batch).
//
// Registering a shape whose Dependencies would close a cycle is rejected:
// under the single-level dependency model a cycle can only arise if two
// already-registered shapes' relations point at each other, which
// Register detects by walking dependsOn before committing the new entry.
func (r *Registry) Register(handle string, sh *shape.Shape, pkColumns []string) (*consumer.Consumer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byHandle[handle]; exists {
		return nil, fmt.Errorf("state: handle %q already registered", handle)
	}

	var bindings []consumer.DependencyBinding
	var dependsOn []string
	for _, dep := range sh.Dependencies {
		rel := [2]string{dep.Predicate.InnerSchema, dep.Predicate.InnerTable}
		innerHandles, ok := r.byRelation[rel]
		if !ok || len(innerHandles) == 0 {
			return nil, fmt.Errorf("%w: %s.%s", ErrDependencyNotFound, rel[0], rel[1])
		}
		// Single-level dependency model: the first (and, by convention,
		// only) shape registered for a relation is the one a subquery
		// conjunct against that relation resolves to.
		innerHandle := innerHandles[0]
		inner, ok := r.byHandle[innerHandle]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrDependencyNotFound, innerHandle)
		}
		if wouldCycle(r.byHandle, innerHandle, handle) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrDependencyCycle, handle, innerHandle)
		}
		bindings = append(bindings, consumer.DependencyBinding{
			Predicate:    dep.Predicate,
			Materializer: inner.mat,
		})
		dependsOn = append(dependsOn, innerHandle)
	}

	writeUnit := selectWriteUnit(sh)
	mat := materializer.New()

	cons, err := consumer.New(consumer.Config{
		Handle:       handle,
		Shape:        sh,
		WriteUnit:    writeUnit,
		Storage:      r.store,
		PKColumns:    pkColumns,
		Materializer: mat,
		Dependencies: bindings,
	})
	if err != nil {
		return nil, fmt.Errorf("start consumer for %s: %w", handle, err)
	}

	e := &entry{
		handle:    handle,
		sh:        sh,
		writeUnit: writeUnit,
		mat:       mat,
		cons:      cons,
		dependsOn: dependsOn,
		stop:      make(chan struct{}),
	}

	if r.disp != nil {
		sub, err := r.disp.Subscribe(context.Background(), handle, sh)
		if err != nil {
			return nil, fmt.Errorf("subscribe %s to dispatcher: %w", handle, err)
		}
		go r.pump(e, sub)
	}

	r.byHandle[handle] = e
	for _, innerHandle := range dependsOn {
		inner := r.byHandle[innerHandle]
		inner.dependedBy = append(inner.dependedBy, handle)
	}

	rel := [2]string{sh.Schema, sh.TableName}
	r.byRelation[rel] = append(r.byRelation[rel], handle)

	return cons, nil
}

// pump relays events the Dispatcher fans out to e's Subscription into e's
// Consumer, asking for one more unit of demand after each one is processed
// (the "max_demand=1" contract: never more than one event in flight per
// subscriber). It exits once e.stop is closed, which Remove does after
// cancelling the subscription.
func (r *Registry) pump(e *entry, sub *dispatcher.Subscription) {
	log := zlog.With().Str("component", "state").Str("handle", e.handle).Logger()
	for {
		select {
		case change, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := e.cons.ProcessChange(context.Background(), change); err != nil {
				log.Error().Err(err).Msg("consumer failed to process change")
			}
			r.disp.Ask(e.handle)
		case <-e.stop:
			return
		}
	}
}

// wouldCycle reports whether starting a walk at `from` and following
// dependsOn edges can reach `target`. Called before the new edge
// target->from is added, so finding target reachable from `from` means
// adding that edge would close a cycle.
func wouldCycle(byHandle map[string]*entry, from, target string) bool {
	visited := make(map[string]bool)
	var walk func(h string) bool
	walk = func(h string) bool {
		if h == target {
			return true
		}
		if visited[h] {
			return false
		}
		visited[h] = true
		e, ok := byHandle[h]
		if !ok {
			return false
		}
		for _, next := range e.dependsOn {
			if walk(next) {
				return true
			}
		}
		return false
	}
	return walk(from)
}

// RegisterAll registers a batch of shapes in dependency order (inner
// shapes before outer shapes that reference them), regardless of the
// order they're passed in. It topologically sorts by Dependencies before
// calling Register on each in turn, realizing spec §4.6's "start inner
// consumers before outer consumers" requirement for shapes created
// together (e.g. on service startup from persisted shape definitions).
func (r *Registry) RegisterAll(shapes map[string]*shape.Shape, pkColumns map[string][]string) error {
	order, err := topoSort(shapes)
	if err != nil {
		return err
	}
	for _, handle := range order {
		if _, err := r.Register(handle, shapes[handle], pkColumns[handle]); err != nil {
			return err
		}
	}
	return nil
}

// topoSort orders handles so that every shape appears after the inner
// shapes its Dependencies reference, detecting cycles within the batch
// itself (cross-batch cycles against already-registered shapes are
// caught by Register's wouldCycle check).
func topoSort(shapes map[string]*shape.Shape) ([]string, error) {
	byRelation := make(map[[2]string]string, len(shapes))
	for h, sh := range shapes {
		byRelation[[2]string{sh.Schema, sh.TableName}] = h
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(shapes))
	var order []string

	var visit func(h string) error
	visit = func(h string) error {
		switch state[h] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: %s", ErrDependencyCycle, h)
		}
		state[h] = visiting
		sh := shapes[h]
		for _, dep := range sh.Dependencies {
			rel := [2]string{dep.Predicate.InnerSchema, dep.Predicate.InnerTable}
			innerHandle, ok := byRelation[rel]
			if !ok {
				// Dependency target isn't in this batch; assumed to be
				// already registered, checked later by Register itself.
				continue
			}
			if err := visit(innerHandle); err != nil {
				return err
			}
		}
		state[h] = done
		order = append(order, h)
		return nil
	}

	for h := range shapes {
		if err := visit(h); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Consumer returns the running consumer for handle.
func (r *Registry) Consumer(handle string) (*consumer.Consumer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byHandle[handle]
	if !ok {
		return nil, ErrShapeNotFound
	}
	return e.cons, nil
}

// Materializer returns the materializer backing handle, present for every
// registered shape regardless of whether anything currently depends on
// it.
func (r *Registry) Materializer(handle string) (*materializer.Materializer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byHandle[handle]
	if !ok {
		return nil, ErrShapeNotFound
	}
	return e.mat, nil
}

// Shape returns the shape definition registered under handle.
func (r *Registry) Shape(handle string) (*shape.Shape, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byHandle[handle]
	if !ok {
		return nil, ErrShapeNotFound
	}
	return e.sh, nil
}

// WriteUnit returns the write_unit selected for handle.
func (r *Registry) WriteUnit(handle string) (consumer.WriteUnit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byHandle[handle]
	if !ok {
		return "", ErrShapeNotFound
	}
	return e.writeUnit, nil
}

// Consumers returns every registered consumer, in no defined order. Each
// one is already subscribed to the Registry's Dispatcher (see Register/pump)
// and processing live changes; this accessor exists for inspection and
// tests, not for wiring.
func (r *Registry) Consumers() []*consumer.Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*consumer.Consumer, 0, len(r.byHandle))
	for _, e := range r.byHandle {
		result = append(result, e.cons)
	}
	return result
}

// Remove stops tracking handle. It does not stop shapes that still depend
// on it; callers are expected to remove outer shapes before their inner
// dependencies (the reverse of registration order).
func (r *Registry) Remove(handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byHandle[handle]
	if !ok {
		return ErrShapeNotFound
	}
	if len(e.dependedBy) > 0 {
		return fmt.Errorf("state: cannot remove %s: still depended on by %v", handle, e.dependedBy)
	}

	if r.disp != nil {
		close(e.stop)
		r.disp.Cancel(handle)
	}
	e.cons.Stop()
	for _, innerHandle := range e.dependsOn {
		if inner, ok := r.byHandle[innerHandle]; ok {
			inner.dependedBy = removeHandle(inner.dependedBy, handle)
		}
	}

	rel := [2]string{e.sh.Schema, e.sh.TableName}
	r.byRelation[rel] = removeHandle(r.byRelation[rel], handle)
	if len(r.byRelation[rel]) == 0 {
		delete(r.byRelation, rel)
	}
	delete(r.byHandle, handle)
	return nil
}

func removeHandle(handles []string, target string) []string {
	out := handles[:0]
	for _, h := range handles {
		if h != target {
			out = append(out, h)
		}
	}
	return out
}
