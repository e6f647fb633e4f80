// Package dispatcher implements the demand-coupled broadcast node sitting
// between the replication producer and shape consumers. Its core invariant:
// the producer is asked for the next event only after every consumer that
// received the current event has acknowledged it.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/shapeflow/sync-core/pkg/filter"
	"github.com/shapeflow/sync-core/pkg/partitions"
	"github.com/shapeflow/sync-core/pkg/replication"
	"github.com/shapeflow/sync-core/pkg/shape"
)

// ErrAlreadySubscribed is returned by Subscribe when the given subscriber
// ID is already registered.
var ErrAlreadySubscribed = errors.New("dispatcher: subscriber already subscribed")

// eventQueueSize approximates the "unbounded in-queue" the design calls
// for: the owner goroutine drains it continuously and the real
// backpressure point is each subscriber's capacity-1 event channel, not
// this command queue, so a large, finite buffer is sufficient in practice.
const eventQueueSize = 4096

// Subscription is handed back to a consumer on Subscribe. It receives
// dispatched events on Events (capacity 1, matching the max_demand=1
// contract) and must call Dispatcher.Ask after durably processing each
// one before another will arrive.
type Subscription struct {
	ID     string
	Events <-chan *replication.Change
}

type subscriberState struct {
	shape  *shape.Shape
	events chan *replication.Change
}

// dispatcherState is owned exclusively by the run() goroutine; nothing
// outside it may touch these fields.
type dispatcherState struct {
	subscribers map[string]*subscriberState
	waiting     int
	pending     map[string]struct{}
}

// Dispatcher is a single-owner-task actor: all state transitions are
// applied serially by one goroutine, reached only through the command
// channel, so no locking is needed around dispatcherState.
type Dispatcher struct {
	filter     *filter.Filter
	partitions *partitions.Partitions
	logger     zerolog.Logger

	cmds   chan func(*dispatcherState)
	demand chan struct{}
	done   chan struct{}
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithLogger overrides the default global logger with a component-scoped
// one.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// New creates a Dispatcher wired to the given Filter and Partitions index
// and starts its owner goroutine. Call Close to stop it.
func New(f *filter.Filter, p *partitions.Partitions, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		filter:     f,
		partitions: p,
		logger:     zlog.Logger.With().Str("component", "dispatcher").Logger(),
		cmds:       make(chan func(*dispatcherState), eventQueueSize),
		demand:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run(&dispatcherState{
		subscribers: make(map[string]*subscriberState),
		pending:     make(map[string]struct{}),
	})
	return d
}

func (d *Dispatcher) run(state *dispatcherState) {
	for {
		select {
		case cmd := <-d.cmds:
			cmd(state)
		case <-d.done:
			return
		}
	}
}

// exec submits fn to the owner goroutine and blocks for its result.
func (d *Dispatcher) exec(fn func(*dispatcherState) error) error {
	result := make(chan error, 1)
	select {
	case d.cmds <- func(s *dispatcherState) { result <- fn(s) }:
	case <-d.done:
		return fmt.Errorf("dispatcher: closed")
	}
	select {
	case err := <-result:
		return err
	case <-d.done:
		return fmt.Errorf("dispatcher: closed")
	}
}

// enqueue submits fn to the owner goroutine without waiting for it to run
// (fire-and-forget), used for acks and cancellations whose caller does not
// need to observe completion.
func (d *Dispatcher) enqueue(fn func(*dispatcherState)) {
	select {
	case d.cmds <- fn:
	case <-d.done:
	}
}

// grantDemand signals one unit of demand upstream. It must only be called
// from within the owner goroutine.
func (d *Dispatcher) grantDemand() {
	select {
	case d.demand <- struct{}{}:
	default:
		d.logger.Warn().Msg("demand already pending; dropping duplicate grant (invariant violation)")
	}
}

// Demand returns the channel the upstream producer reads from: one value
// received is one unit of granted demand, satisfying "one unit of demand
// returns exactly one event".
func (d *Dispatcher) Demand() <-chan struct{} {
	return d.demand
}

// Subscribe registers a new subscriber for shape sh. It grants one unit
// of initial demand to the upstream producer iff this is the first
// subscriber.
func (d *Dispatcher) Subscribe(ctx context.Context, subscriberID string, sh *shape.Shape) (*Subscription, error) {
	events := make(chan *replication.Change, 1)
	grantInitialDemand := false

	err := d.exec(func(s *dispatcherState) error {
		if _, exists := s.subscribers[subscriberID]; exists {
			return ErrAlreadySubscribed
		}
		s.subscribers[subscriberID] = &subscriberState{shape: sh, events: events}
		d.filter.AddShape(subscriberID, sh)
		if len(s.subscribers) == 1 {
			grantInitialDemand = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if grantInitialDemand {
		d.enqueue(func(*dispatcherState) { d.grantDemand() })
	}

	d.logger.Debug().Str("subscriber", subscriberID).Msg("subscribed")
	return &Subscription{ID: subscriberID, Events: events}, nil
}

// Ask processes one acknowledgement from subscriber "from". Per the
// demand contract:
//   - waiting == 0: ignored (duplicate or premature ack).
//   - from not in pending: ignored.
//   - otherwise: from is cleared from pending and waiting is
//     decremented; reaching zero grants one unit of demand upstream.
func (d *Dispatcher) Ask(from string) {
	d.enqueue(func(s *dispatcherState) {
		if s.waiting == 0 {
			return
		}
		if _, ok := s.pending[from]; !ok {
			return
		}
		delete(s.pending, from)
		s.waiting--
		if s.waiting == 0 {
			d.grantDemand()
		}
	})
}

// Dispatch applies the Partitions rewrite to event, computes the
// affected-subscriber set via Filter, and sends event to each of them.
// It requires waiting == 0 (no event may be dispatched while a previous
// one is still outstanding).
func (d *Dispatcher) Dispatch(ctx context.Context, event *replication.Change) error {
	rewritten := d.partitions.HandleEvent(event)
	affected := d.filter.AffectedShapes(rewritten)

	return d.exec(func(s *dispatcherState) error {
		if s.waiting != 0 {
			return fmt.Errorf("dispatcher: dispatch called while waiting=%d", s.waiting)
		}

		if len(affected) == 0 {
			return d.dispatchZeroMatch(s)
		}

		s.waiting = len(affected)
		s.pending = make(map[string]struct{}, len(affected))
		for id := range affected {
			s.pending[id] = struct{}{}
			sub := s.subscribers[id]
			if sub == nil {
				// Filter and subscriber maps are updated together under
				// Subscribe/Cancel; this should not happen, but don't
				// let a stale entry stall the whole pipeline.
				delete(s.pending, id)
				s.waiting--
				continue
			}
			select {
			case sub.events <- rewritten:
			default:
				d.logger.Error().Str("subscriber", id).Msg("subscriber event channel full; max_demand=1 invariant violated")
			}
		}
		if s.waiting == 0 {
			// All affected subscribers turned out stale; same zero-match
			// closure as the true zero-match case.
			return d.dispatchZeroMatch(s)
		}
		return nil
	})
}

// dispatchZeroMatch implements the zero-match edge case: pick an
// arbitrary subscriber and enqueue a synthetic self-ack so the demand
// loop never stalls. Must be called from within the owner goroutine.
func (d *Dispatcher) dispatchZeroMatch(s *dispatcherState) error {
	if len(s.subscribers) == 0 {
		// No subscribers at all: nothing to wait on.
		d.grantDemand()
		return nil
	}

	var chosen string
	for id := range s.subscribers {
		chosen = id
		break
	}
	s.waiting = 1
	s.pending = map[string]struct{}{chosen: {}}

	// The self-ack is scheduled to arrive like any other ask(1, chosen),
	// not applied inline, so it goes through the same invariant checks.
	go d.Ask(chosen)
	return nil
}

// Cancel removes subscriber "from". If it was in pending, waiting is
// decremented; reaching zero grants one unit of demand upstream.
func (d *Dispatcher) Cancel(from string) {
	d.enqueue(func(s *dispatcherState) {
		if _, ok := s.subscribers[from]; !ok {
			return
		}
		delete(s.subscribers, from)
		d.filter.RemoveShape(from)

		if _, wasPending := s.pending[from]; wasPending {
			delete(s.pending, from)
			s.waiting--
			if s.waiting == 0 {
				d.grantDemand()
			}
		}
	})
}

// Close stops the owner goroutine. It does not unsubscribe anyone; the
// caller is expected to be tearing down the whole pipeline.
func (d *Dispatcher) Close() {
	close(d.done)
}
