// Package materializer holds the authoritative, commit-consistent row-set
// for a shape that other shapes depend on through a subquery predicate
// (spec §4.5). One Materializer exists per inner shape; outer consumers
// subscribe to it to resolve "is this row currently inside the inner
// shape" without re-querying Postgres.
package materializer

import (
	"errors"
	"sync"

	"github.com/shapeflow/sync-core/pkg/offset"
	"github.com/shapeflow/sync-core/pkg/storage"
)

// ErrOffsetNotCommitted is returned by Subscribe when the requested offset
// is newer than the materializer's own committed watermark: the caller
// would otherwise observe a row-set that could later be rolled back by a
// transaction still in flight.
var ErrOffsetNotCommitted = errors.New("materializer: requested offset is not committed")

// Row is a shallow copy of a record's column values, keyed by column name.
type Row = map[string]any

// Notification reports the move-in/move-out/update delta produced by one
// committed batch of changes.
type Notification struct {
	// Entered holds rows that are newly present in the row-set, keyed by
	// the same key used in the authoritative row-set.
	Entered map[string]Row
	// Updated holds rows that were already present and changed value.
	Updated map[string]Row
	// Left holds the keys of rows removed from the row-set.
	Left []string
}

// Subscription is handed back by Subscribe. Notifications delivers one
// Notification per committed batch that changed the row-set; it is closed
// only by Unsubscribe.
type Subscription struct {
	id            string
	Notifications <-chan Notification
}

// pendingChange buffers one row-level change awaiting commit.
type pendingChange struct {
	key   string
	op    storage.Operation
	value Row
}

// Materializer tracks one inner shape's current row-set and notifies
// subscribed outer consumers whenever a committed transaction changes it.
type Materializer struct {
	mu sync.Mutex

	rows            map[string]Row
	pending         []pendingChange
	latestOffset    offset.LogOffset
	latestCommitted offset.LogOffset

	subscribers map[string]chan Notification
}

// New creates an empty Materializer.
func New() *Materializer {
	return &Materializer{
		rows:            make(map[string]Row),
		latestOffset:    offset.BeforeAll,
		latestCommitted: offset.BeforeAll,
		subscribers:     make(map[string]chan Notification),
	}
}

// HandleChange records one row-level change for key at off. When commit is
// false the change is buffered in pending_events: it is not applied to the
// row-set and no subscriber is notified. When commit is true, all buffered
// changes (including this one) are applied atomically, the move-in/move-
// out/update delta is computed, subscribers are notified, and the pending
// buffer is cleared. This mirrors the two-phase txn write_unit: fragments
// stream in with commit=false, and the transaction's last fragment carries
// commit=true.
func (m *Materializer) HandleChange(off offset.LogOffset, key string, op storage.Operation, value Row, commit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off.After(m.latestOffset) {
		m.latestOffset = off
	}
	m.pending = append(m.pending, pendingChange{key: key, op: op, value: value})

	if !commit {
		return
	}
	m.applyLocked(off)
}

// applyLocked drains m.pending into the authoritative row-set, computes the
// delta, and notifies subscribers. Must be called with m.mu held.
func (m *Materializer) applyLocked(commitOffset offset.LogOffset) {
	entered := make(map[string]Row)
	updated := make(map[string]Row)
	var left []string

	for _, c := range m.pending {
		switch c.op {
		case storage.OpInsert:
			m.rows[c.key] = c.value
			entered[c.key] = c.value
			delete(updated, c.key)
		case storage.OpUpdate:
			if _, existed := m.rows[c.key]; existed {
				updated[c.key] = c.value
			} else {
				entered[c.key] = c.value
			}
			m.rows[c.key] = c.value
		case storage.OpDelete:
			delete(m.rows, c.key)
			delete(entered, c.key)
			delete(updated, c.key)
			left = append(left, c.key)
		}
	}
	m.pending = nil
	if commitOffset.After(m.latestCommitted) {
		m.latestCommitted = commitOffset
	}

	if len(entered) == 0 && len(updated) == 0 && len(left) == 0 {
		return
	}
	notification := Notification{Entered: entered, Updated: updated, Left: left}
	for id, ch := range m.subscribers {
		select {
		case ch <- notification:
		default:
			// A subscriber that falls behind its own channel capacity is
			// a consumer that isn't keeping up; it will resubscribe from
			// its own latest_committed_offset after recovering, the same
			// way a restarted consumer would.
			_ = id
		}
	}
}

// Subscribe returns the current row-set snapshot as of fromOffset and a
// Subscription delivering future deltas. fromOffset must be at or before
// the materializer's own committed watermark; subscribing at a newer,
// uncommitted offset would let the caller observe state that a still-in-
// flight transaction could still change before commit.
func (m *Materializer) Subscribe(subscriberID string, fromOffset offset.LogOffset) (map[string]Row, *Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if fromOffset.After(m.latestCommitted) {
		return nil, nil, ErrOffsetNotCommitted
	}

	snapshot := make(map[string]Row, len(m.rows))
	for k, v := range m.rows {
		cp := make(Row, len(v))
		for kk, vv := range v {
			cp[kk] = vv
		}
		snapshot[k] = cp
	}

	ch := make(chan Notification, 16)
	m.subscribers[subscriberID] = ch
	return snapshot, &Subscription{id: subscriberID, Notifications: ch}, nil
}

// Unsubscribe stops delivering notifications to subscriberID.
func (m *Materializer) Unsubscribe(subscriberID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.subscribers[subscriberID]; ok {
		delete(m.subscribers, subscriberID)
		close(ch)
	}
}

// LatestOffset returns the highest offset handed to HandleChange,
// committed or not.
func (m *Materializer) LatestOffset() offset.LogOffset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestOffset
}

// FetchLatestCommittedOffset returns the highest offset at which the
// row-set was last committed. Outer consumers must subscribe using this,
// never LatestOffset, so they never see a transaction that could still
// abort or that isn't fully applied yet.
func (m *Materializer) FetchLatestCommittedOffset() offset.LogOffset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestCommitted
}
