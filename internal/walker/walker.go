package walker

import (
	"context"

	"weaver/internal/graph"
	pkgerrors "weaver/pkg/errors"
)

// State of a walker's traversal lifecycle.
type State string

const (
	StateReady      State = "ready"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateDisengaged State = "disengaged"
)

// ResponseError is one recorded traversal error.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the free-form structure a walker returns to its HTTP
// caller. Hooks mutate it through the Base helpers.
type Response struct {
	Reports []interface{}          `json:"reports,omitempty"`
	Errors  []ResponseError        `json:"errors,omitempty"`
	Trail   []string               `json:"trail,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Set stores a key in the free-form data section.
func (r *Response) Set(key string, value interface{}) {
	if r.Data == nil {
		r.Data = make(map[string]interface{})
	}
	r.Data[key] = value
}

type queueEntry struct {
	entity graph.Entity
	depth  int
}

// Base is the embeddable walker state machine. A walker instance is
// ephemeral per request and drains its queue on one goroutine, so none
// of this state is locked.
type Base struct {
	state    State
	queue    []queueEntry
	current  graph.Entity
	depth    int
	response Response

	trail        []string
	trailOn      bool
	visited      map[string]bool
	visitedOn    bool
	totalVisits  int
	maxDepth     int
	maxVisits    int

	skipRequested      bool
	disengageRequested bool

	runCtx context.Context
	gctx   *graph.Context
	events *EventBus
}

func (b *Base) base() *Base { return b }

// Walker is satisfied by every type embedding Base.
type Walker interface {
	base() *Base
}

// StateOf reads a walker's lifecycle state through the interface.
func StateOf(w Walker) State { return w.base().State() }

// ResponseOf exposes a walker's response through the interface.
func ResponseOf(w Walker) *Response { return w.base().Response() }

// State reports the walker's lifecycle state.
func (b *Base) State() State {
	if b.state == "" {
		return StateReady
	}
	return b.state
}

// Here is the entity currently being processed.
func (b *Base) Here() graph.Entity { return b.current }

// Current is a synonym for Here.
func (b *Base) Current() graph.Entity { return b.current }

// Depth is the traversal depth of the current entity.
func (b *Base) Depth() int { return b.depth }

// Response exposes the mutable response structure.
func (b *Base) Response() *Response { return &b.response }

// Report appends a value to the response's reports list.
func (b *Base) Report(v interface{}) {
	b.response.Reports = append(b.response.Reports, v)
}

// Trail returns the visited-id record; empty unless enabled.
func (b *Base) Trail() []string { return append([]string(nil), b.trail...) }

// EnableTrail turns on visited-id recording.
func (b *Base) EnableTrail() { b.trailOn = true }

// EnableVisitedCheck enforces acyclic traversal: an entity already
// visited is silently dropped when drained again.
func (b *Base) EnableVisitedCheck() {
	b.visitedOn = true
	if b.visited == nil {
		b.visited = make(map[string]bool)
	}
}

// SetLimits caps traversal depth and total visits. Zero keeps the
// engine default.
func (b *Base) SetLimits(maxDepth, maxVisits int) {
	b.maxDepth = maxDepth
	b.maxVisits = maxVisits
}

// Skip aborts the remaining hooks for the current entity; the queue is
// untouched and the next entity is processed normally.
func (b *Base) Skip() { b.skipRequested = true }

// Disengage terminally stops the traversal. Queue mutations already
// made stand; exit hooks still run.
func (b *Base) Disengage() { b.disengageRequested = true }

// Pause suspends the traversal after the current entity, preserving
// the queue. Resume on the engine continues it.
func (b *Base) Pause() {
	if b.state == StateRunning {
		b.state = StatePaused
	}
}

// Graph is the graph context the walker was spawned with.
func (b *Base) Graph() *graph.Context { return b.gctx }

// Emit fans an event out to the engine's subscribers. Non-blocking;
// subscriber failures are logged and swallowed.
func (b *Base) Emit(name string, payload interface{}) {
	if b.events != nil {
		b.events.Publish(Event{Name: name, Payload: payload})
	}
}

// Append extends the queue tail. New entries inherit the current
// depth plus one.
func (b *Base) Append(entities ...graph.Entity) {
	for _, e := range entities {
		b.queue = append(b.queue, queueEntry{entity: e, depth: b.nextDepth()})
	}
}

// Prepend extends the queue head, preserving the argument order.
func (b *Base) Prepend(entities ...graph.Entity) {
	head := make([]queueEntry, 0, len(entities))
	for _, e := range entities {
		head = append(head, queueEntry{entity: e, depth: b.nextDepth()})
	}
	b.queue = append(head, b.queue...)
}

// AddNext inserts entities immediately after the current entity, so
// they are the next drained entries in order.
func (b *Base) AddNext(entities ...graph.Entity) {
	b.Prepend(entities...)
}

// InsertBefore places entities just before the queued target. The
// target is located by id; an absent target is an error.
func (b *Base) InsertBefore(target graph.Entity, entities ...graph.Entity) error {
	return b.insertAt(target, entities, 0)
}

// InsertAfter places entities just after the queued target.
func (b *Base) InsertAfter(target graph.Entity, entities ...graph.Entity) error {
	return b.insertAt(target, entities, 1)
}

func (b *Base) insertAt(target graph.Entity, entities []graph.Entity, offset int) error {
	idx := b.indexOf(target.GetID())
	if idx < 0 {
		return pkgerrors.NewNotFound("queue target not found").WithDetail("id", target.GetID())
	}
	at := idx + offset
	inserted := make([]queueEntry, 0, len(entities))
	for _, e := range entities {
		inserted = append(inserted, queueEntry{entity: e, depth: b.nextDepth()})
	}
	b.queue = append(b.queue[:at], append(inserted, b.queue[at:]...)...)
	return nil
}

// Dequeue removes matching entries by id and returns the removed
// entities.
func (b *Base) Dequeue(entities ...graph.Entity) []graph.Entity {
	drop := make(map[string]bool, len(entities))
	for _, e := range entities {
		drop[e.GetID()] = true
	}
	var removed []graph.Entity
	kept := b.queue[:0]
	for _, entry := range b.queue {
		if drop[entry.entity.GetID()] {
			removed = append(removed, entry.entity)
			continue
		}
		kept = append(kept, entry)
	}
	b.queue = kept
	return removed
}

// ClearQueue drops every queued entry.
func (b *Base) ClearQueue() { b.queue = nil }

// GetQueue returns a snapshot of the queued entities in order.
func (b *Base) GetQueue() []graph.Entity {
	out := make([]graph.Entity, 0, len(b.queue))
	for _, entry := range b.queue {
		out = append(out, entry.entity)
	}
	return out
}

// IsQueued reports whether the entity is currently queued.
func (b *Base) IsQueued(e graph.Entity) bool {
	return b.indexOf(e.GetID()) >= 0
}

func (b *Base) indexOf(id string) int {
	for i, entry := range b.queue {
		if entry.entity.GetID() == id {
			return i
		}
	}
	return -1
}

func (b *Base) nextDepth() int {
	if b.current == nil {
		return 0
	}
	return b.depth + 1
}

// Visit queues entities for traversal. When the walker stands on a
// node and a queued target is a node connected to it, the connecting
// edge enters the queue just before the target, so edge hooks fire on
// the hop.
func (b *Base) Visit(entities ...graph.Entity) error {
	for _, e := range entities {
		if n, ok := e.(graph.NodeEntity); ok {
			if edge := b.connectingEdge(n); edge != nil {
				b.queue = append(b.queue, queueEntry{entity: edge, depth: b.nextDepth()})
			}
		}
		b.queue = append(b.queue, queueEntry{entity: e, depth: b.nextDepth()})
	}
	return nil
}

// connectingEdge finds the edge between the current node and the
// target, if the walker can see one.
func (b *Base) connectingEdge(target graph.NodeEntity) graph.EdgeEntity {
	cur, ok := b.current.(graph.NodeEntity)
	if !ok || b.gctx == nil || b.runCtx == nil {
		return nil
	}
	edges, err := b.gctx.Edges(b.runCtx, cur, graph.DirectionBoth)
	if err != nil {
		return nil
	}
	for _, e := range edges {
		src, tgt := graph.Endpoints(e)
		if src == target.GetID() || tgt == target.GetID() {
			return e
		}
	}
	return nil
}
