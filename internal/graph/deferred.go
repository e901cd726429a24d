package graph

import (
	"context"
	"sync/atomic"
)

// deferredSaves is the process-wide kill switch. When disabled, save
// calls on deferrable entities write through immediately.
var deferredSaves atomic.Bool

// SetDeferredSaves toggles deferred-write coalescing process-wide.
func SetDeferredSaves(enabled bool) { deferredSaves.Store(enabled) }

// DeferredSavesEnabled reports the current kill-switch state.
func DeferredSavesEnabled() bool { return deferredSaves.Load() }

// Deferred is an embeddable mixin that opts an entity into write
// coalescing. Repeated saves mark the instance dirty; Flush on the
// owning context snapshots the instance as it is at flush time, so the
// single physical write always carries the latest observable state.
// A dirty flag is per-instance and not safe to share across walkers.
type Deferred struct {
	dirty bool
}

// IsDirty reports whether a save is pending for this instance.
func (d *Deferred) IsDirty() bool { return d.dirty }

func (d *Deferred) markDirty()  { d.dirty = true }
func (d *Deferred) clearDirty() { d.dirty = false }

type deferrable interface {
	IsDirty() bool
	markDirty()
	clearDirty()
}

// pendingWrites tracks deferred entities per context in first-save
// order. Coalescing keys on entity id, so a second save of the same id
// replaces the tracked instance instead of queueing another write.
type pendingWrites struct {
	order    []string
	entities map[string]Entity
}

func newPendingWrites() *pendingWrites {
	return &pendingWrites{entities: make(map[string]Entity)}
}

func (p *pendingWrites) add(e Entity) {
	id := e.GetID()
	if _, ok := p.entities[id]; !ok {
		p.order = append(p.order, id)
	}
	p.entities[id] = e
}

func (p *pendingWrites) drain() []Entity {
	out := make([]Entity, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.entities[id])
	}
	p.order = nil
	p.entities = make(map[string]Entity)
	return out
}

// deferSave records the entity for a later flush. Returns false when
// the entity does not opt in or the kill switch is off, in which case
// the caller writes through.
func (c *Context) deferSave(e Entity) bool {
	if !deferredSaves.Load() {
		return false
	}
	d, ok := e.(deferrable)
	if !ok {
		return false
	}
	c.mu.Lock()
	c.pending.add(e)
	c.mu.Unlock()
	d.markDirty()
	return true
}

// Flush performs one physical write per dirty entity, in first-save
// order, and clears the dirty flags. Entities whose flags were already
// cleared are skipped.
func (c *Context) Flush(ctx context.Context) error {
	c.mu.Lock()
	batch := c.pending.drain()
	c.mu.Unlock()

	for _, e := range batch {
		d, ok := e.(deferrable)
		if ok && !d.IsDirty() {
			continue
		}
		if err := c.writeEntity(ctx, e); err != nil {
			return err
		}
		if ok {
			d.clearDirty()
		}
	}
	return nil
}
