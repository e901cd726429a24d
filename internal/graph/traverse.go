package graph

import (
	"context"

	"weaver/internal/query"
	pkgerrors "weaver/pkg/errors"
)

// Connect creates an edge between two nodes, appends its id to both
// endpoints' edge lists and persists all three documents. The edge
// value may carry user fields; a nil edge connects with the plain Edge
// class. Both list mutations happen before any document write.
func (c *Context) Connect(ctx context.Context, source, target NodeEntity, edge EdgeEntity) (EdgeEntity, error) {
	if source.GetID() == "" || target.GetID() == "" {
		return nil, pkgerrors.NewValidation("both endpoints must be persisted before connecting")
	}
	if edge == nil {
		edge = &Edge{}
	}
	base := edge.edgeBase()
	base.Source = source.GetID()
	base.Target = target.GetID()
	if base.Direction == "" {
		base.Direction = DirectionOut
	}

	info := InfoOf(edge)
	if edge.GetID() == "" {
		edge.SetID(NewID(KindEdge, info.Name))
	}

	srcBase := source.nodeBase()
	tgtBase := target.nodeBase()
	if !hasEdgeID(srcBase, edge.GetID()) {
		srcBase.EdgeIDs = append(srcBase.EdgeIDs, edge.GetID())
	}
	if source.GetID() != target.GetID() && !hasEdgeID(tgtBase, edge.GetID()) {
		tgtBase.EdgeIDs = append(tgtBase.EdgeIDs, edge.GetID())
	}

	if err := c.create(ctx, edge); err != nil {
		return nil, err
	}
	if err := c.writeEntity(ctx, source); err != nil {
		return nil, err
	}
	if source.GetID() != target.GetID() {
		if err := c.writeEntity(ctx, target); err != nil {
			return nil, err
		}
	}
	return edge, nil
}

// Disconnect removes edges between two nodes. An edgeClass narrows the
// removal to that class; empty removes any. Reports whether at least
// one edge was removed.
func (c *Context) Disconnect(ctx context.Context, source, target NodeEntity, edgeClass string) (bool, error) {
	removed := false
	for _, edgeID := range append([]string(nil), source.nodeBase().EdgeIDs...) {
		if edgeClass != "" {
			_, class, ok := ParseID(edgeID)
			if !ok || !classMatches(class, edgeClass) {
				continue
			}
		}
		edge := &Edge{}
		if err := c.GetEdge(ctx, edge, edgeID); err != nil {
			if pkgerrors.IsNotFound(err) {
				continue
			}
			return removed, err
		}
		if edge.Source != target.GetID() && edge.Target != target.GetID() {
			continue
		}
		if err := c.DeleteEdge(ctx, edge); err != nil {
			return removed, err
		}
		removeEdgeID(source.nodeBase(), edgeID)
		removeEdgeID(target.nodeBase(), edgeID)
		removed = true
	}
	return removed, nil
}

func classMatches(class, wanted string) bool {
	if class == wanted {
		return true
	}
	if info, ok := TypeByName(class); ok {
		return info.IsA(wanted)
	}
	return false
}

// incident reports whether the edge leaves the node in the given
// traversal direction. An undirected edge matches every direction.
func incident(e *Edge, nodeID string, dir Direction) bool {
	if e.Direction == DirectionBoth || dir == DirectionBoth {
		return e.Source == nodeID || e.Target == nodeID
	}
	switch dir {
	case DirectionOut:
		return e.Source == nodeID && e.Direction == DirectionOut ||
			e.Target == nodeID && e.Direction == DirectionIn
	case DirectionIn:
		return e.Target == nodeID && e.Direction == DirectionOut ||
			e.Source == nodeID && e.Direction == DirectionIn
	}
	return false
}

func otherEndpoint(e *Edge, nodeID string) string {
	if e.Source == nodeID {
		return e.Target
	}
	return e.Source
}

// Edges returns the node's incident edges in insertion order, filtered
// by traversal direction.
func (c *Context) Edges(ctx context.Context, n NodeEntity, dir Direction) ([]EdgeEntity, error) {
	if dir == "" {
		dir = DirectionBoth
	}
	var out []EdgeEntity
	for _, edgeID := range n.nodeBase().EdgeIDs {
		doc, err := c.store.Get(ctx, collectionFor(KindEdge), edgeID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}
		edge, err := DecodeEdge(doc)
		if err != nil {
			return nil, err
		}
		if incident(edge.edgeBase(), n.GetID(), dir) {
			out = append(out, edge)
		}
	}
	return out, nil
}

// Neighbors returns connected nodes in edge insertion order. A zero
// limit returns all.
func (c *Context) Neighbors(ctx context.Context, n NodeEntity, dir Direction, limit int) ([]NodeEntity, error) {
	return c.Nodes(ctx, n, TraverseOptions{Direction: dir, Limit: limit})
}

// Filter names an entity class, optionally with a query over its
// document. An empty class matches any.
type Filter struct {
	Class string
	Query query.Query
}

// TraverseOptions drive semantic traversal. Where entries are sugar
// for $eq conditions on context fields of the target node.
type TraverseOptions struct {
	Direction Direction
	Limit     int
	Node      []Filter
	Edge      []Filter
	Where     map[string]interface{}
}

// Nodes returns connected nodes filtered on both edge and target-node
// predicates, in edge insertion order.
func (c *Context) Nodes(ctx context.Context, n NodeEntity, opts TraverseOptions) ([]NodeEntity, error) {
	return c.traverse(ctx, n, opts, 0)
}

// NodeOne is the singular form of Nodes. It stops at the first match
// and never materializes more than one target node.
func (c *Context) NodeOne(ctx context.Context, n NodeEntity, opts TraverseOptions) (NodeEntity, error) {
	matches, err := c.traverse(ctx, n, opts, 1)
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	return matches[0], nil
}

func (c *Context) traverse(ctx context.Context, n NodeEntity, opts TraverseOptions, atMost int) ([]NodeEntity, error) {
	dir := opts.Direction
	if dir == "" {
		dir = DirectionBoth
	}
	limit := opts.Limit
	if atMost > 0 && (limit == 0 || limit > atMost) {
		limit = atMost
	}

	nodeFilters, err := compileFilters(opts.Node, opts.Where)
	if err != nil {
		return nil, err
	}
	edgeFilters, err := compileFilters(opts.Edge, nil)
	if err != nil {
		return nil, err
	}

	var out []NodeEntity
	for _, edgeID := range n.nodeBase().EdgeIDs {
		doc, err := c.store.Get(ctx, collectionFor(KindEdge), edgeID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}
		edge, err := DecodeEdge(doc)
		if err != nil {
			return nil, err
		}
		if !incident(edge.edgeBase(), n.GetID(), dir) {
			continue
		}
		if ok, err := matchFilters(edgeFilters, doc); err != nil {
			return nil, err
		} else if !ok {
			continue
		}

		targetDoc, err := c.store.Get(ctx, collectionFor(KindNode), otherEndpoint(edge.edgeBase(), n.GetID()))
		if err != nil {
			return nil, err
		}
		if targetDoc == nil {
			continue
		}
		if ok, err := matchFilters(nodeFilters, targetDoc); err != nil {
			return nil, err
		} else if !ok {
			continue
		}
		target, err := DecodeNode(targetDoc)
		if err != nil {
			return nil, err
		}
		out = append(out, target)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

type compiledFilter struct {
	class string
	query *query.Compiled
}

// compileFilters builds the predicate set once per traversal. Filters
// are OR'd together; shorthand conditions apply to every filter (and
// stand alone when no filters are given).
func compileFilters(filters []Filter, where map[string]interface{}) ([]compiledFilter, error) {
	shorthand := query.Query{}
	for field, value := range where {
		shorthand["context."+field] = value
	}
	if len(filters) == 0 {
		if len(shorthand) == 0 {
			return nil, nil
		}
		compiled, err := query.Compile(shorthand)
		if err != nil {
			return nil, err
		}
		return []compiledFilter{{query: compiled}}, nil
	}
	out := make([]compiledFilter, 0, len(filters))
	for _, f := range filters {
		q := query.Query{}
		for k, v := range f.Query {
			q[k] = v
		}
		for k, v := range shorthand {
			q[k] = v
		}
		var compiled *query.Compiled
		if len(q) > 0 {
			var err error
			compiled, err = query.Compile(q)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, compiledFilter{class: f.Class, query: compiled})
	}
	return out, nil
}

func matchFilters(filters []compiledFilter, doc map[string]interface{}) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}
	id, _ := doc["id"].(string)
	_, class, _ := ParseID(id)
	for _, f := range filters {
		if f.class != "" && !classMatches(class, f.class) {
			continue
		}
		if f.query != nil && !f.query.Match(doc) {
			continue
		}
		return true, nil
	}
	return false, nil
}
