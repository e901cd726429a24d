package graph_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weaver/internal/graph"
	"weaver/internal/query"
	"weaver/internal/storage"
	pkgerrors "weaver/pkg/errors"
)

type City struct {
	graph.Node
	Name       string `json:"name" validate:"required" index:"unique"`
	Population int    `json:"population"`
}

type Capital struct {
	City
	Country string `json:"country"`
}

type Highway struct {
	graph.Edge
	Distance float64 `json:"distance"`
}

type Draft struct {
	graph.Node
	graph.Deferred
	Title string `json:"title"`
}

func newTestContext(t *testing.T) (*graph.Context, context.Context) {
	t.Helper()
	gc := graph.NewContext(storage.NewMemoryStore(), nil)
	return gc, graph.WithCurrent(context.Background(), gc)
}

func TestParseID(t *testing.T) {
	kind, class, ok := graph.ParseID("n:City:abc-123")
	require.True(t, ok)
	assert.Equal(t, graph.KindNode, kind)
	assert.Equal(t, "City", class)

	_, _, ok = graph.ParseID("x:City:abc")
	assert.False(t, ok)
	_, _, ok = graph.ParseID("n:City")
	assert.False(t, ok)
}

func TestRegistry_AncestryAndFields(t *testing.T) {
	info := graph.MustRegister(&Capital{})
	assert.Equal(t, []string{"Capital", "City", "Node"}, info.Ancestry)
	assert.True(t, info.IsA("City"))
	assert.False(t, info.IsA("Highway"))

	names := map[string]bool{}
	for _, f := range info.Fields {
		names[f.JSONName] = true
	}
	assert.True(t, names["name"], "parent class fields surface on the child")
	assert.True(t, names["country"])

	cityInfo := graph.MustRegister(&City{})
	require.Len(t, cityInfo.Indexes, 1)
	assert.True(t, cityInfo.Indexes[0].Unique)
	assert.Equal(t, "context.name", cityInfo.Indexes[0].Fields[0].Field)
}

func TestEnsureRoot_Idempotent(t *testing.T) {
	gc, ctx := newTestContext(t)

	root, err := gc.EnsureRoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, graph.RootID, root.ID)

	again, err := gc.EnsureRoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, graph.RootID, again.ID)

	count, err := gc.Store().Count(ctx, storage.CollectionNode, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestContext_CreateGetDelete(t *testing.T) {
	gc, ctx := newTestContext(t)

	nyc := &City{Name: "NYC", Population: 8000000}
	require.NoError(t, gc.CreateNode(ctx, nyc))
	require.NotEmpty(t, nyc.ID)

	loaded := &City{}
	require.NoError(t, gc.GetNode(ctx, loaded, nyc.ID))
	assert.Equal(t, "NYC", loaded.Name)
	assert.Equal(t, 8000000, loaded.Population)

	require.NoError(t, gc.DeleteNode(ctx, nyc, true))
	err := gc.GetNode(ctx, &City{}, nyc.ID)
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestContext_ValidationAndUniqueIndex(t *testing.T) {
	gc, ctx := newTestContext(t)

	err := gc.CreateNode(ctx, &City{Name: ""})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidation(err))

	require.NoError(t, gc.CreateNode(ctx, &City{Name: "Oslo"}))
	err = gc.CreateNode(ctx, &City{Name: "Oslo"})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsConflict(err))
}

func TestConnect_EdgeInvariants(t *testing.T) {
	gc, ctx := newTestContext(t)

	a := &City{Name: "NYC"}
	b := &City{Name: "Boston"}
	require.NoError(t, gc.CreateNode(ctx, a))
	require.NoError(t, gc.CreateNode(ctx, b))

	hw, err := gc.Connect(ctx, a, b, &Highway{Distance: 215})
	require.NoError(t, err)
	require.NotEmpty(t, hw.GetID())

	assert.Contains(t, a.EdgeIDs, hw.GetID())
	assert.Contains(t, b.EdgeIDs, hw.GetID())

	// The persisted documents agree with the in-memory state.
	aDoc, err := gc.Store().Get(ctx, storage.CollectionNode, a.ID)
	require.NoError(t, err)
	ids, _ := query.Resolve(aDoc, "edge_ids")
	assert.Equal(t, []interface{}{hw.GetID()}, ids)

	edgeDoc, err := gc.Store().Get(ctx, storage.CollectionEdge, hw.GetID())
	require.NoError(t, err)
	src, _ := query.Resolve(edgeDoc, "source")
	assert.Equal(t, a.ID, src)
	dist, _ := query.Resolve(edgeDoc, "context.distance")
	assert.Equal(t, float64(215), dist)
}

func TestDeleteNode_CascadeRemovesIncidentEdges(t *testing.T) {
	gc, ctx := newTestContext(t)

	a := &City{Name: "NYC"}
	b := &City{Name: "Boston"}
	require.NoError(t, gc.CreateNode(ctx, a))
	require.NoError(t, gc.CreateNode(ctx, b))
	hw, err := gc.Connect(ctx, a, b, &Highway{Distance: 215})
	require.NoError(t, err)

	require.NoError(t, gc.DeleteNode(ctx, a, true))

	gone, err := gc.Store().Get(ctx, storage.CollectionEdge, hw.GetID())
	require.NoError(t, err)
	assert.Nil(t, gone)

	survivor := &City{}
	require.NoError(t, gc.GetNode(ctx, survivor, b.ID))
	assert.NotContains(t, survivor.EdgeIDs, hw.GetID())
}

func TestDisconnect(t *testing.T) {
	gc, ctx := newTestContext(t)

	a := &City{Name: "NYC"}
	b := &City{Name: "Boston"}
	require.NoError(t, gc.CreateNode(ctx, a))
	require.NoError(t, gc.CreateNode(ctx, b))
	_, err := gc.Connect(ctx, a, b, &Highway{Distance: 215})
	require.NoError(t, err)

	removed, err := gc.Disconnect(ctx, a, b, "Highway")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, a.EdgeIDs)
	assert.Empty(t, b.EdgeIDs)

	removed, err = gc.Disconnect(ctx, a, b, "")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestNeighbors_InsertionOrder(t *testing.T) {
	gc, ctx := newTestContext(t)

	hub := &City{Name: "Hub"}
	require.NoError(t, gc.CreateNode(ctx, hub))

	names := []string{"First", "Second", "Third"}
	for _, name := range names {
		other := &City{Name: name}
		require.NoError(t, gc.CreateNode(ctx, other))
		_, err := gc.Connect(ctx, hub, other, nil)
		require.NoError(t, err)
	}

	got, err := gc.Neighbors(ctx, hub, graph.DirectionOut, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, n := range got {
		assert.Equal(t, names[i], n.(*City).Name)
	}

	limited, err := gc.Neighbors(ctx, hub, graph.DirectionOut, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestNodes_SemanticFilters(t *testing.T) {
	gc, ctx := newTestContext(t)

	hub := &City{Name: "Hub"}
	require.NoError(t, gc.CreateNode(ctx, hub))

	near := &City{Name: "Near", Population: 1000}
	far := &City{Name: "Far", Population: 9000}
	require.NoError(t, gc.CreateNode(ctx, near))
	require.NoError(t, gc.CreateNode(ctx, far))
	_, err := gc.Connect(ctx, hub, near, &Highway{Distance: 10})
	require.NoError(t, err)
	_, err = gc.Connect(ctx, hub, far, &Highway{Distance: 900})
	require.NoError(t, err)

	// Edge predicate narrows by distance.
	got, err := gc.Nodes(ctx, hub, graph.TraverseOptions{
		Edge: []graph.Filter{{Class: "Highway", Query: query.Query{
			"context.distance": map[string]interface{}{"$lt": float64(100)},
		}}},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Near", got[0].(*City).Name)

	// Shorthand kwarg matches context fields on the target node.
	got, err = gc.Nodes(ctx, hub, graph.TraverseOptions{
		Where: map[string]interface{}{"population": float64(9000)},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Far", got[0].(*City).Name)

	one, err := gc.NodeOne(ctx, hub, graph.TraverseOptions{Node: []graph.Filter{{Class: "City"}}})
	require.NoError(t, err)
	require.NotNil(t, one)
	assert.Equal(t, "Near", one.(*City).Name)

	none, err := gc.NodeOne(ctx, hub, graph.TraverseOptions{Node: []graph.Filter{{Class: "Highway"}}})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestFindGenerics(t *testing.T) {
	_, ctx := newTestContext(t)

	for _, name := range []string{"A", "B", "C"} {
		require.NoError(t, graph.Current(ctx).CreateNode(ctx, &City{Name: name, Population: len(name)}))
	}

	cities, err := graph.All[*City](ctx)
	require.NoError(t, err)
	assert.Len(t, cities, 3)

	count, err := graph.Count[*City](ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	one, found, err := graph.FindOne[*City](ctx, query.Query{"context.name": "B"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "B", one.Name)

	_, found, err = graph.FindOne[*City](ctx, query.Query{"context.name": "Z"})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeferredSaves(t *testing.T) {
	gc, ctx := newTestContext(t)
	graph.SetDeferredSaves(true)
	t.Cleanup(func() { graph.SetDeferredSaves(false) })

	d := &Draft{Title: "v1"}
	require.NoError(t, gc.CreateNode(ctx, d))

	d.Title = "v2"
	require.NoError(t, gc.SaveNode(ctx, d))
	d.Title = "v3"
	require.NoError(t, gc.SaveNode(ctx, d))
	assert.True(t, d.IsDirty())

	// The store still holds the created state until flush.
	doc, err := gc.Store().Get(ctx, storage.CollectionNode, d.ID)
	require.NoError(t, err)
	title, _ := query.Resolve(doc, "context.title")
	assert.Equal(t, "v1", title)

	require.NoError(t, gc.Flush(ctx))
	assert.False(t, d.IsDirty())

	doc, err = gc.Store().Get(ctx, storage.CollectionNode, d.ID)
	require.NoError(t, err)
	title, _ = query.Resolve(doc, "context.title")
	assert.Equal(t, "v3", title, "flush writes the latest observable state")
}

func TestCurrentContext_ScopedOverDefault(t *testing.T) {
	graph.ResetDefault()
	t.Cleanup(graph.ResetDefault)

	def := graph.NewContext(storage.NewMemoryStore(), nil)
	graph.SetDefault(def)
	assert.Same(t, def, graph.Current(context.Background()))

	scoped := graph.NewContext(storage.NewMemoryStore(), nil)
	ctx := graph.WithCurrent(context.Background(), scoped)
	assert.Same(t, scoped, graph.Current(ctx))
}
