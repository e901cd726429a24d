package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weaver/internal/query"
	pkgerrors "weaver/pkg/errors"
)

// openBackends builds one store per embeddable backend so every
// contract test runs against all of them.
func openBackends(t *testing.T) map[string]Store {
	t.Helper()

	jsonStore, err := NewJSONStore(t.TempDir())
	require.NoError(t, err)

	badgerStore, err := NewBadgerStore(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { badgerStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"json":   jsonStore,
		"badger": badgerStore,
	}
}

func productDoc(i int, price float64) Document {
	return Document{
		"id": fmt.Sprintf("n:Product:%03d", i),
		"context": map[string]interface{}{
			"name":  fmt.Sprintf("product-%d", i),
			"price": price,
		},
	}
}

func TestStore_SaveGetDelete(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			saved, err := store.Save(ctx, CollectionNode, productDoc(1, 10))
			require.NoError(t, err)
			assert.Equal(t, "n:Product:001", docID(saved))

			got, err := store.Get(ctx, CollectionNode, "n:Product:001")
			require.NoError(t, err)
			require.NotNil(t, got)
			v, _ := query.Resolve(got, "context.price")
			assert.Equal(t, float64(10), v)

			// Save assigns an id when absent.
			anon, err := store.Save(ctx, CollectionNode, Document{"context": map[string]interface{}{"name": "anon"}})
			require.NoError(t, err)
			assert.NotEmpty(t, docID(anon))

			ok, err := store.Delete(ctx, CollectionNode, "n:Product:001")
			require.NoError(t, err)
			assert.True(t, ok)

			got, err = store.Get(ctx, CollectionNode, "n:Product:001")
			require.NoError(t, err)
			assert.Nil(t, got)

			ok, err = store.Delete(ctx, CollectionNode, "n:Product:001")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_QueryParity(t *testing.T) {
	prices := []float64{10, 50, 100, 500, 1000}
	rangeQuery := query.Query{"context.price": map[string]interface{}{
		"$gte": float64(50), "$lte": float64(500),
	}}

	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, price := range prices {
				_, err := store.Save(ctx, CollectionNode, productDoc(i, price))
				require.NoError(t, err)
			}

			docs, err := store.Find(ctx, CollectionNode, rangeQuery, FindOptions{})
			require.NoError(t, err)
			assert.Len(t, docs, 3)

			count, err := store.Count(ctx, CollectionNode, rangeQuery)
			require.NoError(t, err)
			assert.Equal(t, int64(3), count)

			values, err := store.Distinct(ctx, CollectionNode, "context.price", rangeQuery)
			require.NoError(t, err)
			assert.ElementsMatch(t, []interface{}{float64(50), float64(100), float64(500)}, values)

			// find_one returns the head of find under the deterministic sort.
			all, err := store.Find(ctx, CollectionNode, rangeQuery, FindOptions{})
			require.NoError(t, err)
			one, err := store.FindOne(ctx, CollectionNode, rangeQuery)
			require.NoError(t, err)
			require.NotNil(t, one)
			assert.Equal(t, docID(all[0]), docID(one))

			// FindOne returns nil iff the count is zero.
			none, err := store.FindOne(ctx, CollectionNode, query.Query{"context.price": float64(7)})
			require.NoError(t, err)
			assert.Nil(t, none)
		})
	}
}

func TestStore_SortLimitOffset(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, price := range []float64{30, 10, 20} {
				_, err := store.Save(ctx, CollectionNode, productDoc(i, price))
				require.NoError(t, err)
			}

			docs, err := store.Find(ctx, CollectionNode, nil, FindOptions{
				Sort: query.SortSpec{{Field: "context.price", Desc: true}},
			})
			require.NoError(t, err)
			require.Len(t, docs, 3)
			first, _ := query.Resolve(docs[0], "context.price")
			assert.Equal(t, float64(30), first)

			docs, err = store.Find(ctx, CollectionNode, nil, FindOptions{
				Sort:   query.SortSpec{{Field: "context.price"}},
				Limit:  1,
				Offset: 1,
			})
			require.NoError(t, err)
			require.Len(t, docs, 1)
			v, _ := query.Resolve(docs[0], "context.price")
			assert.Equal(t, float64(20), v)
		})
	}
}

func TestStore_UpdateOperators(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Save(ctx, CollectionNode, Document{
				"id": "n:Item:1",
				"context": map[string]interface{}{
					"qty":  float64(4),
					"tags": []interface{}{"a", "b"},
				},
			})
			require.NoError(t, err)

			n, err := store.UpdateOne(ctx, CollectionNode, query.Query{"id": "n:Item:1"}, query.Update{
				"$inc":  map[string]interface{}{"context.qty": float64(2)},
				"$push": map[string]interface{}{"context.tags": "c"},
			}, false)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			doc, err := store.Get(ctx, CollectionNode, "n:Item:1")
			require.NoError(t, err)
			qty, _ := query.Resolve(doc, "context.qty")
			assert.Equal(t, float64(6), qty)
			tags, _ := query.Resolve(doc, "context.tags")
			assert.Equal(t, []interface{}{"a", "b", "c"}, tags)

			// Upsert path seeds from equality conditions.
			n, err = store.UpdateOne(ctx, CollectionNode, query.Query{"id": "n:Item:2"}, query.Update{
				"$set": map[string]interface{}{"context.qty": float64(1)},
			}, true)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
			doc, err = store.Get(ctx, CollectionNode, "n:Item:2")
			require.NoError(t, err)
			require.NotNil(t, doc)

			// UpdateMany touches every match.
			n, err = store.UpdateMany(ctx, CollectionNode, nil, query.Update{
				"$set": map[string]interface{}{"context.swept": true},
			})
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			n, err = store.DeleteMany(ctx, CollectionNode, query.Query{"context.swept": true})
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)
		})
	}
}

func TestStore_UniqueIndex(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			spec := IndexSpec{Fields: []IndexField{{Field: "context.email"}}, Unique: true}
			require.NoError(t, store.CreateIndex(ctx, CollectionUser, spec))
			// Idempotent re-creation.
			require.NoError(t, store.CreateIndex(ctx, CollectionUser, spec))

			_, err := store.Save(ctx, CollectionUser, Document{
				"id":      "u1",
				"context": map[string]interface{}{"email": "a@example.com"},
			})
			require.NoError(t, err)

			_, err = store.Save(ctx, CollectionUser, Document{
				"id":      "u2",
				"context": map[string]interface{}{"email": "a@example.com"},
			})
			require.Error(t, err)
			assert.True(t, pkgerrors.IsConflict(err))

			// Re-saving the same document is not a conflict with itself.
			_, err = store.Save(ctx, CollectionUser, Document{
				"id":      "u1",
				"context": map[string]interface{}{"email": "a@example.com"},
			})
			require.NoError(t, err)
		})
	}
}

func TestUniqueConflict(t *testing.T) {
	uniques := []IndexSpec{{Fields: []IndexField{{Field: "context.email"}}, Unique: true}}
	doc := Document{"id": "u1", "context": map[string]interface{}{"email": "a@example.com"}}

	err := uniqueConflict(uniques, doc, Document{
		"id": "u2", "context": map[string]interface{}{"email": "a@example.com"},
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsConflict(err))

	// Same id is a re-save, not a conflict.
	assert.NoError(t, uniqueConflict(uniques, doc, Document{
		"id": "u1", "context": map[string]interface{}{"email": "a@example.com"},
	}))
	assert.NoError(t, uniqueConflict(uniques, doc, Document{
		"id": "u3", "context": map[string]interface{}{"email": "b@example.com"},
	}))
}

func TestDynamoStore_UniqueIndexBookkeeping(t *testing.T) {
	ctx := context.Background()
	store := &DynamoStore{indexes: make(map[string][]IndexSpec)}

	spec := IndexSpec{Fields: []IndexField{{Field: "context.email"}}, Unique: true}
	require.NoError(t, store.CreateIndex(ctx, CollectionUser, spec))
	require.NoError(t, store.CreateIndex(ctx, CollectionUser, spec))
	assert.Len(t, store.indexes[CollectionUser], 1)

	require.Error(t, store.CreateIndex(ctx, CollectionUser, IndexSpec{}))

	// Collections without unique specs skip the partition scan
	// entirely; no client call happens.
	require.NoError(t, store.checkUnique(ctx, CollectionLog, Document{"id": "l1"}))
}

func TestStore_CleanOrphanedEdges(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Save(ctx, CollectionNode, Document{"id": "n:City:a", "edge_ids": []interface{}{"e:Road:1"}})
			require.NoError(t, err)
			_, err = store.Save(ctx, CollectionNode, Document{"id": "n:City:b", "edge_ids": []interface{}{"e:Road:1"}})
			require.NoError(t, err)
			_, err = store.Save(ctx, CollectionEdge, Document{"id": "e:Road:1", "source": "n:City:a", "target": "n:City:b"})
			require.NoError(t, err)
			_, err = store.Save(ctx, CollectionEdge, Document{"id": "e:Road:2", "source": "n:City:a", "target": "n:City:gone"})
			require.NoError(t, err)

			removed, err := store.Clean(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			gone, err := store.Get(ctx, CollectionEdge, "e:Road:2")
			require.NoError(t, err)
			assert.Nil(t, gone)
			kept, err := store.Get(ctx, CollectionEdge, "e:Road:1")
			require.NoError(t, err)
			assert.NotNil(t, kept)
		})
	}
}

func TestJSONStore_Reload(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewJSONStore(dir)
	require.NoError(t, err)
	_, err = first.Save(ctx, CollectionNode, productDoc(1, 42))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewJSONStore(dir)
	require.NoError(t, err)
	doc, err := second.Get(ctx, CollectionNode, "n:Product:001")
	require.NoError(t, err)
	require.NotNil(t, doc)
	price, _ := query.Resolve(doc, "context.price")
	assert.Equal(t, float64(42), price)
}

func TestRegistry_DefaultSelection(t *testing.T) {
	ResetRegistry()
	t.Cleanup(func() {
		ResetRegistry()
		registerBuiltins()
	})

	Register("memory", func(cfg Config) (Store, error) { return NewMemoryStore(), nil })
	Register("json", func(cfg Config) (Store, error) { return NewJSONStore(cfg.BasePath) })

	// Registration order decides the default.
	assert.Equal(t, "memory", DefaultBackend())

	// Environment variable overrides registry order.
	t.Setenv(EnvBackend, "json")
	assert.Equal(t, "json", DefaultBackend())

	// Explicit setter wins over everything.
	require.NoError(t, SetDefault("memory"))
	assert.Equal(t, "memory", DefaultBackend())

	// Registering the same name twice is a no-op.
	Register("memory", func(cfg Config) (Store, error) { return nil, nil })
	s, err := Open("memory", Config{})
	require.NoError(t, err)
	assert.Equal(t, "memory", s.Name())

	_, err = Open("nope", Config{})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsNotFound(err))
}

// registerBuiltins restores the import-time registrations after a
// registry reset in tests.
func registerBuiltins() {
	Register("memory", func(cfg Config) (Store, error) { return NewMemoryStore(), nil })
	Register("json", func(cfg Config) (Store, error) { return NewJSONStore(cfg.BasePath) })
	Register("badger", func(cfg Config) (Store, error) {
		return NewBadgerStore(BadgerOptions{DataDir: cfg.BasePath})
	})
	Register("dynamodb", func(cfg Config) (Store, error) {
		return NewDynamoStore(context.Background(), cfg)
	})
}
