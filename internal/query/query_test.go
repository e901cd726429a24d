package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "weaver/pkg/errors"
)

func sampleDoc() map[string]interface{} {
	return map[string]interface{}{
		"id": "n:Product:1",
		"context": map[string]interface{}{
			"name":   "laptop",
			"price":  float64(100),
			"active": true,
			"tags":   []interface{}{"tech", "portable"},
			"specs": map[string]interface{}{
				"ram": float64(16),
			},
			"reviews": []interface{}{
				map[string]interface{}{"stars": float64(5), "author": "amy"},
				map[string]interface{}{"stars": float64(2), "author": "bob"},
			},
		},
	}
}

func TestMatch_Comparison(t *testing.T) {
	tests := []struct {
		name  string
		query Query
		want  bool
	}{
		{"eq shorthand", Query{"context.name": "laptop"}, true},
		{"eq shorthand miss", Query{"context.name": "desktop"}, false},
		{"eq operator", Query{"context.price": map[string]interface{}{"$eq": float64(100)}}, true},
		{"eq numeric coercion", Query{"context.price": map[string]interface{}{"$eq": 100}}, true},
		{"ne", Query{"context.price": map[string]interface{}{"$ne": float64(50)}}, true},
		{"ne on missing path matches", Query{"context.missing": map[string]interface{}{"$ne": float64(1)}}, true},
		{"gt", Query{"context.price": map[string]interface{}{"$gt": float64(50)}}, true},
		{"gte boundary", Query{"context.price": map[string]interface{}{"$gte": float64(100)}}, true},
		{"lt false", Query{"context.price": map[string]interface{}{"$lt": float64(100)}}, false},
		{"lte boundary", Query{"context.price": map[string]interface{}{"$lte": float64(100)}}, true},
		{"in", Query{"context.name": map[string]interface{}{"$in": []interface{}{"desktop", "laptop"}}}, true},
		{"nin", Query{"context.name": map[string]interface{}{"$nin": []interface{}{"desktop"}}}, true},
		{"nin absent path matches", Query{"context.missing": map[string]interface{}{"$nin": []interface{}{"x"}}}, true},
		{"range both bounds", Query{"context.price": map[string]interface{}{"$gte": float64(50), "$lte": float64(500)}}, true},
		{"incomparable kinds are false", Query{"context.name": map[string]interface{}{"$gt": float64(5)}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Match(tt.query, sampleDoc())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatch_Logical(t *testing.T) {
	tests := []struct {
		name  string
		query Query
		want  bool
	}{
		{
			"implicit and",
			Query{"context.name": "laptop", "context.active": true},
			true,
		},
		{
			"and",
			Query{"$and": []interface{}{
				map[string]interface{}{"context.price": map[string]interface{}{"$gt": float64(50)}},
				map[string]interface{}{"context.active": true},
			}},
			true,
		},
		{
			"or",
			Query{"$or": []interface{}{
				map[string]interface{}{"context.name": "desktop"},
				map[string]interface{}{"context.name": "laptop"},
			}},
			true,
		},
		{
			"nor",
			Query{"$nor": []interface{}{
				map[string]interface{}{"context.name": "desktop"},
				map[string]interface{}{"context.price": map[string]interface{}{"$lt": float64(10)}},
			}},
			true,
		},
		{
			"not",
			Query{"$not": map[string]interface{}{"context.name": "desktop"}},
			true,
		},
		{
			"field level not",
			Query{"context.price": map[string]interface{}{"$not": map[string]interface{}{"$lt": float64(50)}}},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Match(tt.query, sampleDoc())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatch_ElementAndArray(t *testing.T) {
	tests := []struct {
		name  string
		query Query
		want  bool
	}{
		{"exists true", Query{"context.name": map[string]interface{}{"$exists": true}}, true},
		{"exists false on missing", Query{"context.ghost": map[string]interface{}{"$exists": false}}, true},
		{"missing intermediate is does-not-exist", Query{"context.ghost.deep": map[string]interface{}{"$exists": false}}, true},
		{"type string", Query{"context.name": map[string]interface{}{"$type": "string"}}, true},
		{"type number alias", Query{"context.price": map[string]interface{}{"$type": "double"}}, true},
		{"type array", Query{"context.tags": map[string]interface{}{"$type": "array"}}, true},
		{"size", Query{"context.tags": map[string]interface{}{"$size": float64(2)}}, true},
		{"all", Query{"context.tags": map[string]interface{}{"$all": []interface{}{"tech", "portable"}}}, true},
		{"all missing member", Query{"context.tags": map[string]interface{}{"$all": []interface{}{"tech", "cheap"}}}, false},
		{"array element eq fan-out", Query{"context.tags": "tech"}, true},
		{"array index path", Query{"context.tags.1": "portable"}, true},
		{"elemMatch", Query{"context.reviews": map[string]interface{}{"$elemMatch": map[string]interface{}{"stars": map[string]interface{}{"$gte": float64(4)}}}}, true},
		{"elemMatch conjunct", Query{"context.reviews": map[string]interface{}{"$elemMatch": map[string]interface{}{"stars": float64(2), "author": "bob"}}}, true},
		{"elemMatch no element", Query{"context.reviews": map[string]interface{}{"$elemMatch": map[string]interface{}{"stars": map[string]interface{}{"$gt": float64(5)}}}}, false},
		{"mod", Query{"context.price": map[string]interface{}{"$mod": []interface{}{float64(30), float64(10)}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Match(tt.query, sampleDoc())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatch_Regex(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		options string
		want    bool
	}{
		{"plain", "^lap", "", true},
		{"case sensitive miss", "^LAP", "", false},
		{"case insensitive", "^LAP", "i", true},
		{"free spacing", "^l a p top $", "x", true},
		{"posix class", "^[[:alpha:]]+$", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr := map[string]interface{}{"$regex": tt.pattern}
			if tt.options != "" {
				expr["$options"] = tt.options
			}
			got, err := Match(Query{"context.name": expr}, sampleDoc())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatch_RegexPOSIXOnly(t *testing.T) {
	// Without options the pattern is POSIX extended; Perl escapes are
	// rejected rather than silently accepted.
	_, err := Match(Query{"context.name": map[string]interface{}{"$regex": `\d+`}}, sampleDoc())
	require.Error(t, err)
	assert.True(t, pkgerrors.IsQuery(err))
}

func TestCompile_UnknownOperator(t *testing.T) {
	_, err := Compile(Query{"context.price": map[string]interface{}{"$near": float64(5)}})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsQuery(err))

	var appErr *pkgerrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "unknown_operator", appErr.Details["reason"])
	assert.Equal(t, "$near", appErr.Details["op"])
}

func TestApply_Update(t *testing.T) {
	doc := sampleDoc()

	err := Apply(doc, Update{"$set": map[string]interface{}{"context.name": "tablet", "context.new.deep": "x"}})
	require.NoError(t, err)
	v, _ := Resolve(doc, "context.name")
	assert.Equal(t, "tablet", v)
	v, _ = Resolve(doc, "context.new.deep")
	assert.Equal(t, "x", v)

	err = Apply(doc, Update{"$inc": map[string]interface{}{"context.price": float64(25)}})
	require.NoError(t, err)
	v, _ = Resolve(doc, "context.price")
	assert.Equal(t, float64(125), v)

	err = Apply(doc, Update{"$mul": map[string]interface{}{"context.price": float64(2)}})
	require.NoError(t, err)
	v, _ = Resolve(doc, "context.price")
	assert.Equal(t, float64(250), v)

	err = Apply(doc, Update{"$push": map[string]interface{}{"context.tags": "sale"}})
	require.NoError(t, err)
	v, _ = Resolve(doc, "context.tags")
	assert.Equal(t, []interface{}{"tech", "portable", "sale"}, v)

	err = Apply(doc, Update{"$pull": map[string]interface{}{"context.tags": "portable"}})
	require.NoError(t, err)
	v, _ = Resolve(doc, "context.tags")
	assert.Equal(t, []interface{}{"tech", "sale"}, v)

	err = Apply(doc, Update{"$unset": map[string]interface{}{"context.active": ""}})
	require.NoError(t, err)
	_, ok := Resolve(doc, "context.active")
	assert.False(t, ok)

	err = Apply(doc, Update{"$rename": map[string]interface{}{"context.name": "context.title"}})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsQuery(err))
}

func TestSortSpec_Apply(t *testing.T) {
	docs := []map[string]interface{}{
		{"id": "c", "context": map[string]interface{}{"price": float64(50)}},
		{"id": "a", "context": map[string]interface{}{"price": float64(100)}},
		{"id": "b", "context": map[string]interface{}{"price": float64(50)}},
		{"id": "d", "context": map[string]interface{}{}},
	}

	SortSpec{{Field: "context.price"}}.Apply(docs)

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d["id"].(string)
	}
	// Missing field first, equal prices tie-break on id.
	assert.Equal(t, []string{"d", "b", "c", "a"}, ids)
}
