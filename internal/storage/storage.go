// Package storage provides the backend-neutral document store behind the
// entity layer. Backends register themselves in a process-wide registry
// under a short name; callers open a Store through the registry and talk
// to it through one CRUD + query surface regardless of the engine.
package storage

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"

	"weaver/internal/query"
	pkgerrors "weaver/pkg/errors"
)

// Document is a single stored document. Every document carries an "id"
// string; node and edge documents keep user data under "context".
type Document = map[string]interface{}

// Collection names persisted by the framework.
const (
	CollectionNode        = "node"
	CollectionEdge        = "edge"
	CollectionUser        = "user"
	CollectionAPIKey      = "api_key"
	CollectionSession     = "session"
	CollectionWebhookEvt  = "webhook_event"
	CollectionIdempotency = "webhook_idempotency"
	CollectionLog         = "log"
)

// EnvBackend names the environment variable that overrides the default
// backend selection.
const EnvBackend = "WEAVER_BACKEND"

// FindOptions controls result shaping for Find.
type FindOptions struct {
	Sort   query.SortSpec
	Limit  int // 0 = unlimited
	Offset int
}

// IndexField is one (field, direction) pair of an index specification.
type IndexField struct {
	Field string
	Desc  bool
}

// IndexSpec is an ordered compound index declaration.
type IndexSpec struct {
	Fields []IndexField
	Unique bool
}

// Name renders a stable identifier for idempotent index creation.
func (s IndexSpec) Name() string {
	name := ""
	for _, f := range s.Fields {
		if name != "" {
			name += "_"
		}
		name += f.Field
		if f.Desc {
			name += "_desc"
		}
	}
	if s.Unique {
		name += "_unique"
	}
	return name
}

// Store is the backend-neutral persistence surface. Save is atomic at
// the single-document level; there are no cross-document transactions.
type Store interface {
	// Name returns the registry name of the backend.
	Name() string

	// NativeQuery reports whether the backend evaluates the query
	// dialect itself. Non-native backends are filtered through the
	// in-memory evaluator after their physical scan.
	NativeQuery() bool

	// Save upserts by id, assigning an id when absent, and returns the
	// stored document.
	Save(ctx context.Context, collection string, doc Document) (Document, error)

	// Get returns the document or nil when absent.
	Get(ctx context.Context, collection, id string) (Document, error)

	// Delete removes by id and reports whether a document existed.
	Delete(ctx context.Context, collection, id string) (bool, error)

	Find(ctx context.Context, collection string, q query.Query, opts FindOptions) ([]Document, error)

	// FindOne returns the first match under the deterministic default
	// sort, or nil when nothing matches. It never materializes more
	// than one document for the caller.
	FindOne(ctx context.Context, collection string, q query.Query) (Document, error)

	// Count is a database-level count; it does not load documents.
	Count(ctx context.Context, collection string, q query.Query) (int64, error)

	Distinct(ctx context.Context, collection, field string, q query.Query) ([]interface{}, error)

	UpdateOne(ctx context.Context, collection string, q query.Query, update query.Update, upsert bool) (int64, error)
	UpdateMany(ctx context.Context, collection string, q query.Query, update query.Update) (int64, error)

	DeleteOne(ctx context.Context, collection string, q query.Query) (int64, error)
	DeleteMany(ctx context.Context, collection string, q query.Query) (int64, error)

	// CreateIndex is idempotent per spec name.
	CreateIndex(ctx context.Context, collection string, spec IndexSpec) error

	// Clean sweeps edges whose source or target no longer resolves.
	Clean(ctx context.Context) (int, error)

	Close() error
}

// Config carries the recognized storage options; each backend reads the
// subset it understands.
type Config struct {
	Backend       string `yaml:"backend"`
	BasePath      string `yaml:"base_path"`
	ConnectionURI string `yaml:"connection_uri"`
	DatabaseName  string `yaml:"database_name"`
	Region        string `yaml:"region"`
	TableName     string `yaml:"table_name"`
}

// Factory constructs a Store from configuration.
type Factory func(cfg Config) (Store, error)

type registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	order     []string
	def       string
}

var backends = &registry{factories: make(map[string]Factory)}

// Register adds a backend constructor under a short name. Registering
// the same name twice is a no-op, so import-time registration stays
// idempotent.
func Register(name string, factory Factory) {
	backends.mu.Lock()
	defer backends.mu.Unlock()
	if _, exists := backends.factories[name]; exists {
		return
	}
	backends.factories[name] = factory
	backends.order = append(backends.order, name)
}

// SetDefault overrides the default backend selection.
func SetDefault(name string) error {
	backends.mu.Lock()
	defer backends.mu.Unlock()
	if _, exists := backends.factories[name]; !exists {
		return pkgerrors.NewNotFound("unknown storage backend: " + name)
	}
	backends.def = name
	return nil
}

// DefaultBackend resolves the default backend name: explicit setter
// first, then the WEAVER_BACKEND environment variable, then the first
// registered backend.
func DefaultBackend() string {
	backends.mu.RLock()
	defer backends.mu.RUnlock()
	if backends.def != "" {
		return backends.def
	}
	if env := os.Getenv(EnvBackend); env != "" {
		if _, ok := backends.factories[env]; ok {
			return env
		}
	}
	if len(backends.order) > 0 {
		return backends.order[0]
	}
	return ""
}

// Backends lists registered backend names in registration order.
func Backends() []string {
	backends.mu.RLock()
	defer backends.mu.RUnlock()
	return append([]string(nil), backends.order...)
}

// Open constructs a store by registry name; an empty name selects the
// default backend.
func Open(name string, cfg Config) (Store, error) {
	if name == "" {
		name = DefaultBackend()
	}
	backends.mu.RLock()
	factory, ok := backends.factories[name]
	backends.mu.RUnlock()
	if !ok {
		return nil, pkgerrors.NewNotFound("unknown storage backend: " + name)
	}
	return factory(cfg)
}

// ResetRegistry clears registration state. Tests use it to build an
// isolated registry instance.
func ResetRegistry() {
	backends.mu.Lock()
	defer backends.mu.Unlock()
	backends.factories = make(map[string]Factory)
	backends.order = nil
	backends.def = ""
}

// normalize round-trips a document through JSON so every backend stores
// the same value shapes (numbers as float64, maps as
// map[string]interface{}) and the evaluator behaves identically on all
// of them.
func normalize(doc Document) (Document, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, pkgerrors.NewStorage("document not serializable", err)
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, pkgerrors.NewStorage("document not deserializable", err)
	}
	return out, nil
}

func copyDoc(doc Document) Document {
	out, _ := normalize(doc)
	return out
}

func docID(doc Document) string {
	id, _ := doc["id"].(string)
	return id
}

// valueKey renders a value as a dedup key for Distinct and index maps.
func valueKey(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "?"
	}
	return string(raw)
}

// eqHints extracts top-level equality conditions usable for index
// narrowing: plain shorthand values and bare $eq expressions.
func eqHints(q query.Query) map[string]interface{} {
	hints := make(map[string]interface{})
	for field, cond := range q {
		if len(field) > 0 && field[0] == '$' {
			continue
		}
		switch c := cond.(type) {
		case map[string]interface{}:
			if eq, ok := c["$eq"]; ok && len(c) == 1 {
				hints[field] = eq
			}
		case []interface{}, query.Query:
			// Arrays and nested queries are not equality hints.
		default:
			hints[field] = c
		}
	}
	return hints
}

// sweepOrphans removes edges whose endpoints no longer resolve and
// scrubs the dangling ids from surviving endpoints.
func sweepOrphans(ctx context.Context, s Store) (int, error) {
	edges, err := s.Find(ctx, CollectionEdge, nil, FindOptions{})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, edge := range edges {
		src, _ := edge["source"].(string)
		dst, _ := edge["target"].(string)
		srcDoc, err := s.Get(ctx, CollectionNode, src)
		if err != nil {
			return removed, err
		}
		dstDoc, err := s.Get(ctx, CollectionNode, dst)
		if err != nil {
			return removed, err
		}
		if srcDoc != nil && dstDoc != nil {
			continue
		}
		edgeID := docID(edge)
		if _, err := s.Delete(ctx, CollectionEdge, edgeID); err != nil {
			return removed, err
		}
		for _, survivor := range []Document{srcDoc, dstDoc} {
			if survivor == nil {
				continue
			}
			_, err := s.UpdateOne(ctx, CollectionNode,
				query.Query{"id": docID(survivor)},
				query.Update{"$pull": map[string]interface{}{"edge_ids": edgeID}},
				false)
			if err != nil {
				return removed, err
			}
		}
		removed++
	}
	return removed, nil
}

// distinctFromDocs is the shared Distinct implementation for backends
// that filter client-side.
func distinctFromDocs(docs []Document, field string) []interface{} {
	seen := make(map[string]struct{})
	var out []interface{}
	for _, doc := range docs {
		v, ok := query.Resolve(doc, field)
		if !ok {
			continue
		}
		values := []interface{}{v}
		if arr, isArr := v.([]interface{}); isArr {
			values = arr
		}
		for _, value := range values {
			key := valueKey(value)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, value)
		}
	}
	return out
}

// sortedIDs returns map keys in ascending order, the deterministic
// default scan order for map-backed engines.
func sortedIDs(m map[string]Document) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
