package storage

import (
	"context"

	"sync"

	"github.com/google/uuid"

	"weaver/internal/query"
	pkgerrors "weaver/pkg/errors"
)

func init() {
	Register("memory", func(cfg Config) (Store, error) {
		return NewMemoryStore(), nil
	})
}

// MemoryStore is the in-process reference backend. Tests default to it,
// and the JSON file backend reuses its engine with a persistence hook.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
	indexes     map[string][]IndexSpec
	// eqIndex: collection -> field -> value key -> id set
	eqIndex map[string]map[string]map[string]map[string]struct{}

	// afterWrite runs inside the write lock after every mutation; the
	// JSON file backend hooks persistence through it.
	afterWrite func(collection string) error
	name       string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]Document),
		indexes:     make(map[string][]IndexSpec),
		eqIndex:     make(map[string]map[string]map[string]map[string]struct{}),
		name:        "memory",
	}
}

func (s *MemoryStore) Name() string      { return s.name }
func (s *MemoryStore) NativeQuery() bool { return false }
func (s *MemoryStore) Close() error      { return nil }

func (s *MemoryStore) Save(ctx context.Context, collection string, doc Document) (Document, error) {
	stored, err := normalize(doc)
	if err != nil {
		return nil, err
	}
	if docID(stored) == "" {
		stored["id"] = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUniqueLocked(collection, stored); err != nil {
		return nil, err
	}

	coll := s.collections[collection]
	if coll == nil {
		coll = make(map[string]Document)
		s.collections[collection] = coll
	}
	id := docID(stored)
	if prev, ok := coll[id]; ok {
		s.unindexLocked(collection, prev)
	}
	coll[id] = stored
	s.indexLocked(collection, stored)

	if err := s.fireAfterWrite(collection); err != nil {
		return nil, err
	}
	return copyDoc(stored), nil
}

func (s *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, nil
	}
	return copyDoc(doc), nil
}

func (s *MemoryStore) Delete(ctx context.Context, collection, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.collections[collection]
	doc, ok := coll[id]
	if !ok {
		return false, nil
	}
	s.unindexLocked(collection, doc)
	delete(coll, id)
	if err := s.fireAfterWrite(collection); err != nil {
		return true, err
	}
	return true, nil
}

func (s *MemoryStore) Find(ctx context.Context, collection string, q query.Query, opts FindOptions) ([]Document, error) {
	compiled, err := query.Compile(q)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	matches := s.scanLocked(collection, q, compiled)
	s.mu.RUnlock()

	opts.Sort.Apply(matches)

	if opts.Offset > 0 {
		if opts.Offset >= len(matches) {
			matches = nil
		} else {
			matches = matches[opts.Offset:]
		}
	}
	if opts.Limit > 0 && len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}

	out := make([]Document, len(matches))
	for i, m := range matches {
		out[i] = copyDoc(m)
	}
	return out, nil
}

func (s *MemoryStore) FindOne(ctx context.Context, collection string, q query.Query) (Document, error) {
	docs, err := s.Find(ctx, collection, q, FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

func (s *MemoryStore) Count(ctx context.Context, collection string, q query.Query) (int64, error) {
	compiled, err := query.Compile(q)
	if err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.scanLocked(collection, q, compiled))), nil
}

func (s *MemoryStore) Distinct(ctx context.Context, collection, field string, q query.Query) ([]interface{}, error) {
	docs, err := s.Find(ctx, collection, q, FindOptions{})
	if err != nil {
		return nil, err
	}
	return distinctFromDocs(docs, field), nil
}

func (s *MemoryStore) UpdateOne(ctx context.Context, collection string, q query.Query, update query.Update, upsert bool) (int64, error) {
	return s.update(ctx, collection, q, update, 1, upsert)
}

func (s *MemoryStore) UpdateMany(ctx context.Context, collection string, q query.Query, update query.Update) (int64, error) {
	return s.update(ctx, collection, q, update, 0, false)
}

func (s *MemoryStore) update(ctx context.Context, collection string, q query.Query, update query.Update, limit int, upsert bool) (int64, error) {
	compiled, err := query.Compile(q)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	matches := s.scanLocked(collection, q, compiled)
	query.SortSpec(nil).Apply(matches)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	if len(matches) == 0 && upsert {
		seed := Document{}
		for field, value := range eqHints(q) {
			seed[field] = value
		}
		if err := query.Apply(seed, update); err != nil {
			return 0, err
		}
		if docID(seed) == "" {
			seed["id"] = uuid.NewString()
		}
		if _, err := s.saveLocked(collection, seed); err != nil {
			return 0, err
		}
		if err := s.fireAfterWrite(collection); err != nil {
			return 1, err
		}
		return 1, nil
	}

	var updated int64
	for _, match := range matches {
		modified := copyDoc(match)
		if err := query.Apply(modified, update); err != nil {
			return updated, err
		}
		modified["id"] = docID(match) // the id is immutable
		if _, err := s.saveLocked(collection, modified); err != nil {
			return updated, err
		}
		updated++
	}
	if updated > 0 {
		if err := s.fireAfterWrite(collection); err != nil {
			return updated, err
		}
	}
	return updated, nil
}

func (s *MemoryStore) DeleteOne(ctx context.Context, collection string, q query.Query) (int64, error) {
	return s.deleteMatching(ctx, collection, q, 1)
}

func (s *MemoryStore) DeleteMany(ctx context.Context, collection string, q query.Query) (int64, error) {
	return s.deleteMatching(ctx, collection, q, 0)
}

func (s *MemoryStore) deleteMatching(ctx context.Context, collection string, q query.Query, limit int) (int64, error) {
	compiled, err := query.Compile(q)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	matches := s.scanLocked(collection, q, compiled)
	query.SortSpec(nil).Apply(matches)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	coll := s.collections[collection]
	for _, match := range matches {
		s.unindexLocked(collection, match)
		delete(coll, docID(match))
	}
	if len(matches) > 0 {
		if err := s.fireAfterWrite(collection); err != nil {
			return int64(len(matches)), err
		}
	}
	return int64(len(matches)), nil
}

func (s *MemoryStore) CreateIndex(ctx context.Context, collection string, spec IndexSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.indexes[collection] {
		if existing.Name() == spec.Name() {
			return nil
		}
	}
	// Unique constraints must hold over the existing documents too.
	if spec.Unique {
		seen := make(map[string]string)
		for id, doc := range s.collections[collection] {
			key := s.uniqueKey(spec, doc)
			if prev, dup := seen[key]; dup {
				return pkgerrors.NewConflict("unique index violated by existing documents").
					WithDetail("index", spec.Name()).
					WithDetail("ids", []string{prev, id})
			}
			seen[key] = id
		}
	}
	s.indexes[collection] = append(s.indexes[collection], spec)
	for _, doc := range s.collections[collection] {
		s.indexDocSpec(collection, spec, doc, true)
	}
	return nil
}

func (s *MemoryStore) Clean(ctx context.Context) (int, error) {
	return sweepOrphans(ctx, s)
}

// saveLocked is Save without locking or normalization re-entry; callers
// hold the write lock and pass normalized documents.
func (s *MemoryStore) saveLocked(collection string, doc Document) (Document, error) {
	if err := s.checkUniqueLocked(collection, doc); err != nil {
		return nil, err
	}
	coll := s.collections[collection]
	if coll == nil {
		coll = make(map[string]Document)
		s.collections[collection] = coll
	}
	id := docID(doc)
	if prev, ok := coll[id]; ok {
		s.unindexLocked(collection, prev)
	}
	coll[id] = doc
	s.indexLocked(collection, doc)
	return doc, nil
}

// scanLocked picks the candidate set, narrowed through the equality
// index when the query constrains an indexed field, then filters with
// the evaluator.
func (s *MemoryStore) scanLocked(collection string, q query.Query, compiled *query.Compiled) []Document {
	coll := s.collections[collection]
	var matches []Document

	if ids := s.narrowLocked(collection, q); ids != nil {
		for _, id := range ids {
			doc, ok := coll[id]
			if ok && compiled.Match(doc) {
				matches = append(matches, doc)
			}
		}
		return matches
	}

	for _, id := range sortedIDs(coll) {
		if doc := coll[id]; compiled.Match(doc) {
			matches = append(matches, doc)
		}
	}
	return matches
}

// narrowLocked returns a candidate id list from the equality index, or
// nil when no indexed field is constrained.
func (s *MemoryStore) narrowLocked(collection string, q query.Query) []string {
	hints := eqHints(q)
	if len(hints) == 0 {
		return nil
	}
	fields := s.eqIndex[collection]
	for field, value := range hints {
		byValue, ok := fields[field]
		if !ok {
			continue
		}
		set := byValue[valueKey(value)]
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		docs := make(map[string]Document, len(ids))
		for _, id := range ids {
			docs[id] = s.collections[collection][id]
		}
		return sortedIDs(docs)
	}
	return nil
}

func (s *MemoryStore) indexLocked(collection string, doc Document) {
	for _, spec := range s.indexes[collection] {
		s.indexDocSpec(collection, spec, doc, true)
	}
}

func (s *MemoryStore) unindexLocked(collection string, doc Document) {
	for _, spec := range s.indexes[collection] {
		s.indexDocSpec(collection, spec, doc, false)
	}
}

func (s *MemoryStore) indexDocSpec(collection string, spec IndexSpec, doc Document, add bool) {
	for _, field := range spec.Fields {
		value, ok := query.Resolve(doc, field.Field)
		if !ok {
			continue
		}
		fields := s.eqIndex[collection]
		if fields == nil {
			fields = make(map[string]map[string]map[string]struct{})
			s.eqIndex[collection] = fields
		}
		byValue := fields[field.Field]
		if byValue == nil {
			byValue = make(map[string]map[string]struct{})
			fields[field.Field] = byValue
		}
		key := valueKey(value)
		set := byValue[key]
		if set == nil {
			set = make(map[string]struct{})
			byValue[key] = set
		}
		if add {
			set[docID(doc)] = struct{}{}
		} else {
			delete(set, docID(doc))
		}
	}
}

func (s *MemoryStore) uniqueKey(spec IndexSpec, doc Document) string {
	key := ""
	for _, field := range spec.Fields {
		value, _ := query.Resolve(doc, field.Field)
		key += valueKey(value) + "\x00"
	}
	return key
}

func (s *MemoryStore) checkUniqueLocked(collection string, doc Document) error {
	for _, spec := range s.indexes[collection] {
		if !spec.Unique {
			continue
		}
		key := s.uniqueKey(spec, doc)
		for id, existing := range s.collections[collection] {
			if id == docID(doc) {
				continue
			}
			if s.uniqueKey(spec, existing) == key {
				return pkgerrors.NewConflict("duplicate value for unique index").
					WithDetail("index", spec.Name()).
					WithDetail("conflicting_id", id)
			}
		}
	}
	return nil
}

func (s *MemoryStore) fireAfterWrite(collection string) error {
	if s.afterWrite == nil {
		return nil
	}
	return s.afterWrite(collection)
}
