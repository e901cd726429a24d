package storage

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"weaver/internal/query"
	pkgerrors "weaver/pkg/errors"
)

func init() {
	Register("badger", func(cfg Config) (Store, error) {
		return NewBadgerStore(BadgerOptions{DataDir: cfg.BasePath})
	})
}

// Key layout: doc:<collection>:<id> -> JSON(document)
//             idx:<collection>      -> JSON([]IndexSpec)
const (
	badgerDocPrefix = "doc:"
	badgerIdxPrefix = "idx:"
)

// BadgerOptions configures the Badger-backed store.
type BadgerOptions struct {
	// DataDir is the directory for data files. Required unless InMemory.
	DataDir string

	// InMemory runs Badger without touching disk. Useful for tests.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool
}

// BadgerStore is the embedded KV backend. Documents are stored as JSON
// values under per-collection key prefixes; scans iterate a prefix in
// key order, which keeps the default result order id-ascending like the
// other backends.
type BadgerStore struct {
	db    *badger.DB
	locks idLocks

	mu      sync.RWMutex
	indexes map[string][]IndexSpec
}

// NewBadgerStore opens a Badger database at opts.DataDir.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if opts.DataDir == "" && !opts.InMemory {
		opts.DataDir = "./data/badger"
	}
	badgerOpts := badger.DefaultOptions(opts.DataDir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(nil)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, pkgerrors.NewStorage("open badger database", err)
	}

	s := &BadgerStore{db: db, indexes: make(map[string][]IndexSpec)}
	if err := s.loadIndexes(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BadgerStore) Name() string      { return "badger" }
func (s *BadgerStore) NativeQuery() bool { return false }

func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return pkgerrors.NewStorage("close badger database", err)
	}
	return nil
}

func docKey(collection, id string) []byte {
	return []byte(badgerDocPrefix + collection + ":" + id)
}

func collPrefix(collection string) []byte {
	return []byte(badgerDocPrefix + collection + ":")
}

func (s *BadgerStore) Save(ctx context.Context, collection string, doc Document) (Document, error) {
	stored, err := normalize(doc)
	if err != nil {
		return nil, err
	}
	if docID(stored) == "" {
		stored["id"] = uuid.NewString()
	}
	id := docID(stored)

	unlock := s.locks.lock(collection, id)
	defer unlock()

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := s.checkUnique(txn, collection, stored); err != nil {
			return err
		}
		raw, err := json.Marshal(stored)
		if err != nil {
			return pkgerrors.NewStorage("serialize document", err)
		}
		return txn.Set(docKey(collection, id), raw)
	})
	if err != nil {
		return nil, badgerErr("save document", err)
	}
	return stored, nil
}

func (s *BadgerStore) Get(ctx context.Context, collection, id string) (Document, error) {
	var doc Document
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(collection, id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &doc)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, badgerErr("get document", err)
	}
	return doc, nil
}

func (s *BadgerStore) Delete(ctx context.Context, collection, id string) (bool, error) {
	existed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		key := docKey(collection, id)
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return nil
		} else if err != nil {
			return err
		}
		existed = true
		return txn.Delete(key)
	})
	if err != nil {
		return false, badgerErr("delete document", err)
	}
	return existed, nil
}

func (s *BadgerStore) Find(ctx context.Context, collection string, q query.Query, opts FindOptions) ([]Document, error) {
	compiled, err := query.Compile(q)
	if err != nil {
		return nil, err
	}
	matches, err := s.scan(collection, compiled, 0)
	if err != nil {
		return nil, err
	}

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
	return matches, nil
}

func (s *BadgerStore) FindOne(ctx context.Context, collection string, q query.Query) (Document, error) {
	compiled, err := query.Compile(q)
	if err != nil {
		return nil, err
	}
	// Prefix iteration is already id-ascending, the deterministic
	// default sort, so the scan can stop at the first match.
	matches, err := s.scan(collection, compiled, 1)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

func (s *BadgerStore) Count(ctx context.Context, collection string, q query.Query) (int64, error) {
	compiled, err := query.Compile(q)
	if err != nil {
		return 0, err
	}
	var count int64
	err = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := collPrefix(collection)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var doc Document
				if err := json.Unmarshal(val, &doc); err != nil {
					return err
				}
				if compiled.Match(doc) {
					count++
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, badgerErr("count documents", err)
	}
	return count, nil
}

func (s *BadgerStore) Distinct(ctx context.Context, collection, field string, q query.Query) ([]interface{}, error) {
	docs, err := s.Find(ctx, collection, q, FindOptions{})
	if err != nil {
		return nil, err
	}
	return distinctFromDocs(docs, field), nil
}

func (s *BadgerStore) UpdateOne(ctx context.Context, collection string, q query.Query, update query.Update, upsert bool) (int64, error) {
	return s.updateMatching(ctx, collection, q, update, 1, upsert)
}

func (s *BadgerStore) UpdateMany(ctx context.Context, collection string, q query.Query, update query.Update) (int64, error) {
	return s.updateMatching(ctx, collection, q, update, 0, false)
}

// updateMatching performs read-modify-write per document under the
// per-id lock; Badger transactions make each single-document write
// atomic but the dialect's update operators are applied by this layer.
func (s *BadgerStore) updateMatching(ctx context.Context, collection string, q query.Query, update query.Update, limit int, upsert bool) (int64, error) {
	compiled, err := query.Compile(q)
	if err != nil {
		return 0, err
	}
	matches, err := s.scan(collection, compiled, limit)
	if err != nil {
		return 0, err
	}

	if len(matches) == 0 && upsert {
		seed := Document{}
		for field, value := range eqHints(q) {
			seed[field] = value
		}
		if err := query.Apply(seed, update); err != nil {
			return 0, err
		}
		if _, err := s.Save(ctx, collection, seed); err != nil {
			return 0, err
		}
		return 1, nil
	}

	var updated int64
	for _, match := range matches {
		id := docID(match)
		unlock := s.locks.lock(collection, id)
		// Re-read under the lock so concurrent updates are not lost.
		current, err := s.Get(ctx, collection, id)
		if err == nil && current != nil {
			if err2 := query.Apply(current, update); err2 != nil {
				unlock()
				return updated, err2
			}
			current["id"] = id
			err = s.writeDoc(collection, current)
		}
		unlock()
		if err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

func (s *BadgerStore) DeleteOne(ctx context.Context, collection string, q query.Query) (int64, error) {
	return s.deleteMatching(ctx, collection, q, 1)
}

func (s *BadgerStore) DeleteMany(ctx context.Context, collection string, q query.Query) (int64, error) {
	return s.deleteMatching(ctx, collection, q, 0)
}

func (s *BadgerStore) deleteMatching(ctx context.Context, collection string, q query.Query, limit int) (int64, error) {
	compiled, err := query.Compile(q)
	if err != nil {
		return 0, err
	}
	matches, err := s.scan(collection, compiled, limit)
	if err != nil {
		return 0, err
	}
	var deleted int64
	for _, match := range matches {
		ok, err := s.Delete(ctx, collection, docID(match))
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

func (s *BadgerStore) CreateIndex(ctx context.Context, collection string, spec IndexSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.indexes[collection] {
		if existing.Name() == spec.Name() {
			return nil
		}
	}
	s.indexes[collection] = append(s.indexes[collection], spec)

	raw, err := json.Marshal(s.indexes[collection])
	if err != nil {
		return pkgerrors.NewStorage("serialize index specs", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerIdxPrefix+collection), raw)
	})
	if err != nil {
		return badgerErr("persist index specs", err)
	}
	return nil
}

func (s *BadgerStore) Clean(ctx context.Context) (int, error) {
	return sweepOrphans(ctx, s)
}

func (s *BadgerStore) writeDoc(collection string, doc Document) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := s.checkUnique(txn, collection, doc); err != nil {
			return err
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return pkgerrors.NewStorage("serialize document", err)
		}
		return txn.Set(docKey(collection, docID(doc)), raw)
	})
	return badgerErr("write document", err)
}

func (s *BadgerStore) scan(collection string, compiled *query.Compiled, limit int) ([]Document, error) {
	var matches []Document
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := collPrefix(collection)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var doc Document
				if err := json.Unmarshal(val, &doc); err != nil {
					return err
				}
				if compiled.Match(doc) {
					matches = append(matches, doc)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if limit > 0 && len(matches) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, badgerErr("scan collection", err)
	}
	return matches, nil
}

func (s *BadgerStore) checkUnique(txn *badger.Txn, collection string, doc Document) error {
	s.mu.RLock()
	specs := s.indexes[collection]
	s.mu.RUnlock()

	var uniques []IndexSpec
	for _, spec := range specs {
		if spec.Unique {
			uniques = append(uniques, spec)
		}
	}
	if len(uniques) == 0 {
		return nil
	}

	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	prefix := collPrefix(collection)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var existing Document
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &existing)
		})
		if err != nil {
			return err
		}
		if err := uniqueConflict(uniques, doc, existing); err != nil {
			return err
		}
	}
	return nil
}

// uniqueConflict reports a Conflict when existing holds the same value
// as doc on any of the unique specs. A document never conflicts with
// itself.
func uniqueConflict(uniques []IndexSpec, doc, existing Document) error {
	if docID(existing) == docID(doc) {
		return nil
	}
	for _, spec := range uniques {
		if indexKeyOf(spec, existing) == indexKeyOf(spec, doc) {
			return pkgerrors.NewConflict("duplicate value for unique index").
				WithDetail("index", spec.Name()).
				WithDetail("conflicting_id", docID(existing))
		}
	}
	return nil
}

func (s *BadgerStore) loadIndexes() error {
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(badgerIdxPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			collection := string(it.Item().Key()[len(prefix):])
			err := it.Item().Value(func(val []byte) error {
				var specs []IndexSpec
				if err := json.Unmarshal(val, &specs); err != nil {
					return err
				}
				s.indexes[collection] = specs
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return badgerErr("load index specs", err)
	}
	return nil
}

func indexKeyOf(spec IndexSpec, doc Document) string {
	key := ""
	for _, field := range spec.Fields {
		value, _ := query.Resolve(doc, field.Field)
		key += valueKey(value) + "\x00"
	}
	return key
}

// badgerErr wraps engine failures as storage errors while letting
// domain errors (conflicts) pass through untouched.
func badgerErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*pkgerrors.AppError); ok {
		return err
	}
	return pkgerrors.NewStorage(op, err)
}
