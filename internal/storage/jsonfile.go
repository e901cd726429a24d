package storage

import (
	"encoding/json"
	"os"
	"path/filepath"

	pkgerrors "weaver/pkg/errors"
)

func init() {
	Register("json", func(cfg Config) (Store, error) {
		return NewJSONStore(cfg.BasePath)
	})
}

// JSONStore persists each collection as one JSON file under a base
// directory. It reuses the in-memory engine for all query semantics and
// writes the touched collection back after every mutation, so the two
// backends cannot drift apart in behavior.
type JSONStore struct {
	*MemoryStore
	basePath string
}

// NewJSONStore opens (or creates) a file-backed store rooted at basePath.
func NewJSONStore(basePath string) (*JSONStore, error) {
	if basePath == "" {
		basePath = "./data"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, pkgerrors.NewStorage("create base path", err)
	}

	s := &JSONStore{MemoryStore: NewMemoryStore(), basePath: basePath}
	s.MemoryStore.name = "json"
	s.MemoryStore.afterWrite = s.persist

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONStore) load() error {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return pkgerrors.NewStorage("read base path", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		collection := entry.Name()[:len(entry.Name())-len(".json")]
		raw, err := os.ReadFile(filepath.Join(s.basePath, entry.Name()))
		if err != nil {
			return pkgerrors.NewStorage("read collection file", err)
		}
		var docs []Document
		if err := json.Unmarshal(raw, &docs); err != nil {
			return pkgerrors.NewStorage("parse collection file "+entry.Name(), err)
		}
		coll := make(map[string]Document, len(docs))
		for _, doc := range docs {
			coll[docID(doc)] = doc
		}
		s.collections[collection] = coll
	}
	return nil
}

// persist writes one collection file atomically via temp-file rename.
// It runs inside the memory engine's write lock.
func (s *JSONStore) persist(collection string) error {
	coll := s.collections[collection]
	docs := make([]Document, 0, len(coll))
	for _, id := range sortedIDs(coll) {
		docs = append(docs, coll[id])
	}
	raw, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return pkgerrors.NewStorage("serialize collection", err)
	}

	target := filepath.Join(s.basePath, collection+".json")
	tmp, err := os.CreateTemp(s.basePath, collection+".*.tmp")
	if err != nil {
		return pkgerrors.NewStorage("create temp file", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return pkgerrors.NewStorage("write collection file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return pkgerrors.NewStorage("close collection file", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return pkgerrors.NewStorage("replace collection file", err)
	}
	return nil
}
