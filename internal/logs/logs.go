// Package logs persists structured audit records to the log collection
// and serves the filtered, paginated retrieval endpoint.
package logs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"weaver/internal/query"
	"weaver/internal/storage"
	pkgerrors "weaver/pkg/errors"
)

const collection = "log"

// Entry is one persisted log record.
type Entry struct {
	ID        string                 `json:"id"`
	Category  string                 `json:"category"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Filter narrows retrieval. Zero values mean "any".
type Filter struct {
	Category  string
	AgentID   string
	StartDate time.Time
	EndDate   time.Time
}

type Service struct {
	store storage.Store
	log   *zap.Logger
}

func NewService(store storage.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, log: log}
}

// Record persists an entry, assigning id and timestamp when unset.
// Persistence failures are logged and swallowed so audit writes never
// fail the operation being audited.
func (s *Service) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Level == "" {
		e.Level = "info"
	}
	if _, err := s.store.Save(ctx, collection, entryDoc(e)); err != nil {
		s.log.Warn("persist log entry", zap.String("category", e.Category), zap.Error(err))
	}
}

// Query returns one page of matching entries, newest first, plus the
// total match count.
func (s *Service) Query(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int64, error) {
	q := query.Query{}
	if f.Category != "" {
		q["category"] = f.Category
	}
	if f.AgentID != "" {
		q["agent_id"] = f.AgentID
	}
	created := query.Query{}
	if !f.StartDate.IsZero() {
		created["$gte"] = f.StartDate.UTC().Format(time.RFC3339Nano)
	}
	if !f.EndDate.IsZero() {
		created["$lte"] = f.EndDate.UTC().Format(time.RFC3339Nano)
	}
	if len(created) > 0 {
		q["created_at"] = map[string]interface{}(created)
	}

	total, err := s.store.Count(ctx, collection, q)
	if err != nil {
		return nil, 0, pkgerrors.Wrap(err, "count logs")
	}
	docs, err := s.store.Find(ctx, collection, q, storage.FindOptions{
		Sort:   query.SortSpec{{Field: "created_at", Desc: true}},
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, 0, pkgerrors.Wrap(err, "query logs")
	}
	entries := make([]*Entry, 0, len(docs))
	for _, d := range docs {
		entries = append(entries, entryFromDoc(d))
	}
	return entries, total, nil
}

func entryDoc(e Entry) storage.Document {
	doc := storage.Document{
		"id":         e.ID,
		"category":   e.Category,
		"level":      e.Level,
		"message":    e.Message,
		"created_at": e.CreatedAt.Format(time.RFC3339Nano),
	}
	if e.AgentID != "" {
		doc["agent_id"] = e.AgentID
	}
	if len(e.Data) > 0 {
		doc["data"] = e.Data
	}
	return doc
}

func entryFromDoc(doc storage.Document) *Entry {
	e := &Entry{
		ID:       stringField(doc, "id"),
		Category: stringField(doc, "category"),
		Level:    stringField(doc, "level"),
		Message:  stringField(doc, "message"),
		AgentID:  stringField(doc, "agent_id"),
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, stringField(doc, "created_at"))
	if data, ok := doc["data"].(map[string]interface{}); ok {
		e.Data = data
	}
	return e
}

func stringField(doc storage.Document, key string) string {
	s, _ := doc[key].(string)
	return s
}
