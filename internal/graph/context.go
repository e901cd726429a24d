package graph

import (
	"context"
	"reflect"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"weaver/internal/query"
	"weaver/internal/storage"
	pkgerrors "weaver/pkg/errors"
)

// Context binds the entity family to one storage backend. One context
// per logical database; tests build an isolated context per case.
type Context struct {
	store    storage.Store
	log      *zap.Logger
	validate *validator.Validate

	mu      sync.Mutex
	ensured map[string]bool
	pending *pendingWrites
}

// NewContext wires a graph context over a store.
func NewContext(store storage.Store, logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Context{
		store:    store,
		log:      logger,
		validate: validator.New(),
		ensured:  make(map[string]bool),
		pending:  newPendingWrites(),
	}
}

// Store exposes the underlying adapter for callers that need raw
// collection access (identity, logs, webhooks).
func (c *Context) Store() storage.Store { return c.store }

type ctxKey struct{}

var (
	defaultMu  sync.RWMutex
	defaultCtx *Context
)

// SetDefault installs the process-default context used when no scoped
// context is active.
func SetDefault(c *Context) {
	defaultMu.Lock()
	defaultCtx = c
	defaultMu.Unlock()
}

// ResetDefault clears the process default. Tests use it for isolation.
func ResetDefault() { SetDefault(nil) }

// WithCurrent binds a graph context to the execution scope, so nested
// calls inside hooks resolve the same context the handler started with.
func WithCurrent(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// Current resolves the active graph context: the scoped binding first,
// the process default as fallback.
func Current(ctx context.Context) *Context {
	if c, ok := ctx.Value(ctxKey{}).(*Context); ok && c != nil {
		return c
	}
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultCtx
}

// EnsureRoot creates the singleton root node if missing. Idempotent.
func (c *Context) EnsureRoot(ctx context.Context) (*Root, error) {
	doc, err := c.store.Get(ctx, storage.CollectionNode, RootID)
	if err != nil {
		return nil, err
	}
	root := &Root{}
	if doc != nil {
		if err := FromDocument(doc, root); err != nil {
			return nil, err
		}
		return root, nil
	}
	root.ID = RootID
	if err := c.writeEntity(ctx, root); err != nil {
		return nil, err
	}
	return root, nil
}

// CreateNode validates, assigns an id, ensures declared indexes and
// persists a new node.
func (c *Context) CreateNode(ctx context.Context, n NodeEntity) error {
	return c.create(ctx, n)
}

// CreateEdge is CreateNode for the edge family. Most callers go through
// Connect instead, which also maintains endpoint edge lists.
func (c *Context) CreateEdge(ctx context.Context, e EdgeEntity) error {
	return c.create(ctx, e)
}

func (c *Context) create(ctx context.Context, e Entity) error {
	info := InfoOf(e)
	if e.GetID() == "" {
		e.SetID(NewID(info.Kind, info.Name))
	}
	if err := c.validateEntity(e); err != nil {
		return err
	}
	if err := c.ensureIndexes(ctx, info); err != nil {
		return err
	}
	return c.writeEntity(ctx, e)
}

// SaveNode persists the node's current state. With deferred saves
// enabled and a Deferred mixin on the entity, the write is coalesced
// until Flush.
func (c *Context) SaveNode(ctx context.Context, n NodeEntity) error {
	return c.save(ctx, n)
}

// SaveEdge persists the edge's current state.
func (c *Context) SaveEdge(ctx context.Context, e EdgeEntity) error {
	return c.save(ctx, e)
}

func (c *Context) save(ctx context.Context, e Entity) error {
	if e.GetID() == "" {
		return c.create(ctx, e)
	}
	if err := c.validateEntity(e); err != nil {
		return err
	}
	if c.deferSave(e) {
		return nil
	}
	return c.writeEntity(ctx, e)
}

// GetNode loads a node by id into the supplied entity value.
func (c *Context) GetNode(ctx context.Context, n NodeEntity, id string) error {
	return c.get(ctx, storage.CollectionNode, n, id)
}

// GetEdge loads an edge by id into the supplied entity value.
func (c *Context) GetEdge(ctx context.Context, e EdgeEntity, id string) error {
	return c.get(ctx, storage.CollectionEdge, e, id)
}

func (c *Context) get(ctx context.Context, collection string, e Entity, id string) error {
	doc, err := c.store.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	if doc == nil {
		return pkgerrors.NewNotFound("entity not found").WithDetail("id", id)
	}
	return FromDocument(doc, e)
}

// DeleteNode destroys a node. With cascade, every incident edge is
// removed first and the opposite endpoint's edge list is updated, list
// mutations before any document write.
func (c *Context) DeleteNode(ctx context.Context, n NodeEntity, cascade bool) error {
	base := n.nodeBase()
	if cascade {
		for _, edgeID := range append([]string(nil), base.EdgeIDs...) {
			edge := &Edge{}
			if err := c.GetEdge(ctx, edge, edgeID); err != nil {
				if pkgerrors.IsNotFound(err) {
					continue
				}
				return err
			}
			if err := c.DeleteEdge(ctx, edge); err != nil {
				return err
			}
		}
	}
	_, err := c.store.Delete(ctx, storage.CollectionNode, n.GetID())
	return err
}

// DeleteEdge removes an edge and drops its id from both endpoints'
// edge lists.
func (c *Context) DeleteEdge(ctx context.Context, e EdgeEntity) error {
	base := e.edgeBase()
	for _, endpoint := range []string{base.Source, base.Target} {
		if endpoint == "" {
			continue
		}
		_, err := c.store.UpdateOne(ctx, storage.CollectionNode,
			query.Query{"id": endpoint},
			query.Update{"$pull": map[string]interface{}{"edge_ids": e.GetID()}},
			false)
		if err != nil {
			return err
		}
	}
	_, err := c.store.Delete(ctx, storage.CollectionEdge, e.GetID())
	return err
}

func (c *Context) writeEntity(ctx context.Context, e Entity) error {
	doc, err := ToDocument(e)
	if err != nil {
		return err
	}
	collection := storage.CollectionNode
	if e.Kind() == KindEdge {
		collection = storage.CollectionEdge
	}
	_, err = c.store.Save(ctx, collection, doc)
	return err
}

func (c *Context) validateEntity(e Entity) error {
	if err := c.validate.Struct(e); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return pkgerrors.NewInternal("entity validation failed", err)
		}
		appErr := pkgerrors.NewValidation("entity field constraints violated")
		for _, fe := range verrs {
			appErr = appErr.WithDetail(fe.Field(), fe.Tag())
		}
		return appErr
	}
	return nil
}

// ensureIndexes creates the class's declared indexes once per context.
func (c *Context) ensureIndexes(ctx context.Context, info *TypeInfo) error {
	if len(info.Indexes) == 0 {
		return nil
	}
	c.mu.Lock()
	done := c.ensured[info.Name]
	c.mu.Unlock()
	if done {
		return nil
	}
	collection := storage.CollectionNode
	if info.Kind == KindEdge {
		collection = storage.CollectionEdge
	}
	for _, spec := range info.Indexes {
		if err := c.store.CreateIndex(ctx, collection, spec); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.ensured[info.Name] = true
	c.mu.Unlock()
	return nil
}

// classQuery restricts a query to one entity class by id prefix.
func classQuery(info *TypeInfo, q query.Query) query.Query {
	idCond := map[string]interface{}{"$regex": "^" + string(info.Kind) + ":" + info.Name + ":"}
	if len(q) == 0 {
		return query.Query{"id": idCond}
	}
	return query.Query{"$and": []interface{}{
		query.Query{"id": idCond},
		q,
	}}
}

// typeOf resolves the struct type behind T's pointer type.
func typeOf[T Entity]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem().Elem()
}

func newOf[T Entity]() T {
	return reflect.New(typeOf[T]()).Interface().(T)
}

func infoFor[T Entity]() *TypeInfo {
	st := typeOf[T]()
	types.mu.RLock()
	info, ok := types.byType[st]
	types.mu.RUnlock()
	if ok {
		return info
	}
	return MustRegister(newOf[T]())
}

// Find returns all instances of T matching q, routed through the
// context active in ctx.
func Find[T Entity](ctx context.Context, q query.Query, opts storage.FindOptions) ([]T, error) {
	c := Current(ctx)
	if c == nil {
		return nil, pkgerrors.NewInternal("no graph context active", nil)
	}
	info := infoFor[T]()
	docs, err := c.store.Find(ctx, collectionFor(info.Kind), classQuery(info, q), opts)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		e := newOf[T]()
		if err := FromDocument(doc, e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// FindOne returns the first match of q for T, or the zero value when
// nothing matches.
func FindOne[T Entity](ctx context.Context, q query.Query) (T, bool, error) {
	var zero T
	c := Current(ctx)
	if c == nil {
		return zero, false, pkgerrors.NewInternal("no graph context active", nil)
	}
	info := infoFor[T]()
	doc, err := c.store.FindOne(ctx, collectionFor(info.Kind), classQuery(info, q))
	if err != nil || doc == nil {
		return zero, false, err
	}
	e := newOf[T]()
	if err := FromDocument(doc, e); err != nil {
		return zero, false, err
	}
	return e, true, nil
}

// Count counts instances of T matching q.
func Count[T Entity](ctx context.Context, q query.Query) (int64, error) {
	c := Current(ctx)
	if c == nil {
		return 0, pkgerrors.NewInternal("no graph context active", nil)
	}
	info := infoFor[T]()
	return c.store.Count(ctx, collectionFor(info.Kind), classQuery(info, q))
}

// All returns every instance of T.
func All[T Entity](ctx context.Context) ([]T, error) {
	return Find[T](ctx, nil, storage.FindOptions{})
}

func collectionFor(kind Kind) string {
	if kind == KindEdge {
		return storage.CollectionEdge
	}
	return storage.CollectionNode
}
