package graph

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"weaver/internal/storage"
)

// EndpointOptions control how a field surfaces in a synthesized
// request schema.
type EndpointOptions struct {
	Name    string
	Group   string
	Hidden  bool
	Exclude bool
}

// FieldSpec describes one declared context field of an entity or
// walker type.
type FieldSpec struct {
	Name     string // Go field name
	JSONName string
	Index    []int // reflect field index path
	Validate string
	Indexed  bool
	Unique   bool
	Endpoint EndpointOptions
}

// WireName is the field's name in the HTTP request body.
func (f FieldSpec) WireName() string {
	if f.Endpoint.Name != "" {
		return f.Endpoint.Name
	}
	return f.JSONName
}

// TypeInfo is the cached registration record for an entity type. The
// ancestry chain is resolved once at registration, so dispatch never
// reflects over embeds again.
type TypeInfo struct {
	Type     reflect.Type // struct type, without the pointer
	Name     string
	Kind     Kind
	Ancestry []string // self first, then embedded classes, base last
	Fields   []FieldSpec
	Indexes  []storage.IndexSpec
}

// New allocates a fresh instance of the registered type.
func (ti *TypeInfo) New() Entity {
	return reflect.New(ti.Type).Interface().(Entity)
}

// IsA reports whether the type's ancestry contains the given class.
func (ti *TypeInfo) IsA(class string) bool {
	for _, a := range ti.Ancestry {
		if a == class {
			return true
		}
	}
	return false
}

// CompoundIndexer lets an entity class declare compound indexes in
// addition to per-field index tags.
type CompoundIndexer interface {
	CompoundIndexes() []storage.IndexSpec
}

type typeRegistry struct {
	mu      sync.RWMutex
	byType  map[reflect.Type]*TypeInfo
	byName  map[string]*TypeInfo
}

var types = &typeRegistry{
	byType: make(map[reflect.Type]*TypeInfo),
	byName: make(map[string]*TypeInfo),
}

func init() {
	MustRegister(&Node{})
	MustRegister(&Edge{})
	MustRegister(&Root{})
}

// MustRegister records an entity type in the process-wide registry.
// The prototype must be a pointer to a struct embedding Node or Edge.
// Registering the same type twice is a no-op; registering a different
// type under an already-taken class name panics.
func MustRegister(prototype Entity) *TypeInfo {
	info, err := register(prototype)
	if err != nil {
		panic(err)
	}
	return info
}

func register(prototype Entity) (*TypeInfo, error) {
	pt := reflect.TypeOf(prototype)
	if pt == nil || pt.Kind() != reflect.Ptr || pt.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("graph: prototype must be a struct pointer, got %T", prototype)
	}
	st := pt.Elem()

	types.mu.Lock()
	defer types.mu.Unlock()

	if existing, ok := types.byType[st]; ok {
		return existing, nil
	}
	name := st.Name()
	if prior, ok := types.byName[name]; ok && prior.Type != st {
		return nil, fmt.Errorf("graph: class name %q already registered for %s", name, prior.Type)
	}

	info := &TypeInfo{
		Type:     st,
		Name:     name,
		Kind:     prototype.Kind(),
		Ancestry: ancestryOf(st),
	}
	collectFields(st, nil, info)
	info.Indexes = indexSpecs(info)
	if ci, ok := prototype.(CompoundIndexer); ok {
		info.Indexes = append(info.Indexes, ci.CompoundIndexes()...)
	}

	types.byType[st] = info
	types.byName[name] = info
	return info, nil
}

// InfoOf returns the registration record for an entity instance,
// registering it on first sight.
func InfoOf(e Entity) *TypeInfo {
	st := reflect.TypeOf(e).Elem()
	types.mu.RLock()
	info, ok := types.byType[st]
	types.mu.RUnlock()
	if ok {
		return info
	}
	return MustRegister(e)
}

// TypeByName looks up a registered class by name.
func TypeByName(name string) (*TypeInfo, bool) {
	types.mu.RLock()
	defer types.mu.RUnlock()
	info, ok := types.byName[name]
	return info, ok
}

var (
	nodeBaseType = reflect.TypeOf(Node{})
	edgeBaseType = reflect.TypeOf(Edge{})
	rootBaseType = reflect.TypeOf(Root{})
)

// ancestryOf walks the embed chain from the concrete type down to the
// Node or Edge base. Each embedded struct contributes its class name,
// so subclass hooks and class filters match the whole chain.
func ancestryOf(st reflect.Type) []string {
	chain := []string{st.Name()}
	cur := st
	for cur != nodeBaseType && cur != edgeBaseType {
		next, ok := embeddedBase(cur)
		if !ok {
			break
		}
		chain = append(chain, next.Name())
		cur = next
	}
	return chain
}

// embeddedBase finds the anonymous field that carries the entity base.
func embeddedBase(st reflect.Type) (reflect.Type, bool) {
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if !f.Anonymous || f.Type.Kind() != reflect.Struct {
			continue
		}
		if f.Type == nodeBaseType || f.Type == edgeBaseType {
			return f.Type, true
		}
		if isEntityStruct(f.Type) {
			return f.Type, true
		}
	}
	return nil, false
}

func isEntityStruct(st reflect.Type) bool {
	if st == nodeBaseType || st == edgeBaseType || st == rootBaseType {
		return true
	}
	_, ok := embeddedBase(st)
	return ok
}

// collectFields gathers context field specs, descending through
// embedded entity structs so parent-class fields surface on the child.
// The entity bases contribute structural fields, not context fields, so
// they are skipped.
func collectFields(st reflect.Type, _ []int, info *TypeInfo) {
	objectBase := reflect.TypeOf(Object{})
	deferredBase := reflect.TypeOf(Deferred{})
	specs := FieldSpecsOf(st, func(t reflect.Type) bool {
		return t == nodeBaseType || t == edgeBaseType || t == objectBase || t == deferredBase
	})
	for i, spec := range specs {
		switch st.FieldByIndex(spec.Index).Tag.Get("index") {
		case "true":
			specs[i].Indexed = true
		case "unique":
			specs[i].Indexed = true
			specs[i].Unique = true
		}
	}
	info.Fields = specs
}

func jsonNameOf(f reflect.StructField) (name string, skip bool) {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", true
	}
	name = strings.Split(tag, ",")[0]
	if name == "" {
		name = strings.ToLower(f.Name)
	}
	return name, false
}

// parseEndpointTag reads `endpoint:"..."` options: "-" excludes the
// field, "hidden" accepts but undocuments it, "name=x" renames it on
// the wire, "group=x" nests it under a body sub-object.
func parseEndpointTag(tag string) EndpointOptions {
	var opts EndpointOptions
	if tag == "" {
		return opts
	}
	if tag == "-" {
		opts.Exclude = true
		return opts
	}
	for _, part := range strings.Split(tag, ",") {
		switch {
		case part == "hidden":
			opts.Hidden = true
		case strings.HasPrefix(part, "name="):
			opts.Name = strings.TrimPrefix(part, "name=")
		case strings.HasPrefix(part, "group="):
			opts.Group = strings.TrimPrefix(part, "group=")
		}
	}
	return opts
}

// FieldSpecsOf extracts field specs from an arbitrary struct type.
// skipEmbed filters out embedded base structs that carry machinery
// rather than declared fields. The walker layer uses this for request
// schema synthesis.
func FieldSpecsOf(st reflect.Type, skipEmbed func(reflect.Type) bool) []FieldSpec {
	var specs []FieldSpec
	var walk func(st reflect.Type, index []int)
	walk = func(st reflect.Type, index []int) {
		for i := 0; i < st.NumField(); i++ {
			f := st.Field(i)
			path := append(append([]int(nil), index...), i)
			if f.Anonymous && f.Type.Kind() == reflect.Struct {
				if skipEmbed != nil && skipEmbed(f.Type) {
					continue
				}
				walk(f.Type, path)
				continue
			}
			if f.PkgPath != "" {
				continue
			}
			jsonName, skip := jsonNameOf(f)
			if skip {
				continue
			}
			specs = append(specs, FieldSpec{
				Name:     f.Name,
				JSONName: jsonName,
				Index:    path,
				Validate: f.Tag.Get("validate"),
				Endpoint: parseEndpointTag(f.Tag.Get("endpoint")),
			})
		}
	}
	walk(st, nil)
	return specs
}

func indexSpecs(info *TypeInfo) []storage.IndexSpec {
	var specs []storage.IndexSpec
	for _, f := range info.Fields {
		if !f.Indexed {
			continue
		}
		specs = append(specs, storage.IndexSpec{
			Fields: []storage.IndexField{{Field: "context." + f.JSONName}},
			Unique: f.Unique,
		})
	}
	return specs
}
