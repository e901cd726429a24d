package walker

import (
	"fmt"
	"reflect"
	"sync"

	"weaver/internal/graph"
)

// Info is the cached registration record for a walker type. Like the
// entity registry, the embed chain is resolved once so hook dispatch
// never reflects over it again.
type Info struct {
	Type     reflect.Type // struct type, without the pointer
	Name     string
	Ancestry []string // self first, base last
	Fields   []graph.FieldSpec
}

// New allocates a fresh instance of the registered walker type.
func (i *Info) New() Walker {
	return reflect.New(i.Type).Interface().(Walker)
}

// IsA reports whether the walker's ancestry contains the given class.
func (i *Info) IsA(class string) bool {
	for _, a := range i.Ancestry {
		if a == class {
			return true
		}
	}
	return false
}

type walkerRegistry struct {
	mu     sync.RWMutex
	byType map[reflect.Type]*Info
	byName map[string]*Info
}

var walkers = &walkerRegistry{
	byType: make(map[reflect.Type]*Info),
	byName: make(map[string]*Info),
}

var baseType = reflect.TypeOf(Base{})

// MustRegister records a walker type. The prototype must be a pointer
// to a struct embedding Base. Idempotent per type; a class-name clash
// across distinct types panics.
func MustRegister(prototype Walker) *Info {
	info, err := register(prototype)
	if err != nil {
		panic(err)
	}
	return info
}

func register(prototype Walker) (*Info, error) {
	pt := reflect.TypeOf(prototype)
	if pt == nil || pt.Kind() != reflect.Ptr || pt.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("walker: prototype must be a struct pointer, got %T", prototype)
	}
	st := pt.Elem()

	walkers.mu.Lock()
	defer walkers.mu.Unlock()

	if existing, ok := walkers.byType[st]; ok {
		return existing, nil
	}
	name := st.Name()
	if prior, ok := walkers.byName[name]; ok && prior.Type != st {
		return nil, fmt.Errorf("walker: class name %q already registered for %s", name, prior.Type)
	}

	info := &Info{
		Type:     st,
		Name:     name,
		Ancestry: ancestryOf(st),
		Fields: graph.FieldSpecsOf(st, func(t reflect.Type) bool {
			return t == baseType
		}),
	}
	walkers.byType[st] = info
	walkers.byName[name] = info
	return info, nil
}

// InfoOf returns the registration record for a walker instance,
// registering it on first sight.
func InfoOf(w Walker) *Info {
	st := reflect.TypeOf(w).Elem()
	walkers.mu.RLock()
	info, ok := walkers.byType[st]
	walkers.mu.RUnlock()
	if ok {
		return info
	}
	return MustRegister(w)
}

// TypeByName looks up a registered walker class by name.
func TypeByName(name string) (*Info, bool) {
	walkers.mu.RLock()
	defer walkers.mu.RUnlock()
	info, ok := walkers.byName[name]
	return info, ok
}

func ancestryOf(st reflect.Type) []string {
	chain := []string{st.Name()}
	cur := st
	for cur != baseType {
		next, ok := embeddedWalkerBase(cur)
		if !ok {
			break
		}
		if next != baseType {
			chain = append(chain, next.Name())
		}
		cur = next
	}
	return chain
}

func embeddedWalkerBase(st reflect.Type) (reflect.Type, bool) {
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if !f.Anonymous || f.Type.Kind() != reflect.Struct {
			continue
		}
		if f.Type == baseType || isWalkerStruct(f.Type) {
			return f.Type, true
		}
	}
	return nil, false
}

func isWalkerStruct(st reflect.Type) bool {
	if st == baseType {
		return true
	}
	_, ok := embeddedWalkerBase(st)
	return ok
}
