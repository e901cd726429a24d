package walker

import (
	"context"
	"reflect"
	"sync"

	"weaver/internal/graph"
)

// hookFn is the normalized hook shape the engine dispatches. The
// generic registration helpers adapt typed hooks into it.
type hookFn func(ctx context.Context, w Walker, here graph.Entity) error

type hookEntry struct {
	// targets are class names; empty means catch-all. One target is
	// the specific tier, several the multi-target tier.
	targets []string
	fn      hookFn
	seq     int
}

func (h hookEntry) tier() int {
	switch len(h.targets) {
	case 0:
		return 2
	case 1:
		return 0
	default:
		return 1
	}
}

// matches reports whether any of the subject's ancestry classes is a
// declared target. Catch-all entries match everything.
func (h hookEntry) matches(ancestry []string) bool {
	if len(h.targets) == 0 {
		return true
	}
	for _, t := range h.targets {
		for _, a := range ancestry {
			if t == a {
				return true
			}
		}
	}
	return false
}

type hookTables struct {
	mu sync.RWMutex
	// walker class -> hooks fired when that walker visits an entity
	walkerSide map[string][]hookEntry
	// entity class -> hooks fired when a walker arrives at that entity
	entitySide map[string][]hookEntry
	// walker class -> finalization hooks
	exit map[string][]func(ctx context.Context, w Walker) error
	seq  int
}

var hooks = &hookTables{
	walkerSide: make(map[string][]hookEntry),
	entitySide: make(map[string][]hookEntry),
	exit:       make(map[string][]func(ctx context.Context, w Walker) error),
}

// ResetHooks clears every registered hook. Tests use it for isolation.
func ResetHooks() {
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	hooks.walkerSide = make(map[string][]hookEntry)
	hooks.entitySide = make(map[string][]hookEntry)
	hooks.exit = make(map[string][]func(ctx context.Context, w Walker) error)
	hooks.seq = 0
}

// OnVisit registers a walker-side hook: it fires when a W visits a T
// (or a subclass of T). Using graph.Entity, graph.NodeEntity or
// graph.EdgeEntity as T makes the hook a catch-all for that family.
func OnVisit[W Walker, T graph.Entity](fn func(ctx context.Context, w W, here T) error) {
	walkerClass, _ := classOf[W]()
	targetClass, catchAll := classOf[T]()

	var targets []string
	if !catchAll {
		targets = []string{targetClass}
	}
	kindFilter := familyOf[T]()
	adapted := func(ctx context.Context, w Walker, here graph.Entity) error {
		ww, ok := as[W](w)
		if !ok {
			return nil
		}
		if kindFilter != "" && string(here.Kind()) != kindFilter {
			return nil
		}
		hh, ok := as[T](here)
		if !ok {
			return nil
		}
		return fn(ctx, ww, hh)
	}
	addWalkerSide(walkerClass, targets, adapted)
}

// OnVisitTargets registers one walker-side hook for several entity
// classes at once (the multi-target tier). No prototypes makes it a
// catch-all.
func OnVisitTargets[W Walker](fn func(ctx context.Context, w W, here graph.Entity) error, prototypes ...graph.Entity) {
	walkerClass, _ := classOf[W]()
	targets := make([]string, 0, len(prototypes))
	for _, p := range prototypes {
		targets = append(targets, graph.InfoOf(p).Name)
	}
	adapted := func(ctx context.Context, w Walker, here graph.Entity) error {
		ww, ok := as[W](w)
		if !ok {
			return nil
		}
		return fn(ctx, ww, here)
	}
	addWalkerSide(walkerClass, targets, adapted)
}

// OnArrive registers an entity-side hook: it fires when a W (or a
// subclass) arrives at a T, before any walker-side hooks. Using the
// Walker interface as W makes it a catch-all.
func OnArrive[T graph.Entity, W Walker](fn func(ctx context.Context, here T, w W) error) {
	entityClass, entityCatchAll := classOf[T]()
	if entityCatchAll {
		panic("walker: entity-side hooks must name a concrete entity class")
	}
	walkerClass, walkerCatchAll := classOf[W]()

	var targets []string
	if !walkerCatchAll {
		targets = []string{walkerClass}
	}
	adapted := func(ctx context.Context, w Walker, here graph.Entity) error {
		ww, ok := as[W](w)
		if !ok {
			return nil
		}
		hh, ok := as[T](here)
		if !ok {
			return nil
		}
		return fn(ctx, hh, ww)
	}
	addEntitySide(entityClass, targets, adapted)
}

// OnExit registers a finalization hook that runs after the walker's
// queue drains, it disengages, hits a cap, or is cancelled.
func OnExit[W Walker](fn func(ctx context.Context, w W) error) {
	walkerClass, catchAll := classOf[W]()
	if catchAll {
		panic("walker: exit hooks must name a concrete walker class")
	}
	hooks.mu.Lock()
	hooks.exit[walkerClass] = append(hooks.exit[walkerClass], func(ctx context.Context, w Walker) error {
		ww, ok := as[W](w)
		if !ok {
			return nil
		}
		return fn(ctx, ww)
	})
	hooks.mu.Unlock()
}

func addWalkerSide(class string, targets []string, fn hookFn) {
	hooks.mu.Lock()
	hooks.seq++
	hooks.walkerSide[class] = append(hooks.walkerSide[class], hookEntry{targets: targets, fn: fn, seq: hooks.seq})
	hooks.mu.Unlock()
}

func addEntitySide(class string, targets []string, fn hookFn) {
	hooks.mu.Lock()
	hooks.seq++
	hooks.entitySide[class] = append(hooks.entitySide[class], hookEntry{targets: targets, fn: fn, seq: hooks.seq})
	hooks.mu.Unlock()
}

// resolve builds the ordered hook list for one visit: entity-side
// first, then walker-side; within each side the declaring class runs
// most-specific first, and within a class the specific, multi-target
// and catch-all tiers in that order, registration order inside a tier.
func resolve(w Walker, here graph.Entity) []hookFn {
	wInfo := InfoOf(w)
	eInfo := graph.InfoOf(here)

	hooks.mu.RLock()
	defer hooks.mu.RUnlock()

	var out []hookFn
	for _, class := range eInfo.Ancestry {
		out = append(out, pick(hooks.entitySide[class], wInfo.Ancestry)...)
	}
	for _, class := range wInfo.Ancestry {
		out = append(out, pick(hooks.walkerSide[class], eInfo.Ancestry)...)
	}
	// The walker base itself holds catch-all registrations made with
	// the Walker interface type.
	out = append(out, pick(hooks.walkerSide[anyWalkerClass], eInfo.Ancestry)...)
	return out
}

func exitHooks(w Walker) []func(ctx context.Context, w Walker) error {
	info := InfoOf(w)
	hooks.mu.RLock()
	defer hooks.mu.RUnlock()
	var out []func(ctx context.Context, w Walker) error
	for _, class := range info.Ancestry {
		out = append(out, hooks.exit[class]...)
	}
	return out
}

func pick(entries []hookEntry, ancestry []string) []hookFn {
	var tiers [3][]hookEntry
	for _, e := range entries {
		if e.matches(ancestry) {
			tiers[e.tier()] = append(tiers[e.tier()], e)
		}
	}
	var out []hookFn
	for _, tier := range tiers {
		for _, e := range tier {
			out = append(out, e.fn)
		}
	}
	return out
}

// anyWalkerClass keys registrations whose W type argument was the
// Walker interface itself.
const anyWalkerClass = "*"

// classOf resolves the class name for a generic type argument. An
// interface type argument means catch-all.
func classOf[T any]() (string, bool) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() == reflect.Interface {
		return anyWalkerClass, true
	}
	return t.Elem().Name(), false
}

// familyOf narrows a catch-all entity hook to nodes or edges when the
// type argument was graph.NodeEntity or graph.EdgeEntity.
func familyOf[T any]() string {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() != reflect.Interface {
		return ""
	}
	switch t {
	case reflect.TypeOf((*graph.NodeEntity)(nil)).Elem():
		return string(graph.KindNode)
	case reflect.TypeOf((*graph.EdgeEntity)(nil)).Elem():
		return string(graph.KindEdge)
	}
	return ""
}

// as converts a runtime value to the hook's declared type, descending
// into embedded structs so a hook declared for a parent class receives
// the embedded parent value of a subclass instance.
func as[T any](v interface{}) (T, bool) {
	var zero T
	if direct, ok := v.(T); ok {
		return direct, true
	}
	want := reflect.TypeOf((*T)(nil)).Elem()
	if want.Kind() != reflect.Ptr {
		return zero, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return zero, false
	}
	if found, ok := embeddedValue(rv.Elem(), want.Elem()); ok {
		return found.Addr().Interface().(T), true
	}
	return zero, false
}

func embeddedValue(v reflect.Value, want reflect.Type) (reflect.Value, bool) {
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.Anonymous {
			continue
		}
		fv := v.Field(i)
		if f.Type == want {
			return fv, true
		}
		if found, ok := embeddedValue(fv, want); ok {
			return found, true
		}
	}
	return reflect.Value{}, false
}
