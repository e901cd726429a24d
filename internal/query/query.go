// Package query implements the MongoDB-subset query dialect that every
// storage backend supports. Queries are compiled once into a predicate
// tree and evaluated per document, so non-native backends can filter the
// results of a physical scan with the exact same semantics a native
// backend would apply.
package query

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	pkgerrors "weaver/pkg/errors"
)

// Query is a raw query document in the Mongo dialect. A top-level query
// is an implicit $and of its key/value entries.
type Query map[string]interface{}

// Compiled is a validated, executable form of a Query.
type Compiled struct {
	pred predicate
	raw  Query
}

type predicate func(doc map[string]interface{}) bool

// Compile validates the query and builds its predicate tree. Unknown
// operators surface as QueryError; evaluation itself never errors.
func Compile(q Query) (*Compiled, error) {
	p, err := compileQuery(q)
	if err != nil {
		return nil, err
	}
	return &Compiled{pred: p, raw: q}, nil
}

// MustCompile is Compile for queries known to be valid, typically
// literals in code.
func MustCompile(q Query) *Compiled {
	c, err := Compile(q)
	if err != nil {
		panic(err)
	}
	return c
}

// Match evaluates the compiled query against a document.
func (c *Compiled) Match(doc map[string]interface{}) bool {
	if c == nil || c.pred == nil {
		return true
	}
	return c.pred(doc)
}

// Raw returns the query document the predicate was compiled from.
func (c *Compiled) Raw() Query {
	if c == nil {
		return nil
	}
	return c.raw
}

// Match compiles and evaluates in one step.
func Match(q Query, doc map[string]interface{}) (bool, error) {
	if len(q) == 0 {
		return true, nil
	}
	c, err := Compile(q)
	if err != nil {
		return false, err
	}
	return c.Match(doc), nil
}

func compileQuery(q Query) (predicate, error) {
	if len(q) == 0 {
		return func(map[string]interface{}) bool { return true }, nil
	}

	// Keys are sorted so evaluation order is deterministic across runs.
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	preds := make([]predicate, 0, len(keys))
	for _, key := range keys {
		value := q[key]
		var p predicate
		var err error

		switch key {
		case "$and":
			p, err = compileLogical(key, value, func(ps []predicate) predicate {
				return func(doc map[string]interface{}) bool {
					for _, sub := range ps {
						if !sub(doc) {
							return false
						}
					}
					return true
				}
			})
		case "$or":
			p, err = compileLogical(key, value, func(ps []predicate) predicate {
				return func(doc map[string]interface{}) bool {
					for _, sub := range ps {
						if sub(doc) {
							return true
						}
					}
					return false
				}
			})
		case "$nor":
			p, err = compileLogical(key, value, func(ps []predicate) predicate {
				return func(doc map[string]interface{}) bool {
					for _, sub := range ps {
						if sub(doc) {
							return false
						}
					}
					return true
				}
			})
		case "$not":
			sub, nerr := compileQuery(asQuery(value))
			if nerr != nil {
				err = nerr
				break
			}
			p = func(doc map[string]interface{}) bool { return !sub(doc) }
		default:
			if strings.HasPrefix(key, "$") {
				return nil, pkgerrors.NewUnknownOperator(key)
			}
			p, err = compileField(key, value)
		}
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}

	return func(doc map[string]interface{}) bool {
		for _, p := range preds {
			if !p(doc) {
				return false
			}
		}
		return true
	}, nil
}

func compileLogical(op string, value interface{}, combine func([]predicate) predicate) (predicate, error) {
	items, ok := value.([]interface{})
	if !ok {
		return nil, pkgerrors.NewQuery(op + " requires an array of queries")
	}
	preds := make([]predicate, 0, len(items))
	for _, item := range items {
		sub, err := compileQuery(asQuery(item))
		if err != nil {
			return nil, err
		}
		preds = append(preds, sub)
	}
	return combine(preds), nil
}

// compileField builds the predicate for a single path/condition entry.
// A mapping whose keys all start with $ is an operator expression; any
// other value is shorthand for $eq.
func compileField(path string, cond interface{}) (predicate, error) {
	if expr, ok := operatorExpr(cond); ok {
		return compileOperatorExpr(path, expr)
	}
	return func(doc map[string]interface{}) bool {
		value, exists := Resolve(doc, path)
		if !exists {
			return false
		}
		return matchEq(value, cond)
	}, nil
}

func compileOperatorExpr(path string, expr map[string]interface{}) (predicate, error) {
	ops := make([]string, 0, len(expr))
	for op := range expr {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	// $options belongs to $regex and is consumed with it.
	var regexOptions string
	if raw, ok := expr["$options"]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, pkgerrors.NewQuery("$options requires a string")
		}
		regexOptions = s
	}

	preds := make([]predicate, 0, len(ops))
	for _, op := range ops {
		arg := expr[op]
		var p predicate
		var err error

		switch op {
		case "$options":
			continue
		case "$eq":
			p = valuePredicate(path, true, func(v interface{}) bool { return matchEq(v, arg) })
		case "$ne":
			// $ne matches documents where the path is absent too.
			p = func(doc map[string]interface{}) bool {
				v, exists := Resolve(doc, path)
				if !exists {
					return true
				}
				return !matchEq(v, arg)
			}
		case "$gt":
			p = comparePredicate(path, arg, func(c int) bool { return c > 0 })
		case "$gte":
			p = comparePredicate(path, arg, func(c int) bool { return c >= 0 })
		case "$lt":
			p = comparePredicate(path, arg, func(c int) bool { return c < 0 })
		case "$lte":
			p = comparePredicate(path, arg, func(c int) bool { return c <= 0 })
		case "$in":
			p, err = compileIn(path, arg, false)
		case "$nin":
			p, err = compileIn(path, arg, true)
		case "$exists":
			want := truthy(arg)
			p = func(doc map[string]interface{}) bool {
				_, exists := Resolve(doc, path)
				return exists == want
			}
		case "$type":
			name, ok := arg.(string)
			if !ok {
				err = pkgerrors.NewQuery("$type requires a string alias")
				break
			}
			p = valuePredicate(path, false, func(v interface{}) bool { return typeName(v) == canonicalType(name) })
		case "$size":
			n, ok := toFloat(arg)
			if !ok {
				err = pkgerrors.NewQuery("$size requires a number")
				break
			}
			p = valuePredicate(path, false, func(v interface{}) bool {
				arr, ok := v.([]interface{})
				return ok && len(arr) == int(n)
			})
		case "$all":
			wanted, ok := arg.([]interface{})
			if !ok {
				err = pkgerrors.NewQuery("$all requires an array")
				break
			}
			p = valuePredicate(path, false, func(v interface{}) bool {
				arr, ok := v.([]interface{})
				if !ok {
					return false
				}
				for _, w := range wanted {
					found := false
					for _, elem := range arr {
						if matchEq(elem, w) {
							found = true
							break
						}
					}
					if !found {
						return false
					}
				}
				return true
			})
		case "$elemMatch":
			sub, serr := compileQuery(asQuery(arg))
			if serr != nil {
				err = serr
				break
			}
			p = valuePredicate(path, false, func(v interface{}) bool {
				arr, ok := v.([]interface{})
				if !ok {
					return false
				}
				for _, elem := range arr {
					if m, ok := elem.(map[string]interface{}); ok && sub(m) {
						return true
					}
				}
				return false
			})
		case "$regex":
			pattern, ok := arg.(string)
			if !ok {
				err = pkgerrors.NewQuery("$regex requires a string pattern")
				break
			}
			re, rerr := compileRegex(pattern, regexOptions)
			if rerr != nil {
				err = rerr
				break
			}
			p = valuePredicate(path, true, func(v interface{}) bool {
				s, ok := v.(string)
				return ok && re.MatchString(s)
			})
		case "$mod":
			pair, ok := arg.([]interface{})
			if !ok || len(pair) != 2 {
				err = pkgerrors.NewQuery("$mod requires [divisor, remainder]")
				break
			}
			divisor, dok := toFloat(pair[0])
			remainder, rok := toFloat(pair[1])
			if !dok || !rok || divisor == 0 {
				err = pkgerrors.NewQuery("$mod requires numeric divisor and remainder")
				break
			}
			p = valuePredicate(path, true, func(v interface{}) bool {
				n, ok := toFloat(v)
				return ok && int64(n)%int64(divisor) == int64(remainder)
			})
		case "$not":
			// Negate the nested operator expression on the same path.
			nested, ok := operatorExpr(arg)
			if !ok {
				err = pkgerrors.NewQuery("$not requires an operator expression")
				break
			}
			sub, serr := compileOperatorExpr(path, nested)
			if serr != nil {
				err = serr
				break
			}
			p = func(doc map[string]interface{}) bool { return !sub(doc) }
		default:
			return nil, pkgerrors.NewUnknownOperator(op)
		}
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}

	return func(doc map[string]interface{}) bool {
		for _, p := range preds {
			if !p(doc) {
				return false
			}
		}
		return true
	}, nil
}

func compileIn(path string, arg interface{}, negate bool) (predicate, error) {
	items, ok := arg.([]interface{})
	if !ok {
		op := "$in"
		if negate {
			op = "$nin"
		}
		return nil, pkgerrors.NewQuery(op + " requires an array")
	}
	base := func(doc map[string]interface{}) bool {
		v, exists := Resolve(doc, path)
		if !exists {
			return false
		}
		for _, item := range items {
			if matchEq(v, item) {
				return true
			}
		}
		return false
	}
	if !negate {
		return base, nil
	}
	// $nin also matches documents where the path is absent.
	return func(doc map[string]interface{}) bool { return !base(doc) }, nil
}

// valuePredicate resolves the path and applies fn. When fanOut is set and
// the resolved value is an array, any element matching satisfies the
// predicate, mirroring Mongo's implicit array traversal.
func valuePredicate(path string, fanOut bool, fn func(interface{}) bool) predicate {
	return func(doc map[string]interface{}) bool {
		v, exists := Resolve(doc, path)
		if !exists {
			return false
		}
		if fn(v) {
			return true
		}
		if !fanOut {
			return false
		}
		if arr, ok := v.([]interface{}); ok {
			for _, elem := range arr {
				if fn(elem) {
					return true
				}
			}
		}
		return false
	}
}

func comparePredicate(path string, arg interface{}, accept func(int) bool) predicate {
	return valuePredicate(path, true, func(v interface{}) bool {
		c, ok := Compare(v, arg)
		return ok && accept(c)
	})
}

// Resolve walks a dot-notation path through nested mappings; integer
// path segments index into arrays. A missing intermediate resolves as
// "does not exist".
func Resolve(doc map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = doc
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// matchEq is deep equality with numeric type coercion: 5 == 5.0.
func matchEq(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !matchEq(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bv2, ok := bv[k]
			if !ok || !matchEq(v, bv2) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders two values of a comparable kind. Incomparable kinds
// return ok=false, which comparison operators treat as a non-match.
func Compare(a, b interface{}) (int, bool) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case ab == bb:
			return 0, true
		case !ab:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1"
	default:
		f, ok := toFloat(v)
		return ok && f != 0
	}
}

func asQuery(v interface{}) Query {
	if q, ok := v.(Query); ok {
		return q
	}
	if m, ok := v.(map[string]interface{}); ok {
		return Query(m)
	}
	return Query{}
}

// operatorExpr reports whether cond is an operator expression: a mapping
// whose every key starts with $.
func operatorExpr(cond interface{}) (map[string]interface{}, bool) {
	m, ok := cond.(map[string]interface{})
	if !ok || len(m) == 0 {
		if q, ok := cond.(Query); ok && len(q) > 0 {
			m = map[string]interface{}(q)
		} else {
			return nil, false
		}
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func typeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		if _, ok := toFloat(v); ok {
			return "number"
		}
		return "unknown"
	}
}

// canonicalType folds Mongo numeric aliases into the JSON type family.
func canonicalType(name string) string {
	switch name {
	case "double", "int", "long", "decimal", "number":
		return "number"
	case "boolean", "bool":
		return "bool"
	}
	return name
}

// compileRegex builds the matcher for $regex honoring $options i, m, s
// and x. The x option strips unescaped whitespace and # comments the way
// free-spacing mode does.
func compileRegex(pattern, options string) (*regexp.Regexp, error) {
	var flags strings.Builder
	extended := false
	for _, opt := range options {
		switch opt {
		case 'i', 'm', 's':
			flags.WriteRune(opt)
		case 'x':
			extended = true
		default:
			return nil, pkgerrors.NewQuery("unsupported $options flag: " + string(opt))
		}
	}
	if extended {
		pattern = stripExtended(pattern)
	}
	var re *regexp.Regexp
	var err error
	if flags.Len() > 0 {
		// Inline flag groups are not POSIX syntax; i/m/s switch the
		// pattern to Go's regexp syntax.
		re, err = regexp.Compile("(?" + flags.String() + ")" + pattern)
	} else {
		re, err = regexp.CompilePOSIX(pattern)
	}
	if err != nil {
		return nil, pkgerrors.NewQuery("invalid $regex pattern: " + err.Error())
	}
	return re, nil
}

func stripExtended(pattern string) string {
	var out strings.Builder
	inClass := false
	escaped := false
	comment := false
	for _, r := range pattern {
		if comment {
			if r == '\n' {
				comment = false
			}
			continue
		}
		if escaped {
			out.WriteRune('\\')
			out.WriteRune(r)
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '[':
			inClass = true
			out.WriteRune(r)
		case ']':
			inClass = false
			out.WriteRune(r)
		case '#':
			if inClass {
				out.WriteRune(r)
			} else {
				comment = true
			}
		case ' ', '\t', '\n', '\r':
			if inClass {
				out.WriteRune(r)
			}
		default:
			out.WriteRune(r)
		}
	}
	return out.String()
}
