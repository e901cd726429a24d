package query

import (
	"strings"

	pkgerrors "weaver/pkg/errors"
)

// Update is an update document: a mapping of update operators to
// field/value entries, e.g. {"$set": {"context.name": "x"}}.
type Update map[string]interface{}

// Apply mutates doc according to the update operators. Supported:
// $set, $unset, $inc, $mul, $push, $pull. Intermediate maps are created
// on demand for dot paths.
func Apply(doc map[string]interface{}, update Update) error {
	for op, raw := range update {
		fields, ok := raw.(map[string]interface{})
		if !ok {
			return pkgerrors.NewQuery(op + " requires a field/value mapping")
		}
		for path, value := range fields {
			switch op {
			case "$set":
				setPath(doc, path, value)
			case "$unset":
				unsetPath(doc, path)
			case "$inc", "$mul":
				delta, ok := toFloat(value)
				if !ok {
					return pkgerrors.NewQuery(op + " requires a numeric operand")
				}
				current, _ := toFloat(getOrZero(doc, path))
				if op == "$inc" {
					setPath(doc, path, current+delta)
				} else {
					setPath(doc, path, current*delta)
				}
			case "$push":
				arr := toArray(doc, path)
				setPath(doc, path, append(arr, value))
			case "$pull":
				arr := toArray(doc, path)
				kept := make([]interface{}, 0, len(arr))
				cond, isExpr := operatorExpr(value)
				var pred predicate
				if isExpr {
					sub, err := compileOperatorExpr("v", cond)
					if err != nil {
						return err
					}
					pred = sub
				}
				for _, elem := range arr {
					remove := false
					if pred != nil {
						remove = pred(map[string]interface{}{"v": elem})
					} else {
						remove = matchEq(elem, value)
					}
					if !remove {
						kept = append(kept, elem)
					}
				}
				setPath(doc, path, kept)
			default:
				return pkgerrors.NewUnknownOperator(op)
			}
		}
	}
	return nil
}

func getOrZero(doc map[string]interface{}, path string) interface{} {
	v, ok := Resolve(doc, path)
	if !ok {
		return float64(0)
	}
	return v
}

func toArray(doc map[string]interface{}, path string) []interface{} {
	v, ok := Resolve(doc, path)
	if !ok {
		return nil
	}
	arr, _ := v.([]interface{})
	return arr
}

func setPath(doc map[string]interface{}, path string, value interface{}) {
	segments := strings.Split(path, ".")
	current := doc
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[segment] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
}

func unsetPath(doc map[string]interface{}, path string) {
	segments := strings.Split(path, ".")
	current := doc
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]interface{})
		if !ok {
			return
		}
		current = next
	}
	delete(current, segments[len(segments)-1])
}
