package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"

	"weaver/internal/graph"
	"weaver/internal/walker"
	pkgerrors "weaver/pkg/errors"
)

var fieldValidator = validator.New()

// decodeWalkerBody populates a fresh walker instance from the request
// body according to the class's declared fields: renamed fields read
// their wire name, grouped fields read from the nested group object,
// excluded fields are never read. Returns the start node id when the
// body carries one.
func decodeWalkerBody(info *walker.Info, body []byte) (walker.Walker, string, error) {
	w := info.New()
	raw := map[string]json.RawMessage{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, "", pkgerrors.NewValidation("invalid request body: " + err.Error())
		}
	}

	groups := map[string]map[string]json.RawMessage{}
	wv := reflect.ValueOf(w).Elem()

	for _, f := range info.Fields {
		if f.Endpoint.Exclude {
			continue
		}
		var payload json.RawMessage
		if g := f.Endpoint.Group; g != "" {
			grp, ok := groups[g]
			if !ok {
				grp = map[string]json.RawMessage{}
				if nested, present := raw[g]; present {
					if err := json.Unmarshal(nested, &grp); err != nil {
						return nil, "", pkgerrors.NewValidation(fmt.Sprintf("field group %q must be an object", g))
					}
				}
				groups[g] = grp
			}
			payload = grp[f.WireName()]
		} else {
			payload = raw[f.WireName()]
		}
		if payload == nil {
			continue
		}

		target := wv.FieldByIndex(f.Index)
		if err := json.Unmarshal(payload, target.Addr().Interface()); err != nil {
			return nil, "", pkgerrors.NewValidation(fmt.Sprintf("field %q: %s", f.WireName(), err)).
				WithDetail("field", f.WireName())
		}
	}

	if err := validateWalkerFields(info, wv); err != nil {
		return nil, "", err
	}

	var startNode string
	if sn, ok := raw["start_node"]; ok {
		if err := json.Unmarshal(sn, &startNode); err != nil {
			return nil, "", pkgerrors.NewValidation("start_node must be a string id")
		}
	}
	return w, startNode, nil
}

func validateWalkerFields(info *walker.Info, wv reflect.Value) error {
	for _, f := range info.Fields {
		if f.Validate == "" || f.Endpoint.Exclude {
			continue
		}
		value := wv.FieldByIndex(f.Index).Interface()
		if err := fieldValidator.Var(value, f.Validate); err != nil {
			return pkgerrors.NewValidation(fmt.Sprintf("field %q fails %q", f.WireName(), f.Validate)).
				WithDetail("field", f.WireName()).
				WithDetail("constraint", f.Validate)
		}
	}
	return nil
}

// FieldDoc is one request-body field in the endpoint documentation.
type FieldDoc struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Group    string `json:"group,omitempty"`
	Validate string `json:"validate,omitempty"`
}

// walkerSchema lists the documented body fields of a walker endpoint.
// Hidden fields are accepted at decode time but not listed here.
func walkerSchema(info *walker.Info) []FieldDoc {
	docs := make([]FieldDoc, 0, len(info.Fields))
	for _, f := range info.Fields {
		if f.Endpoint.Exclude || f.Endpoint.Hidden {
			continue
		}
		ft := info.Type.FieldByIndex(f.Index).Type
		docs = append(docs, FieldDoc{
			Name:     f.WireName(),
			Type:     typeLabel(ft),
			Group:    f.Endpoint.Group,
			Validate: f.Validate,
		})
	}
	return docs
}

func typeLabel(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	case reflect.Ptr:
		return typeLabel(t.Elem())
	default:
		return t.Kind().String()
	}
}

// resolveStartNode loads a body-provided start node, defaulting to the
// persisted root when the id is empty.
func resolveStartNode(ctx context.Context, gctx *graph.Context, id string) (graph.NodeEntity, error) {
	if id == "" {
		return nil, nil // engine defaults to root
	}
	kind, _, ok := graph.ParseID(id)
	if !ok || kind != graph.KindNode {
		return nil, pkgerrors.NewValidation("start_node must be a node id")
	}
	doc, err := gctx.Store().Get(ctx, "node", id)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "load start node")
	}
	if doc == nil {
		return nil, pkgerrors.NewNotFound("start node not found").WithDetail("id", id)
	}
	return graph.DecodeNode(doc)
}
