package graph

import (
	"encoding/json"

	"weaver/internal/storage"
	pkgerrors "weaver/pkg/errors"
)

// Structural keys live at the top of the persisted document; every
// other field is user data and belongs under the context sub-document.
var structuralKeys = map[Kind][]string{
	KindNode: {"id", "edge_ids"},
	KindEdge: {"id", "source", "target", "direction"},
}

// ToDocument flattens an entity into its persisted shape: structural
// fields at the top level, declared fields under "context".
func ToDocument(e Entity) (storage.Document, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, pkgerrors.NewInternal("entity not serializable", err)
	}
	var flat map[string]interface{}
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, pkgerrors.NewInternal("entity not serializable", err)
	}

	doc := storage.Document{}
	for _, key := range structuralKeys[e.Kind()] {
		if v, ok := flat[key]; ok {
			doc[key] = v
			delete(flat, key)
		}
	}
	if _, ok := e.(NodeEntity); ok && doc["edge_ids"] == nil {
		doc["edge_ids"] = []interface{}{}
	}
	doc["context"] = flat
	return doc, nil
}

// FromDocument populates an entity from its persisted shape.
func FromDocument(doc storage.Document, e Entity) error {
	flat := make(map[string]interface{})
	if ctx, ok := doc["context"].(map[string]interface{}); ok {
		for k, v := range ctx {
			flat[k] = v
		}
	}
	for _, key := range structuralKeys[e.Kind()] {
		if v, ok := doc[key]; ok {
			flat[key] = v
		}
	}
	raw, err := json.Marshal(flat)
	if err != nil {
		return pkgerrors.NewInternal("document not serializable", err)
	}
	if err := json.Unmarshal(raw, e); err != nil {
		return pkgerrors.NewInternal("document does not fit entity shape", err)
	}
	return nil
}

// Decode instantiates the registered class named in the document id and
// populates it. Unregistered classes fall back to the base Node or Edge.
func Decode(doc storage.Document) (Entity, error) {
	id, _ := doc["id"].(string)
	kind, class, ok := ParseID(id)
	if !ok {
		return nil, pkgerrors.NewStorage("document has a malformed id", nil).WithDetail("id", id)
	}
	var e Entity
	if info, found := TypeByName(class); found && info.Kind == kind {
		e = info.New()
	} else if kind == KindNode {
		e = &Node{}
	} else {
		e = &Edge{}
	}
	if err := FromDocument(doc, e); err != nil {
		return nil, err
	}
	return e, nil
}

// DecodeNode is Decode narrowed to the node family.
func DecodeNode(doc storage.Document) (NodeEntity, error) {
	e, err := Decode(doc)
	if err != nil {
		return nil, err
	}
	n, ok := e.(NodeEntity)
	if !ok {
		return nil, pkgerrors.NewStorage("document is not a node", nil).WithDetail("id", e.GetID())
	}
	return n, nil
}

// DecodeEdge is Decode narrowed to the edge family.
func DecodeEdge(doc storage.Document) (EdgeEntity, error) {
	e, err := Decode(doc)
	if err != nil {
		return nil, err
	}
	ed, ok := e.(EdgeEntity)
	if !ok {
		return nil, pkgerrors.NewStorage("document is not an edge", nil).WithDetail("id", e.GetID())
	}
	return ed, nil
}
