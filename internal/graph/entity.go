package graph

import (
	"strings"

	"github.com/google/uuid"
)

// Kind distinguishes the two persisted entity families.
type Kind string

const (
	KindNode Kind = "n"
	KindEdge Kind = "e"
)

// Direction of an edge relative to its source node.
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// RootID is the well-known id of the singleton root node.
const RootID = "n:Root:root"

// Object is the base of every persisted entity. Concrete types embed
// Node or Edge, which embed Object.
type Object struct {
	ID string `json:"id"`
}

func (o *Object) GetID() string   { return o.ID }
func (o *Object) SetID(id string) { o.ID = id }

// Node is the embeddable base for connectable entities. EdgeIDs
// preserves the order in which this node participated in Connect calls.
type Node struct {
	Object
	EdgeIDs []string `json:"edge_ids"`
}

func (n *Node) Kind() Kind      { return KindNode }
func (n *Node) nodeBase() *Node { return n }

// Edge is the embeddable base for typed connections between nodes.
type Edge struct {
	Object
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Direction Direction `json:"direction"`
}

func (e *Edge) Kind() Kind      { return KindEdge }
func (e *Edge) edgeBase() *Edge { return e }

// Root is the singleton traversal origin. Its id is always RootID.
type Root struct {
	Node
}

// Endpoints returns an edge's source and target node ids.
func Endpoints(e EdgeEntity) (source, target string) {
	b := e.edgeBase()
	return b.Source, b.Target
}

// Entity is any persistable graph object.
type Entity interface {
	GetID() string
	SetID(string)
	Kind() Kind
}

// NodeEntity is satisfied by every type embedding Node.
type NodeEntity interface {
	Entity
	nodeBase() *Node
}

// EdgeEntity is satisfied by every type embedding Edge.
type EdgeEntity interface {
	Entity
	edgeBase() *Edge
}

// NewID mints an id in the <kind>:<Class>:<uuid> scheme.
func NewID(kind Kind, class string) string {
	return string(kind) + ":" + class + ":" + uuid.NewString()
}

// ParseID splits an entity id into its kind and class name.
func ParseID(id string) (Kind, string, bool) {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	switch Kind(parts[0]) {
	case KindNode, KindEdge:
		return Kind(parts[0]), parts[1], true
	}
	return "", "", false
}

// IDPrefix is the find prefix for all instances of a class.
func IDPrefix(kind Kind, class string) string {
	return string(kind) + ":" + class + ":"
}

func hasEdgeID(n *Node, id string) bool {
	for _, e := range n.EdgeIDs {
		if e == id {
			return true
		}
	}
	return false
}

func removeEdgeID(n *Node, id string) bool {
	for i, e := range n.EdgeIDs {
		if e == id {
			n.EdgeIDs = append(n.EdgeIDs[:i], n.EdgeIDs[i+1:]...)
			return true
		}
	}
	return false
}
