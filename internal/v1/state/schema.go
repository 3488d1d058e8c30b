// Package state walks entity trees built from signals and buffers their
// change events into a sync cache (broadcast) and a persist cache
// (durability), both keyed by dotted path at the root of the tree.
package state

import (
	"strings"
	"sync"
)

// Delete is the distinguished sentinel denoting key removal in the sync
// protocol. It is never transformed.
const Delete = "$delete"

// FieldKind identifies a field's signal shape.
type FieldKind string

const (
	KindScalar   FieldKind = "scalar"
	KindArray    FieldKind = "array"
	KindMap      FieldKind = "map"
	KindComputed FieldKind = "computed"
)

// FieldRole annotates what the engine should treat a field as.
type FieldRole string

const (
	// RoleSync is the default: a plain synchronized field.
	RoleSync FieldRole = "sync"
	// RoleID marks the field holding the entity key.
	RoleID FieldRole = "id"
	// RoleUsers marks the map of user entities keyed by public id.
	RoleUsers FieldRole = "users"
	// RoleConnected marks the field tracking user liveness.
	RoleConnected FieldRole = "connected"
)

// Field is one entry of an entity's schema descriptor: the field name, its
// signal kind and role, and the signal instance itself. Options live on the
// signal.
type Field struct {
	Name string
	Kind FieldKind
	Role FieldRole
	Sig  any // *signal.Scalar, *signal.Array, *signal.Map or *signal.Computed
}

// Entity is a node of the state tree. Each entity declares its fields in a
// stable order; the engine consults the descriptor at bind time.
type Entity interface {
	Fields() []Field
}

// Node carries the ambient handles every tree node needs: its dotted path
// (empty at the root) and the owning engine whose caches it feeds. Entities
// embed Node; both handles are installed once at bind time.
type Node struct {
	mu     sync.RWMutex
	path   string
	engine *Engine
}

// Path returns the node's dotted location in the tree.
func (n *Node) Path() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.path
}

// Engine returns the engine this node is bound to, or nil before binding.
func (n *Node) Engine() *Engine {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.engine
}

func (n *Node) attach(path string, engine *Engine) {
	n.mu.Lock()
	n.path = path
	n.engine = engine
	n.mu.Unlock()
}

// nodeCarrier is implemented by anything embedding Node.
type nodeCarrier interface {
	attach(path string, engine *Engine)
	Path() string
}

// joinPath concatenates a parent path and a local name with a dot; the root's
// path is empty so root-level fields keep bare names.
func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

// fieldByName finds a schema field by name.
func fieldByName(e Entity, name string) (Field, bool) {
	for _, f := range e.Fields() {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FieldNamed finds a schema field by name.
func FieldNamed(e Entity, name string) (Field, bool) {
	return fieldByName(e, name)
}

// UsersField returns the entity's RoleUsers field, if declared.
func UsersField(e Entity) (Field, bool) {
	return usersField(e)
}

// ConnectedField returns the entity's RoleConnected field, if declared.
func ConnectedField(e Entity) (Field, bool) {
	return connectedField(e)
}

// IDField returns the entity's RoleID field, if declared.
func IDField(e Entity) (Field, bool) {
	return idField(e)
}

// usersField returns the entity's RoleUsers field, if declared.
func usersField(e Entity) (Field, bool) {
	for _, f := range e.Fields() {
		if f.Role == RoleUsers {
			return f, true
		}
	}
	return Field{}, false
}

// connectedField returns the entity's RoleConnected field, if declared.
func connectedField(e Entity) (Field, bool) {
	for _, f := range e.Fields() {
		if f.Role == RoleConnected {
			return f, true
		}
	}
	return Field{}, false
}

// idField returns the entity's RoleID field, if declared.
func idField(e Entity) (Field, bool) {
	for _, f := range e.Fields() {
		if f.Role == RoleID {
			return f, true
		}
	}
	return Field{}, false
}

// hasPathPrefix reports whether p lies strictly under prefix in dotted-path
// terms.
func hasPathPrefix(p, prefix string) bool {
	return strings.HasPrefix(p, prefix+".")
}
