// Package world owns the physics bodies of a running simulation and maps
// stable external body ids onto physics handles.
package world

import (
	"sort"

	"github.com/go-gl/mathgl/mgl64"

	"pawnsim-server/internal/physics"
)

// BodyID is the stable external identity reported in snapshots.
// Ids are never reused while the registry lives.
type BodyID int

// Registry is the single owner of world bodies. It is not safe for
// concurrent use; the simulation loop is its only caller.
type Registry struct {
	bodies     *physics.BodySet
	handles    map[BodyID]physics.Handle
	spawns     map[BodyID]mgl64.Vec3
	tracked    []BodyID
	controlled []BodyID
	nextID     BodyID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bodies:  physics.NewBodySet(),
		handles: make(map[BodyID]physics.Handle),
		spawns:  make(map[BodyID]mgl64.Vec3),
		nextID:  1,
	}
}

// AddStatic inserts untracked fixed geometry.
func (r *Registry) AddStatic(b *physics.Body) physics.Handle {
	b.Kind = physics.Static
	return r.bodies.Insert(b)
}

// AddTracked inserts a body that appears in snapshots. Its current
// position becomes its spawn point. Controlled bodies accept instructions.
func (r *Registry) AddTracked(b *physics.Body, controlled bool) BodyID {
	id := r.nextID
	r.nextID++
	r.handles[id] = r.bodies.Insert(b)
	r.spawns[id] = b.Position
	r.tracked = append(r.tracked, id)
	if controlled {
		r.controlled = append(r.controlled, id)
	}
	return id
}

// Remove drops a tracked body. Its id stays retired.
func (r *Registry) Remove(id BodyID) {
	h, ok := r.handles[id]
	if !ok {
		return
	}
	r.bodies.Remove(h)
	delete(r.handles, id)
	delete(r.spawns, id)
	r.tracked = without(r.tracked, id)
	r.controlled = without(r.controlled, id)
}

// Handle returns the physics handle for id.
func (r *Registry) Handle(id BodyID) (physics.Handle, bool) {
	h, ok := r.handles[id]
	return h, ok
}

// Body returns the body for id.
func (r *Registry) Body(id BodyID) (*physics.Body, bool) {
	h, ok := r.Handle(id)
	if !ok {
		return nil, false
	}
	return r.bodies.Get(h)
}

// Spawn returns the spawn position recorded for id.
func (r *Registry) Spawn(id BodyID) (mgl64.Vec3, bool) {
	p, ok := r.spawns[id]
	return p, ok
}

// Tracked returns a copy of the tracked ids in ascending order.
func (r *Registry) Tracked() []BodyID {
	return append([]BodyID(nil), r.tracked...)
}

// Controlled returns a copy of the ids of bodies that accept instructions.
func (r *Registry) Controlled() []BodyID {
	return append([]BodyID(nil), r.controlled...)
}

// Primary returns the designated controlled body: the lowest controlled id.
func (r *Registry) Primary() (BodyID, bool) {
	if len(r.controlled) == 0 {
		return 0, false
	}
	return r.controlled[0], true
}

// Bodies exposes the underlying set for the physics step.
func (r *Registry) Bodies() *physics.BodySet {
	return r.bodies
}

func without(ids []BodyID, id BodyID) []BodyID {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if i < len(ids) && ids[i] == id {
		return append(ids[:i], ids[i+1:]...)
	}
	return ids
}
