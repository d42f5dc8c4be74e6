package physics

import "github.com/go-gl/mathgl/mgl64"

// BodyKind distinguishes integrated bodies from fixed geometry.
type BodyKind int

const (
	Dynamic BodyKind = iota
	Static
)

// Handle is a stable reference into a BodySet. Zero is never issued.
type Handle uint32

// Body is a rigid box. Collision treats it as axis-aligned around
// Position; Orientation is integrated and reported but not used for contacts.
type Body struct {
	Kind        BodyKind
	Position    mgl64.Vec3
	Orientation mgl64.Quat
	LinVel      mgl64.Vec3
	AngVel      mgl64.Vec3
	HalfExtents mgl64.Vec3
	Mass        float64
}

// NewDynamic returns a dynamic box at pos with identity orientation.
func NewDynamic(pos, halfExtents mgl64.Vec3, mass float64) *Body {
	return &Body{
		Kind:        Dynamic,
		Position:    pos,
		Orientation: mgl64.QuatIdent(),
		HalfExtents: halfExtents,
		Mass:        mass,
	}
}

// NewStatic returns a fixed box centered at pos.
func NewStatic(pos, halfExtents mgl64.Vec3) *Body {
	return &Body{
		Kind:        Static,
		Position:    pos,
		Orientation: mgl64.QuatIdent(),
		HalfExtents: halfExtents,
	}
}

// Min returns the lower corner of the body's axis-aligned bounds.
func (b *Body) Min() mgl64.Vec3 {
	return b.Position.Sub(b.HalfExtents)
}

// Max returns the upper corner of the body's axis-aligned bounds.
func (b *Body) Max() mgl64.Vec3 {
	return b.Position.Add(b.HalfExtents)
}

// Teleport moves the body to pos and clears its linear velocity.
// Orientation and angular velocity are left untouched.
func (b *Body) Teleport(pos mgl64.Vec3) {
	b.Position = pos
	b.LinVel = mgl64.Vec3{}
}

// BodySet owns bodies by handle. Handles are never reused, even after Remove.
type BodySet struct {
	bodies []*Body
	live   int
}

// NewBodySet creates an empty set.
func NewBodySet() *BodySet {
	return &BodySet{}
}

// Insert adds b and returns its handle.
func (s *BodySet) Insert(b *Body) Handle {
	s.bodies = append(s.bodies, b)
	s.live++
	return Handle(len(s.bodies))
}

// Get returns the body for h.
func (s *BodySet) Get(h Handle) (*Body, bool) {
	if h == 0 || int(h) > len(s.bodies) {
		return nil, false
	}
	b := s.bodies[h-1]
	return b, b != nil
}

// Remove drops the body for h. The handle stays retired.
func (s *BodySet) Remove(h Handle) {
	if _, ok := s.Get(h); !ok {
		return
	}
	s.bodies[h-1] = nil
	s.live--
}

// Len returns the number of live bodies.
func (s *BodySet) Len() int {
	return s.live
}

// Each calls fn for every live body in handle order.
func (s *BodySet) Each(fn func(Handle, *Body)) {
	for i, b := range s.bodies {
		if b != nil {
			fn(Handle(i+1), b)
		}
	}
}
