package physics

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Contact records one resolved dynamic/static overlap.
type Contact struct {
	Body   Handle
	Other  Handle
	Normal mgl64.Vec3
	Depth  float64
}

// Overlaps checks if two axis-aligned boxes intersect. Touching counts.
func Overlaps(aMin, aMax, bMin, bMax mgl64.Vec3) bool {
	for i := 0; i < 3; i++ {
		if aMax[i] < bMin[i] || bMax[i] < aMin[i] {
			return false
		}
	}
	return true
}

// Penetration returns the axis of least overlap between a and b, the
// outward normal for a along it, and the depth. ok is false when the
// boxes do not strictly overlap.
func Penetration(a, b *Body) (normal mgl64.Vec3, depth float64, ok bool) {
	aMin, aMax := a.Min(), a.Max()
	bMin, bMax := b.Min(), b.Max()
	depth = math.Inf(1)
	for i := 0; i < 3; i++ {
		lo := aMax[i] - bMin[i]
		hi := bMax[i] - aMin[i]
		if lo <= 0 || hi <= 0 {
			return mgl64.Vec3{}, 0, false
		}
		if lo < depth {
			depth = lo
			normal = mgl64.Vec3{}
			normal[i] = -1
		}
		if hi < depth {
			depth = hi
			normal = mgl64.Vec3{}
			normal[i] = 1
		}
	}
	return normal, depth, true
}

// resolve pushes dynamic body a out of static b along the contact normal
// and removes the velocity component driving into b.
func resolve(ctx *Context, ha Handle, a *Body, hb Handle, b *Body) {
	normal, depth, ok := Penetration(a, b)
	if !ok {
		return
	}
	a.Position = a.Position.Add(normal.Mul(depth))
	if vn := a.LinVel.Dot(normal); vn < 0 {
		a.LinVel = a.LinVel.Sub(normal.Mul(vn * (1 + ctx.Params.Restitution)))
		tangent := a.LinVel.Sub(normal.Mul(a.LinVel.Dot(normal)))
		a.LinVel = a.LinVel.Sub(tangent.Mul(ctx.Params.Friction))
	}
	ctx.contacts = append(ctx.contacts, Contact{Body: ha, Other: hb, Normal: normal, Depth: depth})
}
