package physics

import "github.com/go-gl/mathgl/mgl64"

// Step advances every dynamic body in set by one ctx.Params.Dt.
func Step(ctx *Context, set *BodySet) {
	dt := ctx.Params.Dt
	ctx.contacts = ctx.contacts[:0]
	ctx.syncStatics(set)

	set.Each(func(h Handle, b *Body) {
		if b.Kind != Dynamic {
			return
		}
		b.LinVel = b.LinVel.Add(ctx.Gravity.Mul(dt))
		if d := ctx.Params.LinearDamping; d > 0 {
			b.LinVel = b.LinVel.Mul(damp(d, dt))
		}
		if d := ctx.Params.AngularDamping; d > 0 {
			b.AngVel = b.AngVel.Mul(damp(d, dt))
		}
		b.Position = b.Position.Add(b.LinVel.Mul(dt))
		b.Orientation = integrateOrientation(b.Orientation, b.AngVel, dt)

		lo, hi := b.Min(), b.Max()
		ctx.candidates = ctx.grid.QueryBuf(lo.X(), lo.Z(), hi.X(), hi.Z(), ctx.candidates[:0])
		for i, sh := range ctx.candidates {
			if seenBefore(ctx.candidates[:i], sh) {
				continue
			}
			s, ok := set.Get(sh)
			if !ok || s.Kind != Static {
				continue
			}
			if Overlaps(b.Min(), b.Max(), s.Min(), s.Max()) {
				resolve(ctx, h, b, sh, s)
			}
		}
	})
	ctx.steps++
}

// syncStatics rebuilds the grid whenever the set's body count changed.
// Static bodies are not expected to move.
func (ctx *Context) syncStatics(set *BodySet) {
	version := len(set.bodies)<<16 | set.live
	if version == ctx.gridVersion {
		return
	}
	ctx.grid.Clear()
	set.Each(func(h Handle, b *Body) {
		if b.Kind != Static {
			return
		}
		lo, hi := b.Min(), b.Max()
		ctx.grid.InsertBox(lo.X(), lo.Z(), hi.X(), hi.Z(), h)
	})
	ctx.gridVersion = version
}

func seenBefore(prefix []Handle, h Handle) bool {
	for _, p := range prefix {
		if p == h {
			return true
		}
	}
	return false
}

func damp(rate, dt float64) float64 {
	f := 1 - rate*dt
	if f < 0 {
		return 0
	}
	return f
}

// integrateOrientation applies q' = q + dt/2 * (0, w) * q and renormalizes.
func integrateOrientation(q mgl64.Quat, w mgl64.Vec3, dt float64) mgl64.Quat {
	if w.Len() == 0 {
		return q
	}
	spin := mgl64.Quat{W: 0, V: w}.Mul(q).Scale(0.5 * dt)
	return q.Add(spin).Normalize()
}
