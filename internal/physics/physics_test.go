package physics

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func TestGridInsertAndQuery(t *testing.T) {
	grid := NewGrid(100, 10)
	grid.InsertBox(-5, -5, 5, 5, 1)

	found := false
	for _, h := range grid.QueryBuf(0, 0, 1, 1, nil) {
		if h == 1 {
			found = true
		}
	}
	if !found {
		t.Error("expected to find box near origin")
	}

	for _, h := range grid.QueryBuf(60, 60, 70, 70, nil) {
		if h == 1 {
			t.Error("should not find box far away")
		}
	}
}

func TestGridClear(t *testing.T) {
	grid := NewGrid(100, 10)
	grid.InsertBox(0, 0, 1, 1, 7)
	grid.Clear()

	if got := grid.QueryBuf(-100, -100, 100, 100, nil); len(got) != 0 {
		t.Errorf("expected 0 results after clear, got %d", len(got))
	}
}

func TestGridBoundaryClamp(t *testing.T) {
	grid := NewGrid(50, 10)
	grid.InsertBox(-500, -500, -490, -490, 3)

	found := false
	for _, h := range grid.QueryBuf(-50, -50, -45, -45, nil) {
		if h == 3 {
			found = true
		}
	}
	if !found {
		t.Error("expected box outside the grid to clamp into the edge cell")
	}
}

func TestOverlaps(t *testing.T) {
	a := NewStatic(mgl64.Vec3{0, 0, 0}, mgl64.Vec3{1, 1, 1})
	b := NewStatic(mgl64.Vec3{1.5, 0, 0}, mgl64.Vec3{1, 1, 1})
	c := NewStatic(mgl64.Vec3{3, 0, 0}, mgl64.Vec3{1, 1, 1})
	d := NewStatic(mgl64.Vec3{2, 0, 0}, mgl64.Vec3{1, 1, 1})

	if !Overlaps(a.Min(), a.Max(), b.Min(), b.Max()) {
		t.Error("boxes should overlap")
	}
	if Overlaps(a.Min(), a.Max(), c.Min(), c.Max()) {
		t.Error("boxes should not overlap")
	}
	if !Overlaps(a.Min(), a.Max(), d.Min(), d.Max()) {
		t.Error("touching boxes should overlap")
	}
}

func TestPenetrationPicksShallowestAxis(t *testing.T) {
	ground := NewStatic(mgl64.Vec3{0, 0, 0}, mgl64.Vec3{40, 0.1, 40})
	box := NewDynamic(mgl64.Vec3{0, 5.05, 0}, mgl64.Vec3{5, 5, 5}, 1)

	normal, depth, ok := Penetration(box, ground)
	if !ok {
		t.Fatal("expected penetration")
	}
	if normal != (mgl64.Vec3{0, 1, 0}) {
		t.Errorf("expected +Y normal, got %v", normal)
	}
	if math.Abs(depth-0.05) > 1e-9 {
		t.Errorf("expected depth 0.05, got %f", depth)
	}
}

func TestBodySetHandlesNotReused(t *testing.T) {
	set := NewBodySet()
	h1 := set.Insert(NewStatic(mgl64.Vec3{}, mgl64.Vec3{1, 1, 1}))
	set.Remove(h1)
	h2 := set.Insert(NewStatic(mgl64.Vec3{}, mgl64.Vec3{1, 1, 1}))

	if h1 == h2 {
		t.Fatalf("handle %d reused", h1)
	}
	if _, ok := set.Get(h1); ok {
		t.Error("removed handle should not resolve")
	}
	if set.Len() != 1 {
		t.Errorf("expected 1 live body, got %d", set.Len())
	}
	if _, ok := set.Get(0); ok {
		t.Error("zero handle should never resolve")
	}
}

func TestStepFreeFall(t *testing.T) {
	ctx := NewContext(mgl64.Vec3{0, -9.81, 0}, DefaultParams())
	set := NewBodySet()
	h := set.Insert(NewDynamic(mgl64.Vec3{0, 20, 0}, mgl64.Vec3{5, 5, 5}, 20))

	for i := 0; i < 125; i++ {
		Step(ctx, set)
	}
	b, _ := set.Get(h)

	// One second of fall: v = g*t, y drop close to g*t^2/2.
	if math.Abs(b.LinVel.Y()+9.81) > 1e-6 {
		t.Errorf("expected vy -9.81 after 1s, got %f", b.LinVel.Y())
	}
	if b.Position.Y() > 20-4.8 || b.Position.Y() < 20-5.0 {
		t.Errorf("unexpected height after 1s: %f", b.Position.Y())
	}
	if ctx.Steps() != 125 {
		t.Errorf("expected 125 steps, got %d", ctx.Steps())
	}
}

func TestStepRestsOnGround(t *testing.T) {
	ctx := NewContext(mgl64.Vec3{0, -9.81, 0}, DefaultParams())
	set := NewBodySet()
	set.Insert(NewStatic(mgl64.Vec3{}, mgl64.Vec3{40, 0.1, 40}))
	h := set.Insert(NewDynamic(mgl64.Vec3{0, 20, 0}, mgl64.Vec3{5, 5, 5}, 20))

	for i := 0; i < 500; i++ {
		Step(ctx, set)
	}
	b, _ := set.Get(h)

	if math.Abs(b.Position.Y()-5.1) > 0.01 {
		t.Errorf("expected body resting at 5.1, got %f", b.Position.Y())
	}
	if len(ctx.Contacts()) != 1 {
		t.Errorf("expected 1 contact, got %d", len(ctx.Contacts()))
	}
}

func TestStepIntegratesOrientation(t *testing.T) {
	params := DefaultParams()
	params.AngularDamping = 0
	ctx := NewContext(mgl64.Vec3{}, params)
	set := NewBodySet()
	h := set.Insert(NewDynamic(mgl64.Vec3{}, mgl64.Vec3{1, 1, 1}, 1))
	b, _ := set.Get(h)
	b.AngVel = mgl64.Vec3{0, math.Pi / 2, 0}

	for i := 0; i < 125; i++ {
		Step(ctx, set)
	}

	if l := b.Orientation.Len(); math.Abs(l-1) > 1e-9 {
		t.Errorf("orientation should stay unit length, got %f", l)
	}
	// A quarter turn about +Y maps +X to roughly -Z.
	v := b.Orientation.Rotate(mgl64.Vec3{1, 0, 0})
	if math.Abs(v.Z()+1) > 0.01 {
		t.Errorf("expected +X rotated to -Z, got %v", v)
	}
}

func TestTeleportPreservesOrientation(t *testing.T) {
	b := NewDynamic(mgl64.Vec3{1, -50, 1}, mgl64.Vec3{1, 1, 1}, 1)
	b.Orientation = mgl64.QuatRotate(0.3, mgl64.Vec3{0, 1, 0})
	b.LinVel = mgl64.Vec3{1, -30, 2}
	before := b.Orientation

	b.Teleport(mgl64.Vec3{0, 20, 0})

	if b.Position != (mgl64.Vec3{0, 20, 0}) {
		t.Errorf("unexpected position %v", b.Position)
	}
	if b.LinVel != (mgl64.Vec3{}) {
		t.Errorf("expected zero linear velocity, got %v", b.LinVel)
	}
	if b.Orientation != before {
		t.Error("orientation should be preserved")
	}
}
