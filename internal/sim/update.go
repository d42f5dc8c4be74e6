package sim

import (
	"github.com/go-gl/mathgl/mgl64"

	"pawnsim-server/internal/world"
)

// SpatialSnapshot is one tracked body's pose when a tick completed.
type SpatialSnapshot struct {
	ID          world.BodyID
	Position    mgl64.Vec3
	Orientation mgl64.Quat
}

// SimulationUpdate is what the loop publishes once per tick. Updates are
// shared between subscribers and must be treated as read-only.
type SimulationUpdate struct {
	Tick      uint64
	Snapshots []SpatialSnapshot
	// Terminal marks the last update of a run. It carries no snapshots.
	Terminal bool
}
