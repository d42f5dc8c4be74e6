// Package physics is a small fixed-step rigid body integrator: gravity,
// semi-implicit Euler integration, quaternion orientation and box
// contacts against static geometry.
package physics

import "github.com/go-gl/mathgl/mgl64"

// Params holds integration parameters.
type Params struct {
	Dt             float64 // seconds per step
	LinearDamping  float64 // fraction of linear velocity removed per second
	AngularDamping float64 // fraction of angular velocity removed per second
	Restitution    float64
	Friction       float64 // fraction of tangential velocity removed per contact
	GridHalfSize   float64
	GridCellSize   float64
}

// DefaultParams matches a 125 Hz step.
func DefaultParams() Params {
	return Params{
		Dt:             1.0 / 125.0,
		LinearDamping:  0,
		AngularDamping: 0.5,
		Restitution:    0,
		Friction:       0.05,
		GridHalfSize:   200,
		GridCellSize:   20,
	}
}

// Context is the session state the step operates on: gravity, integration
// parameters, the static broad-phase grid and contact bookkeeping. A
// Context belongs to exactly one caller and is not safe for concurrent use.
type Context struct {
	Gravity mgl64.Vec3
	Params  Params

	grid        *Grid
	gridVersion int
	contacts    []Contact
	candidates  []Handle
	steps       uint64
}

// NewContext creates a Context with the given gravity and parameters.
func NewContext(gravity mgl64.Vec3, params Params) *Context {
	if params.Dt <= 0 {
		params.Dt = DefaultParams().Dt
	}
	return &Context{
		Gravity:     gravity,
		Params:      params,
		grid:        NewGrid(params.GridHalfSize, params.GridCellSize),
		gridVersion: -1,
	}
}

// Contacts returns the contacts resolved during the last step.
func (c *Context) Contacts() []Contact {
	return c.contacts
}

// Steps returns how many steps have run on this context.
func (c *Context) Steps() uint64 {
	return c.steps
}
