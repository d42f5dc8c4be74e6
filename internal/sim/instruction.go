package sim

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"pawnsim-server/internal/physics"
)

// Instruction is a control command for the controlled body.
type Instruction uint8

const (
	Jump Instruction = iota
	Left
	Right
	Up
	Down
	Cw
	Ccw
)

var instructionNames = [...]string{
	Jump:  "Jump",
	Left:  "Left",
	Right: "Right",
	Up:    "Up",
	Down:  "Down",
	Cw:    "Cw",
	Ccw:   "Ccw",
}

func (i Instruction) String() string {
	if int(i) < len(instructionNames) {
		return instructionNames[i]
	}
	return fmt.Sprintf("Instruction(%d)", uint8(i))
}

// ParseInstruction maps a wire tag onto an Instruction.
func ParseInstruction(tag string) (Instruction, error) {
	for i, name := range instructionNames {
		if name == tag {
			return Instruction(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown tag %q", ErrMalformedInstruction, tag)
}

// MarshalText encodes the wire tag.
func (i Instruction) MarshalText() ([]byte, error) {
	if int(i) >= len(instructionNames) {
		return nil, fmt.Errorf("%w: %d", ErrMalformedInstruction, uint8(i))
	}
	return []byte(instructionNames[i]), nil
}

// UnmarshalText decodes the wire tag.
func (i *Instruction) UnmarshalText(text []byte) error {
	v, err := ParseInstruction(string(text))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// Supported reports whether Apply implements i.
func (i Instruction) Supported() bool {
	switch i {
	case Left, Right, Up, Down, Cw, Ccw:
		return true
	default:
		return false
	}
}

// Limits caps instruction effects.
type Limits struct {
	MaxLinearVel  float64
	MaxAngularVel float64
	LinearStep    float64 // velocity change per application
	AngularStep   float64
}

// DefaultLimits returns the stock velocity caps.
func DefaultLimits() Limits {
	return Limits{
		MaxLinearVel:  10,
		MaxAngularVel: 2 * math.Pi,
		LinearStep:    1,
		AngularStep:   math.Pi / 4,
	}
}

// ApplyResult reports what an accepted instruction did.
type ApplyResult int

const (
	// Applied means the body's velocity changed.
	Applied ApplyResult = iota
	// Capped means the target was already reached or the change would
	// have exceeded the cap, so nothing changed.
	Capped
)

func (r ApplyResult) String() string {
	if r == Capped {
		return "capped"
	}
	return "applied"
}

var (
	axisX = mgl64.Vec3{1, 0, 0}
	axisY = mgl64.Vec3{0, 1, 0}
	axisZ = mgl64.Vec3{0, 0, 1}
)

// Apply adjusts b's velocity for i. Unsupported instructions return
// ErrNotImplemented and leave b untouched.
func (i Instruction) Apply(b *physics.Body, lim Limits) (ApplyResult, error) {
	switch i {
	case Up:
		return nudge(&b.LinVel, axisZ, lim.MaxLinearVel, lim.LinearStep), nil
	case Down:
		return nudge(&b.LinVel, axisZ.Mul(-1), lim.MaxLinearVel, lim.LinearStep), nil
	case Left:
		return nudge(&b.LinVel, axisX.Mul(-1), lim.MaxLinearVel, lim.LinearStep), nil
	case Right:
		return nudge(&b.LinVel, axisX, lim.MaxLinearVel, lim.LinearStep), nil
	case Cw:
		return nudge(&b.AngVel, axisY.Mul(-1), lim.MaxAngularVel, lim.AngularStep), nil
	case Ccw:
		return nudge(&b.AngVel, axisY, lim.MaxAngularVel, lim.AngularStep), nil
	default:
		// Jump needs ground contact state the world does not track yet.
		return Capped, fmt.Errorf("%w: %s", ErrNotImplemented, i)
	}
}

// nudge moves v toward speed max along dir by at most step, and only if
// the resulting speed stays within max.
func nudge(v *mgl64.Vec3, dir mgl64.Vec3, max, step float64) ApplyResult {
	need := max - v.Dot(dir)
	if need <= 0 || step <= 0 {
		return Capped
	}
	next := v.Add(dir.Mul(math.Min(need, step)))
	if next.Len() > max {
		return Capped
	}
	*v = next
	return Applied
}
