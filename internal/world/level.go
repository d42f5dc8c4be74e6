package world

import (
	"fmt"
	"sort"

	"github.com/go-gl/mathgl/mgl64"

	"pawnsim-server/internal/physics"
)

// Level geometry (half extents)
var (
	GroundHalfExtents = mgl64.Vec3{40, 0.1, 40}
	PawnHalfExtents   = mgl64.Vec3{5, 5, 5}
	PawnStart         = mgl64.Vec3{0, 20, 0}
)

const PawnMass = 20.0

// Level populates a fresh registry.
type Level interface {
	Name() string
	Populate(r *Registry)
}

type levelFunc struct {
	name     string
	populate func(r *Registry)
}

func (l levelFunc) Name() string         { return l.name }
func (l levelFunc) Populate(r *Registry) { l.populate(r) }

// LevelOne is a ground slab with one controlled pawn dropped onto it.
var LevelOne Level = levelFunc{name: "level_one", populate: func(r *Registry) {
	r.AddStatic(physics.NewStatic(mgl64.Vec3{}, GroundHalfExtents))
	r.AddTracked(physics.NewDynamic(PawnStart, PawnHalfExtents, PawnMass), true)
}}

// Void holds a single controlled pawn and no geometry.
var Void Level = levelFunc{name: "void", populate: func(r *Registry) {
	r.AddTracked(physics.NewDynamic(PawnStart, PawnHalfExtents, PawnMass), true)
}}

var levels = map[string]Level{
	LevelOne.Name(): LevelOne,
	Void.Name():     Void,
}

// LookupLevel returns the level registered under name.
func LookupLevel(name string) (Level, error) {
	l, ok := levels[name]
	if !ok {
		return nil, fmt.Errorf("unknown level %q (have %v)", name, LevelNames())
	}
	return l, nil
}

// LevelNames lists registered level names.
func LevelNames() []string {
	names := make([]string, 0, len(levels))
	for name := range levels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build creates a registry populated by l.
func Build(l Level) *Registry {
	r := NewRegistry()
	l.Populate(r)
	return r
}
