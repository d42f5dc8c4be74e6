// Package sim is the scheduling core: a fixed-rate physics loop fed by a
// bounded instruction queue and publishing to a lag-aware broadcast hub.
package sim

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"pawnsim-server/internal/physics"
	"pawnsim-server/internal/world"
)

const (
	DefaultUpdatePeriod      = 8 * time.Millisecond
	DefaultInstructionPeriod = 200 * time.Millisecond
	DefaultFloorY            = -10.0
)

// Reasons a run ends.
const (
	ReasonBudget     = "budget"
	ReasonCancelled  = "cancelled"
	ReasonUnobserved = "unobserved"
	ReasonClosed     = "closed"
)

// State is the loop lifecycle. Transitions only move forward.
type State int32

const (
	Idle State = iota
	Running
	Terminating
	Done
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Terminating:
		return "terminating"
	case Done:
		return "done"
	}
	return "idle"
}

// Logger exposes the logging the loop needs.
type Logger interface {
	Printf(format string, args ...any)
}

// LoggerFunc adapts functions into the Logger interface.
type LoggerFunc func(format string, args ...any)

// Printf implements Logger for LoggerFunc.
func (f LoggerFunc) Printf(format string, args ...any) {
	if f == nil {
		return
	}
	f(format, args...)
}

// Config tunes one loop run.
type Config struct {
	UpdatePeriod      time.Duration
	InstructionPeriod time.Duration
	// MaxTicks ends the run after this many ticks. Zero runs until cancelled.
	MaxTicks uint64
	// FloorY is the height below which a controlled body is respawned.
	FloorY  float64
	Limits  Limits
	Gravity mgl64.Vec3
	Physics physics.Params
	Level   world.Level
	// StopWhenUnobserved ends the run once every subscriber has left,
	// after at least one was seen.
	StopWhenUnobserved bool
	Logger             Logger
}

// DefaultConfig returns the stock 125 Hz / 5 Hz configuration.
func DefaultConfig() Config {
	params := physics.DefaultParams()
	params.Dt = DefaultUpdatePeriod.Seconds()
	return Config{
		UpdatePeriod:      DefaultUpdatePeriod,
		InstructionPeriod: DefaultInstructionPeriod,
		FloorY:            DefaultFloorY,
		Limits:            DefaultLimits(),
		Gravity:           mgl64.Vec3{0, -9.81, 0},
		Physics:           params,
		Level:             world.LevelOne,
	}
}

// Hooks observe loop events. They run on the loop goroutine and must not
// block.
type Hooks struct {
	OnInstruction func(ins Instruction, res ApplyResult, err error)
	OnReset       func(id world.BodyID, from mgl64.Vec3)
	AfterTick     func(u SimulationUpdate)
}

// Result summarizes a finished run.
type Result struct {
	Ticks  uint64
	Reason string
}

// Loop drives one simulation run. The registry and physics context it
// builds in Run are owned by the Run goroutine alone.
type Loop struct {
	cfg   Config
	hooks Hooks
	queue *Queue
	hub   *Hub

	state atomic.Int32
	ticks atomic.Uint64
}

// NewLoop wires a loop to its intake queue and broadcast hub.
func NewLoop(cfg Config, queue *Queue, hub *Hub, hooks Hooks) *Loop {
	if cfg.UpdatePeriod <= 0 {
		cfg.UpdatePeriod = DefaultUpdatePeriod
	}
	if cfg.InstructionPeriod <= 0 {
		cfg.InstructionPeriod = DefaultInstructionPeriod
	}
	if cfg.Level == nil {
		cfg.Level = world.LevelOne
	}
	return &Loop{cfg: cfg, hooks: hooks, queue: queue, hub: hub}
}

// State reports the lifecycle state.
func (l *Loop) State() State { return State(l.state.Load()) }

// Ticks reports completed ticks.
func (l *Loop) Ticks() uint64 { return l.ticks.Load() }

// Queue returns the intake queue.
func (l *Loop) Queue() *Queue { return l.queue }

// Hub returns the broadcast hub.
func (l *Loop) Hub() *Hub { return l.hub }

// Run builds the world and ticks until the budget is spent, ctx ends, or
// publishing fails. It always finishes by publishing exactly one terminal
// update. A nil error means the run ended normally.
func (l *Loop) Run(ctx context.Context) (Result, error) {
	if !l.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return Result{}, ErrAlreadyStarted
	}
	defer l.queue.Close()

	r := newRun(l.cfg)
	update := time.NewTicker(l.cfg.UpdatePeriod)
	defer update.Stop()
	instr := time.NewTicker(l.cfg.InstructionPeriod)
	defer instr.Stop()

	reason, err := l.drive(ctx, r, update.C, instr.C)

	l.state.Store(int32(Terminating))
	if _, perr := l.hub.Publish(SimulationUpdate{Tick: r.tick, Terminal: true}); perr != nil && err == nil {
		err = fmt.Errorf("publish terminal update: %w", perr)
	}
	l.state.Store(int32(Done))
	l.logf("[sim] run finished after %d ticks: %s", r.tick, reason)
	return Result{Ticks: r.tick, Reason: reason}, err
}

// drive is the timer wait. The update timer wins ties with the
// instruction timer so instruction handling never delays a tick.
func (l *Loop) drive(ctx context.Context, r *run, updateC, instrC <-chan time.Time) (string, error) {
	for {
		if l.cfg.MaxTicks > 0 && r.tick >= l.cfg.MaxTicks {
			return ReasonBudget, nil
		}
		select {
		case <-ctx.Done():
			return ReasonCancelled, nil
		case <-updateC:
			if reason, err := l.tick(r); reason != "" {
				return reason, err
			}
		case <-instrC:
			select {
			case <-updateC:
				if reason, err := l.tick(r); reason != "" {
					return reason, err
				}
			default:
			}
			l.applyNext(r)
		}
	}
}

// tick steps physics once, respawns fallen bodies and publishes the
// resulting snapshots. A non-empty reason ends the run.
func (l *Loop) tick(r *run) (string, error) {
	physics.Step(r.phys, r.reg.Bodies())
	r.tick++
	l.respawnFallen(r)

	u := r.snapshot()
	n, err := l.hub.Publish(u)
	if err != nil {
		return ReasonClosed, fmt.Errorf("publish tick %d: %w", r.tick, err)
	}
	l.ticks.Store(r.tick)
	if l.hooks.AfterTick != nil {
		l.hooks.AfterTick(u)
	}
	if n > 0 {
		r.observed = true
	} else if r.observed && l.cfg.StopWhenUnobserved {
		return ReasonUnobserved, ErrNoSubscribers
	}
	return "", nil
}

// respawnFallen respawns controlled bodies that fell below the floor. Position
// returns to spawn and linear velocity is zeroed; orientation is kept.
func (l *Loop) respawnFallen(r *run) {
	for _, id := range r.reg.Controlled() {
		b, ok := r.reg.Body(id)
		if !ok || b.Position.Y() >= l.cfg.FloorY {
			continue
		}
		spawn, _ := r.reg.Spawn(id)
		from := b.Position
		b.Teleport(spawn)
		l.logf("[sim] body %d fell to y=%.2f, respawned", id, from.Y())
		if l.hooks.OnReset != nil {
			l.hooks.OnReset(id, from)
		}
	}
}

// applyNext applies at most one queued instruction to the primary
// controlled body. Failures are reported, never fatal.
func (l *Loop) applyNext(r *run) {
	ins, ok := l.queue.TryDequeue()
	if !ok {
		return
	}
	res, err := Capped, error(nil)
	if id, ok := r.reg.Primary(); !ok {
		err = fmt.Errorf("apply %s: no controlled body", ins)
	} else {
		b, _ := r.reg.Body(id)
		res, err = ins.Apply(b, l.cfg.Limits)
	}
	if err != nil {
		l.logf("[sim] instruction rejected: %v", err)
	}
	if l.hooks.OnInstruction != nil {
		l.hooks.OnInstruction(ins, res, err)
	}
}

func (l *Loop) logf(format string, args ...any) {
	if l.cfg.Logger != nil {
		l.cfg.Logger.Printf(format, args...)
	}
}

// run is the state of a single Run: the registry and the physics context.
type run struct {
	reg      *world.Registry
	phys     *physics.Context
	tick     uint64
	observed bool
}

func newRun(cfg Config) *run {
	params := cfg.Physics
	if params.Dt <= 0 {
		params = physics.DefaultParams()
		params.Dt = cfg.UpdatePeriod.Seconds()
	}
	return &run{
		reg:  world.Build(cfg.Level),
		phys: physics.NewContext(cfg.Gravity, params),
	}
}

func (r *run) snapshot() SimulationUpdate {
	ids := r.reg.Tracked()
	snaps := make([]SpatialSnapshot, 0, len(ids))
	for _, id := range ids {
		b, ok := r.reg.Body(id)
		if !ok {
			continue
		}
		snaps = append(snaps, SpatialSnapshot{
			ID:          id,
			Position:    b.Position,
			Orientation: b.Orientation,
		})
	}
	return SimulationUpdate{Tick: r.tick, Snapshots: snaps}
}
