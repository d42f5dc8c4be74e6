package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pawnsim-server/internal/sim"
	"pawnsim-server/internal/world"
)

const tracerName = "pawnsim-server"

// Run is one simulation run and the channels transports attach to.
type Run struct {
	ID      string
	Level   string
	Started time.Time
	Queue   *sim.Queue
	Updates *sim.Hub
	Loop    *sim.Loop
}

// Supervisor owns the sequence of simulation runs. Exactly one run is
// current at a time; transports resolve it on every new connection.
type Supervisor struct {
	cfg     Config
	simCfg  sim.Config
	policy  sim.OverflowPolicy
	db      *DB
	journal *Journal
	tracer  trace.Tracer

	mu       sync.RWMutex
	current  *Run
	finished int
	last     sim.Result
}

// NewSupervisor prepares the first run. db and journal may be nil.
func NewSupervisor(cfg Config, db *DB, journal *Journal) (*Supervisor, error) {
	simCfg, err := cfg.SimConfig()
	if err != nil {
		return nil, err
	}
	policy, err := sim.ParseOverflowPolicy(cfg.QueuePolicy)
	if err != nil {
		return nil, err
	}
	simCfg.Logger = sim.LoggerFunc(log.Printf)
	if journal == nil {
		journal = NewJournal(nil)
	}
	s := &Supervisor{
		cfg:     cfg,
		simCfg:  simCfg,
		policy:  policy,
		db:      db,
		journal: journal,
		tracer:  otel.Tracer(tracerName),
	}
	s.current = s.newRun()
	return s, nil
}

func (s *Supervisor) newRun() *Run {
	r := &Run{
		ID:      NewID(),
		Level:   s.simCfg.Level.Name(),
		Started: time.Now(),
		Queue:   sim.NewQueue(s.cfg.QueueCapacity, s.policy),
		Updates: sim.NewHub(s.cfg.HubRetention),
	}
	r.Loop = sim.NewLoop(s.simCfg, r.Queue, r.Updates, s.hooks(r))
	return r
}

func (s *Supervisor) hooks(r *Run) sim.Hooks {
	return sim.Hooks{
		OnInstruction: func(ins sim.Instruction, res sim.ApplyResult, err error) {
			evt := EvtInstructionApplied
			data := map[string]string{"instruction": ins.String()}
			switch {
			case err != nil:
				evt = EvtInstructionRejected
				data["error"] = err.Error()
			case res == sim.Capped:
				evt = EvtInstructionCapped
			}
			s.journal.Track(evt, r.ID, "", data)
		},
		OnReset: func(id world.BodyID, from mgl64.Vec3) {
			s.journal.Track(EvtFloorReset, r.ID, "", map[string]any{"body": id, "y": from.Y()})
		},
	}
}

// Current returns the run new connections should attach to.
func (s *Supervisor) Current() *Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Finished reports completed runs and the result of the latest one.
func (s *Supervisor) Finished() (int, sim.Result) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finished, s.last
}

// Run executes runs until ctx ends. Without restart-on-exit it returns
// after the first run; otherwise each finished run is replaced by a fresh
// one with its own queue and hub.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		r := s.Current()
		_, err := s.execute(ctx, r)
		if ctx.Err() != nil || !s.cfg.RestartOnExit {
			return err
		}
		if err != nil {
			log.Printf("[sim] run %s failed: %v, restarting", r.ID, err)
		}
		next := s.newRun()
		s.mu.Lock()
		s.current = next
		s.mu.Unlock()
	}
}

func (s *Supervisor) execute(ctx context.Context, r *Run) (sim.Result, error) {
	ctx, span := s.tracer.Start(ctx, "simulation.run", trace.WithAttributes(
		attribute.String("run.id", r.ID),
		attribute.String("run.level", r.Level),
	))
	defer span.End()

	if s.db != nil {
		if err := s.db.StartRun(r.ID, r.Level, r.Started); err != nil {
			log.Printf("[journal] start run %s: %v", r.ID, err)
		}
	}
	s.journal.Track(EvtRunStart, r.ID, "", map[string]any{"level": r.Level, "max_ticks": s.simCfg.MaxTicks})

	var wg sync.WaitGroup
	if s.cfg.RecordDir != "" {
		// Passive so a recording never keeps an unobserved run alive.
		sub, err := r.Updates.SubscribePassive()
		if err != nil {
			log.Printf("[sim] recorder subscribe: %v", err)
		} else {
			rec := NewRecorder(s.cfg.RecordDir)
			wg.Add(1)
			go func() {
				defer wg.Done()
				// The hub always closes at run end, so the recorder needs no
				// cancellation of its own.
				n, err := rec.Record(context.Background(), r.ID, sub)
				if err != nil {
					log.Printf("[sim] recorder for run %s: %v", r.ID, err)
				}
				log.Printf("[sim] recorded %d updates to %s", n, rec.Path(r.ID))
			}()
		}
	}

	log.Printf("[sim] run %s started on %s", r.ID, r.Level)
	res, err := r.Loop.Run(ctx)
	wg.Wait()

	span.SetAttributes(
		attribute.Int64("run.ticks", int64(res.Ticks)),
		attribute.String("run.reason", res.Reason),
	)
	if err != nil && !errors.Is(err, sim.ErrNoSubscribers) {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}

	if s.db != nil {
		if ferr := s.db.FinishRun(r.ID, res.Ticks, res.Reason, time.Now()); ferr != nil {
			log.Printf("[journal] finish run %s: %v", r.ID, ferr)
		}
	}
	data := map[string]any{"ticks": res.Ticks, "reason": res.Reason}
	if err != nil {
		data["error"] = err.Error()
	}
	s.journal.Track(EvtRunEnd, r.ID, "", data)

	s.mu.Lock()
	s.finished++
	s.last = res
	s.mu.Unlock()

	if err != nil {
		return res, fmt.Errorf("run %s: %w", r.ID, err)
	}
	return res, nil
}
