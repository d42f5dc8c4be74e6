package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"pawnsim-server/internal/sim"
	"pawnsim-server/internal/world"
)

// Config holds process configuration. Values are layered: built-in
// defaults, then the YAML tuning file, then PAWNSIM_* environment
// variables, then command-line flags.
type Config struct {
	HTTPAddr   string `env:"PAWNSIM_HTTP_ADDR" yaml:"-"`
	GRPCAddr   string `env:"PAWNSIM_GRPC_ADDR" yaml:"-"`
	ClientDir  string `env:"PAWNSIM_CLIENT_DIR" yaml:"-"`
	DBPath     string `env:"PAWNSIM_DB_PATH" yaml:"-"`
	RecordDir  string `env:"PAWNSIM_RECORD_DIR" yaml:"-"`
	TuningPath string `env:"PAWNSIM_TUNING" yaml:"-"`

	Level              string        `env:"PAWNSIM_LEVEL" yaml:"level"`
	UpdatePeriod       time.Duration `env:"PAWNSIM_UPDATE_PERIOD" yaml:"update_period"`
	InstructionPeriod  time.Duration `env:"PAWNSIM_INSTRUCTION_PERIOD" yaml:"instruction_period"`
	MaxTicks           uint64        `env:"PAWNSIM_MAX_TICKS" yaml:"max_ticks"`
	FloorY             float64       `env:"PAWNSIM_FLOOR_Y" yaml:"floor_y"`
	QueueCapacity      int           `env:"PAWNSIM_QUEUE_CAPACITY" yaml:"queue_capacity"`
	QueuePolicy        string        `env:"PAWNSIM_QUEUE_POLICY" yaml:"queue_policy"`
	HubRetention       int           `env:"PAWNSIM_HUB_RETENTION" yaml:"hub_retention"`
	MaxLinearVel       float64       `env:"PAWNSIM_MAX_LINEAR_VEL" yaml:"max_linear_vel"`
	MaxAngularVel      float64       `env:"PAWNSIM_MAX_ANGULAR_VEL" yaml:"max_angular_vel"`
	LinearStep         float64       `env:"PAWNSIM_LINEAR_STEP" yaml:"linear_step"`
	AngularStep        float64       `env:"PAWNSIM_ANGULAR_STEP" yaml:"angular_step"`
	StopWhenUnobserved bool          `env:"PAWNSIM_STOP_WHEN_UNOBSERVED" yaml:"stop_when_unobserved"`
	RestartOnExit      bool          `env:"PAWNSIM_RESTART_ON_EXIT" yaml:"restart_on_exit"`

	ControlSecret  string `env:"PAWNSIM_CONTROL_SECRET" yaml:"-"`
	ControlKeyHash string `env:"PAWNSIM_CONTROL_KEY_HASH" yaml:"-"`
	OTelEndpoint   string `env:"PAWNSIM_OTEL_ENDPOINT" yaml:"-"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	lim := sim.DefaultLimits()
	return Config{
		HTTPAddr:          ":8080",
		GRPCAddr:          ":50051",
		DBPath:            "pawnsim.db",
		Level:             world.LevelOne.Name(),
		UpdatePeriod:      sim.DefaultUpdatePeriod,
		InstructionPeriod: sim.DefaultInstructionPeriod,
		FloorY:            sim.DefaultFloorY,
		QueueCapacity:     sim.DefaultQueueCapacity,
		QueuePolicy:       sim.Reject.String(),
		HubRetention:      sim.DefaultRetention,
		MaxLinearVel:      lim.MaxLinearVel,
		MaxAngularVel:     lim.MaxAngularVel,
		LinearStep:        lim.LinearStep,
		AngularStep:       lim.AngularStep,
	}
}

func bindFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC listen address (empty disables)")
	fs.StringVar(&cfg.ClientDir, "client", cfg.ClientDir, "Path to static client directory")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite journal path (empty disables)")
	fs.StringVar(&cfg.RecordDir, "record", cfg.RecordDir, "Directory for compressed update recordings (empty disables)")
	fs.StringVar(&cfg.TuningPath, "tuning", cfg.TuningPath, "YAML tuning file")
	fs.StringVar(&cfg.Level, "level", cfg.Level, "Level to simulate ("+strings.Join(world.LevelNames(), ", ")+")")
	fs.DurationVar(&cfg.UpdatePeriod, "update-period", cfg.UpdatePeriod, "Physics tick period")
	fs.DurationVar(&cfg.InstructionPeriod, "instruction-period", cfg.InstructionPeriod, "Instruction application period")
	fs.Uint64Var(&cfg.MaxTicks, "max-ticks", cfg.MaxTicks, "Ticks per run (0 runs until stopped)")
	fs.Float64Var(&cfg.FloorY, "floor", cfg.FloorY, "Height below which the pawn respawns")
	fs.IntVar(&cfg.QueueCapacity, "queue-capacity", cfg.QueueCapacity, "Instruction queue capacity")
	fs.StringVar(&cfg.QueuePolicy, "queue-policy", cfg.QueuePolicy, "Full queue policy (reject, block)")
	fs.IntVar(&cfg.HubRetention, "hub-retention", cfg.HubRetention, "Updates retained for slow subscribers")
	fs.Float64Var(&cfg.MaxLinearVel, "max-linear-vel", cfg.MaxLinearVel, "Linear speed cap for instructions")
	fs.Float64Var(&cfg.MaxAngularVel, "max-angular-vel", cfg.MaxAngularVel, "Angular speed cap for instructions")
	fs.Float64Var(&cfg.LinearStep, "linear-step", cfg.LinearStep, "Linear velocity change per instruction")
	fs.Float64Var(&cfg.AngularStep, "angular-step", cfg.AngularStep, "Angular velocity change per instruction")
	fs.BoolVar(&cfg.StopWhenUnobserved, "stop-when-unobserved", cfg.StopWhenUnobserved, "End a run once its last subscriber leaves")
	fs.BoolVar(&cfg.RestartOnExit, "restart", cfg.RestartOnExit, "Start a fresh run when one ends")
	fs.StringVar(&cfg.ControlSecret, "control-secret", cfg.ControlSecret, "HMAC secret for control tokens")
	fs.StringVar(&cfg.ControlKeyHash, "control-key-hash", cfg.ControlKeyHash, "bcrypt hash of the operator key (empty leaves control open)")
	fs.StringVar(&cfg.OTelEndpoint, "otel-endpoint", cfg.OTelEndpoint, "OTLP/HTTP trace endpoint (empty disables tracing)")
}

// ParseConfig layers defaults, the tuning file, the environment and args.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	if fs == nil {
		return Config{}, errors.New("flag set is required")
	}
	if args == nil {
		args = []string{}
	}

	// The tuning path itself can come from env or flags, so find it first.
	probe := DefaultConfig()
	if err := parseEnv(&probe); err != nil {
		return Config{}, err
	}
	scratch := flag.NewFlagSet(fs.Name(), flag.ContinueOnError)
	scratch.SetOutput(io.Discard)
	bindFlags(scratch, &probe)
	_ = scratch.Parse(args)

	cfg := DefaultConfig()
	if probe.TuningPath != "" {
		if err := LoadTuning(probe.TuningPath, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := parseEnv(&cfg); err != nil {
		return Config{}, err
	}
	bindFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadTuning overlays the simulation keys present in a YAML file onto cfg.
func LoadTuning(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("tuning %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the simulation cannot run with.
func (c Config) Validate() error {
	if _, err := world.LookupLevel(c.Level); err != nil {
		return err
	}
	if _, err := sim.ParseOverflowPolicy(c.QueuePolicy); err != nil {
		return err
	}
	if c.UpdatePeriod <= 0 || c.InstructionPeriod <= 0 {
		return errors.New("tick periods must be positive")
	}
	if c.QueueCapacity < 1 {
		return errors.New("queue capacity must be at least 1")
	}
	if c.HubRetention < 1 {
		return errors.New("hub retention must be at least 1")
	}
	if c.MaxLinearVel <= 0 || c.MaxAngularVel <= 0 || c.LinearStep <= 0 || c.AngularStep <= 0 {
		return errors.New("velocity caps and steps must be positive")
	}
	return nil
}

// SimConfig translates the process configuration into a loop configuration.
func (c Config) SimConfig() (sim.Config, error) {
	level, err := world.LookupLevel(c.Level)
	if err != nil {
		return sim.Config{}, err
	}
	sc := sim.DefaultConfig()
	sc.UpdatePeriod = c.UpdatePeriod
	sc.InstructionPeriod = c.InstructionPeriod
	sc.Physics.Dt = c.UpdatePeriod.Seconds()
	sc.MaxTicks = c.MaxTicks
	sc.FloorY = c.FloorY
	sc.Level = level
	sc.StopWhenUnobserved = c.StopWhenUnobserved
	sc.Limits = sim.Limits{
		MaxLinearVel:  c.MaxLinearVel,
		MaxAngularVel: c.MaxAngularVel,
		LinearStep:    c.LinearStep,
		AngularStep:   c.AngularStep,
	}
	return sc, nil
}
