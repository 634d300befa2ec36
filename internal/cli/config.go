package cli

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/rewind/internal/engine"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/lockstep"
	"github.com/roach88/rewind/internal/reconcile"
	"github.com/roach88/rewind/internal/session"
)

//go:embed schema.cue
var schemaSource string

// Strategy names accepted in a config.
const (
	StrategyRollback  = "rollback"
	StrategyLockstep  = "lockstep"
	StrategyReconcile = "reconcile"
)

// Config is a session configuration after schema validation, with every
// default filled in.
type Config struct {
	Strategy           string         `json:"strategy"`
	TimestepMs         int            `json:"timestep_ms"`
	MaxPredictedFrames int            `json:"max_predicted_frames"`
	PingIntervalMs     int            `json:"ping_interval_ms"`
	PingDiscount       float64        `json:"ping_discount"`
	CatchUp            engine.CatchUp `json:"catch_up"`
	StateSyncPeriod    int            `json:"state_sync_period"`
	LatencyBufferMs    int            `json:"latency_buffer_ms"`
	Frames             int            `json:"frames"`
	LinkLatencyMs      int            `json:"link_latency_ms"`
	Players            int            `json:"players"`
	Seed               int64          `json:"seed"`
}

// ConfigError is a config that failed schema validation.
type ConfigError struct {
	Problems []ConfigProblem
}

// ConfigProblem is one schema violation.
type ConfigProblem struct {
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

func (e *ConfigError) Error() string {
	if len(e.Problems) == 1 {
		return e.Problems[0].Message
	}
	return fmt.Sprintf("%s (and %d more)", e.Problems[0].Message, len(e.Problems)-1)
}

// DefaultConfig returns the config of an empty document.
func DefaultConfig() Config {
	cfg, err := ParseConfig(nil, "")
	if err != nil {
		panic(fmt.Sprintf("session schema: %v", err))
	}
	return cfg
}

// LoadConfig reads a CUE or JSON config file. An empty path yields the
// defaults.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data, path)
}

// ParseConfig validates data against #Session and decodes the result.
// filename is used in error positions.
func ParseConfig(data []byte, filename string) (Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Session"))

	if len(data) == 0 {
		data = []byte("{}")
	}
	doc := ctx.CompileBytes(data, cue.Filename(filename))
	if err := doc.Err(); err != nil {
		return Config{}, configError(err, filename)
	}

	v := def.Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Config{}, configError(err, filename)
	}

	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return Config{}, configError(err, filename)
	}
	return cfg, nil
}

// configError flattens CUE errors, keeping the line of each problem in the
// config document when CUE reports one.
func configError(err error, filename string) error {
	var out ConfigError
	for _, e := range cueerrors.Errors(err) {
		p := ConfigProblem{Message: e.Error()}
		for _, pos := range cueerrors.Positions(e) {
			if pos.IsValid() && pos.Filename() == filename {
				p.Line = pos.Line()
				break
			}
		}
		out.Problems = append(out.Problems, p)
	}
	if len(out.Problems) == 0 {
		out.Problems = []ConfigProblem{{Message: err.Error()}}
	}
	return &out
}

// Timestep is the tick interval.
func (c Config) Timestep() time.Duration {
	return time.Duration(c.TimestepMs) * time.Millisecond
}

// PingInterval is the per-link ping period, negative when pings are off.
func (c Config) PingInterval() time.Duration {
	if c.PingIntervalMs == 0 {
		return -1
	}
	return time.Duration(c.PingIntervalMs) * time.Millisecond
}

// LinkLatency is the one-way latency of local in-memory links.
func (c Config) LinkLatency() time.Duration {
	return time.Duration(c.LinkLatencyMs) * time.Millisecond
}

// StrategyFactory returns the strategy for the host or a client. hook, when
// not nil, receives every frame the rollback host confirms.
func (c Config) StrategyFactory(host bool, logger *slog.Logger, hook func(engine.Entry)) session.StrategyFactory {
	switch c.Strategy {
	case StrategyLockstep:
		return session.Lockstep(
			lockstep.WithStateSyncPeriod(c.StateSyncPeriod),
			lockstep.WithLogger(logger),
		)
	case StrategyReconcile:
		opts := []reconcile.Option{
			reconcile.WithLatencyBuffer(time.Duration(c.LatencyBufferMs) * time.Millisecond),
			reconcile.WithDiscount(c.PingDiscount),
			reconcile.WithLogger(logger),
		}
		if host {
			return session.ReconcileHost(opts...)
		}
		return session.ReconcileClient(opts...)
	default:
		opts := []engine.Option{
			engine.WithMaxPredictedFrames(c.MaxPredictedFrames),
			engine.WithCatchUp(c.CatchUp),
			engine.WithLogger(logger),
		}
		if hook != nil && host {
			opts = append(opts, engine.WithConfirmedHook(hook))
		}
		return session.Rollback(opts...)
	}
}

// recorded is the part of a config stored with a recording: what a replay
// needs to rebuild the match. It holds no floats so it stays canonical.
func (c Config) recorded() map[string]any {
	return map[string]any{
		"strategy":             c.Strategy,
		"timestep_ms":          c.TimestepMs,
		"max_predicted_frames": c.MaxPredictedFrames,
		"frames":               c.Frames,
		"players":              c.Players,
		"seed":                 c.Seed,
	}
}

// frameLimit converts Frames for session.Config.
func (c Config) frameLimit() ir.Frame {
	return ir.Frame(c.Frames)
}
