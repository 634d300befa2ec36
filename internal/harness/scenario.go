package harness

import (
	"bytes"
	"fmt"
	"os"

	mapset "github.com/deckarep/golang-set/v2"
	"gopkg.in/yaml.v3"

	"github.com/roach88/rewind/internal/game/arena"
	"github.com/roach88/rewind/internal/ir"
)

// Scenario defines a conformance scenario: a match between simulated peers
// over a stepped network, and assertions on how it ends.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Strategy is rollback, lockstep or reconcile.
	Strategy string `yaml:"strategy"`

	// Game is counter (int inputs) or arena. Defaults to counter.
	Game string `yaml:"game,omitempty"`

	// Steps is the number of fixed timesteps to run.
	Steps int `yaml:"steps"`

	// TimestepMs is how far the manual clock moves per step. Defaults to 16.
	TimestepMs int `yaml:"timestep_ms,omitempty"`

	// MaxPredictedFrames configures the rollback stall gate.
	MaxPredictedFrames int `yaml:"max_predicted_frames,omitempty"`

	// StateSyncPeriod configures lockstep host state syncs.
	StateSyncPeriod int `yaml:"state_sync_period,omitempty"`

	// PingEvery sends pings from every peer each N steps. Zero disables them.
	PingEvery int `yaml:"ping_every,omitempty"`

	// Settle delivers every message still in flight after the last step.
	Settle bool `yaml:"settle,omitempty"`

	// Players lists the peers. Exactly one is the host.
	Players []PlayerSpec `yaml:"players"`

	// Network shapes delivery between the host and each client.
	Network NetworkSpec `yaml:"network,omitempty"`

	// Assertions validate the final state of the match.
	Assertions []Assertion `yaml:"assertions"`

	// SessionID is an optional fixed session ID.
	// If empty, defaults to "test-session-default" for deterministic golden file comparison.
	SessionID string `yaml:"session_id,omitempty"`
}

// PlayerSpec describes one peer and where its inputs come from.
type PlayerSpec struct {
	ID   ir.PlayerID `yaml:"id"`
	Host bool        `yaml:"host,omitempty"`

	// Script is the counter input sequence; the last value repeats.
	Script []int `yaml:"script,omitempty"`

	// Moves is the arena input sequence; the last move repeats.
	Moves []arena.Input `yaml:"moves,omitempty"`

	// Bot drives an arena player with a wandering bot.
	Bot *BotSpec `yaml:"bot,omitempty"`
}

// BotSpec configures arena.Bot.
type BotSpec struct {
	Seed int64 `yaml:"seed"`
	Hold int   `yaml:"hold"`
}

// NetworkSpec configures the stepped network.
type NetworkSpec struct {
	// Latency is the default delivery delay in steps for every direction.
	Latency int `yaml:"latency,omitempty"`

	// Links override the latency of single directions.
	Links []LinkSpec `yaml:"links,omitempty"`

	// Holds delay delivery on a direction during a window of steps.
	Holds []HoldSpec `yaml:"holds,omitempty"`
}

// LinkSpec sets the latency from one player to another.
type LinkSpec struct {
	From    ir.PlayerID `yaml:"from"`
	To      ir.PlayerID `yaml:"to"`
	Latency int         `yaml:"latency"`
}

// HoldSpec holds back messages sent From→To during steps [Start, End).
// Held messages are delivered at End, in order. End 0 never releases them.
type HoldSpec struct {
	From  ir.PlayerID `yaml:"from"`
	To    ir.PlayerID `yaml:"to"`
	Start int         `yaml:"start"`
	End   int         `yaml:"end,omitempty"`
}

// Assertion validates the outcome of a scenario.
type Assertion struct {
	// Type specifies the assertion type:
	// - "frame": a player's final frame
	// - "stat": a value in a player's session stats, by dotted JSON path
	// - "stalls": how many steps a player advanced no frame
	// - "converged": every peer holds the same snapshot at the newest frame all have reached
	Type string `yaml:"type"`

	// Player is the player the assertion applies to (frame, stat, stalls).
	Player ir.PlayerID `yaml:"player,omitempty"`

	// Path is the stats path (stat), e.g. "engine.predicted_frames".
	Path string `yaml:"path,omitempty"`

	// Equals, Min and Max bound the observed value. Equals may be any YAML
	// scalar for stat; the others are numbers.
	Equals any      `yaml:"equals,omitempty"`
	Min    *float64 `yaml:"min,omitempty"`
	Max    *float64 `yaml:"max,omitempty"`
}

// Assertion type constants.
const (
	AssertFrame     = "frame"
	AssertStat      = "stat"
	AssertStalls    = "stalls"
	AssertConverged = "converged"
)

// Strategy and game names.
const (
	StrategyRollback  = "rollback"
	StrategyLockstep  = "lockstep"
	StrategyReconcile = "reconcile"

	GameCounter = "counter"
	GameArena   = "arena"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid, and
// fills in defaults.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	switch s.Strategy {
	case StrategyRollback, StrategyLockstep, StrategyReconcile:
	case "":
		return fmt.Errorf("strategy is required")
	default:
		return fmt.Errorf("unknown strategy %q", s.Strategy)
	}

	if s.Game == "" {
		s.Game = GameCounter
	}
	if s.Game != GameCounter && s.Game != GameArena {
		return fmt.Errorf("unknown game %q", s.Game)
	}

	if s.Steps < 1 {
		return fmt.Errorf("steps must be positive")
	}
	if s.TimestepMs == 0 {
		s.TimestepMs = 16
	}
	if s.TimestepMs < 0 || s.MaxPredictedFrames < 0 || s.StateSyncPeriod < 0 || s.PingEvery < 0 {
		return fmt.Errorf("timestep_ms, max_predicted_frames, state_sync_period and ping_every must not be negative")
	}

	host, err := validatePlayers(s)
	if err != nil {
		return err
	}
	if err := validateNetwork(&s.Network, s.Players, host); err != nil {
		return err
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, s.Players); err != nil {
			return err
		}
	}
	return nil
}

func validatePlayers(s *Scenario) (ir.PlayerID, error) {
	if len(s.Players) < 2 {
		return 0, fmt.Errorf("at least two players are required")
	}
	var host ir.PlayerID
	hosts := 0
	seen := mapset.NewThreadUnsafeSet[ir.PlayerID]()
	for i, p := range s.Players {
		if p.ID < 0 {
			return 0, fmt.Errorf("players[%d]: id must not be negative", i)
		}
		if seen.Contains(p.ID) {
			return 0, fmt.Errorf("players[%d]: duplicate id %d", i, p.ID)
		}
		seen.Add(p.ID)
		if p.Host {
			host = p.ID
			hosts++
		}

		switch s.Game {
		case GameCounter:
			if len(p.Moves) > 0 || p.Bot != nil {
				return 0, fmt.Errorf("players[%d]: counter players take a script", i)
			}
		case GameArena:
			if len(p.Script) > 0 {
				return 0, fmt.Errorf("players[%d]: arena players take moves or a bot", i)
			}
			if len(p.Moves) > 0 && p.Bot != nil {
				return 0, fmt.Errorf("players[%d]: moves and bot are exclusive", i)
			}
			for j, m := range p.Moves {
				if err := m.Validate(); err != nil {
					return 0, fmt.Errorf("players[%d].moves[%d]: %w", i, j, err)
				}
			}
		}
	}
	if hosts != 1 {
		return 0, fmt.Errorf("exactly one player must be the host, got %d", hosts)
	}
	return host, nil
}

func validateNetwork(n *NetworkSpec, players []PlayerSpec, host ir.PlayerID) error {
	known := mapset.NewThreadUnsafeSet[ir.PlayerID]()
	for _, p := range players {
		known.Add(p.ID)
	}
	check := func(what string, from, to ir.PlayerID) error {
		if !known.Contains(from, to) {
			return fmt.Errorf("%s: unknown player in %d→%d", what, from, to)
		}
		if from == to || (from != host && to != host) {
			return fmt.Errorf("%s: %d→%d is not a host link", what, from, to)
		}
		return nil
	}

	if n.Latency < 0 {
		return fmt.Errorf("network.latency must not be negative")
	}
	for i, l := range n.Links {
		if err := check(fmt.Sprintf("network.links[%d]", i), l.From, l.To); err != nil {
			return err
		}
		if l.Latency < 0 {
			return fmt.Errorf("network.links[%d]: latency must not be negative", i)
		}
	}
	for i, h := range n.Holds {
		if err := check(fmt.Sprintf("network.holds[%d]", i), h.From, h.To); err != nil {
			return err
		}
		if h.Start < 1 || (h.End != 0 && h.End <= h.Start) {
			return fmt.Errorf("network.holds[%d]: need 1 <= start < end", i)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, players []PlayerSpec) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	needsPlayer := func() error {
		for _, p := range players {
			if p.ID == a.Player {
				return nil
			}
		}
		return fmt.Errorf("assertions[%d]: unknown player %d", index, a.Player)
	}
	needsBound := func() error {
		if a.Equals == nil && a.Min == nil && a.Max == nil {
			return fmt.Errorf("assertions[%d]: one of equals, min or max is required for %s", index, a.Type)
		}
		return nil
	}

	switch a.Type {
	case AssertFrame, AssertStalls:
		if err := needsPlayer(); err != nil {
			return err
		}
		if err := needsBound(); err != nil {
			return err
		}
		if a.Equals != nil {
			if _, ok := toFloat(a.Equals); !ok {
				return fmt.Errorf("assertions[%d]: equals must be a number for %s", index, a.Type)
			}
		}
	case AssertStat:
		if err := needsPlayer(); err != nil {
			return err
		}
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for stat", index)
		}
		if err := needsBound(); err != nil {
			return err
		}
	case AssertConverged:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
