package harness

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/rewind/internal/engine"
	"github.com/roach88/rewind/internal/game/arena"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/lockstep"
	"github.com/roach88/rewind/internal/session"
	"github.com/roach88/rewind/internal/sim"
	"github.com/roach88/rewind/internal/testutil"
	"github.com/roach88/rewind/internal/wire"
)

// epoch is where every scenario's manual clock starts.
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// deliveryLimit bounds the delivery rounds of one step, so a message loop
// between peers fails the scenario instead of hanging it.
const deliveryLimit = 1000

// game binds a scenario game name to its state, codec and input sources.
type game struct {
	factory func(ids ...ir.PlayerID) sim.StateFactory
	codec   sim.InputCodec
	initial func(players []sim.Player) sim.Inputs
	poll    func(p PlayerSpec) func() sim.Input
}

func gameFor(name string) game {
	if name == GameArena {
		return game{
			factory: arena.Factory,
			codec:   arena.Codec{},
			initial: arena.Idle,
			poll: func(p PlayerSpec) func() sim.Input {
				if p.Bot != nil {
					return arena.Bot(p.Bot.Seed, p.Bot.Hold)
				}
				return arena.Script(p.Moves...)
			},
		}
	}
	return game{
		factory: testutil.CounterFactory,
		codec:   testutil.IntCodec{},
		initial: testutil.ZeroInputs,
		poll: func(p PlayerSpec) func() sim.Input {
			return testutil.ScriptedInput(p.Script...)
		},
	}
}

// peer is one simulated participant.
type peer struct {
	spec    PlayerSpec
	session *session.Session
	scratch sim.StateFactory
	frame   ir.Frame
	stalls  int

	// seen holds the last hash observed at each frame, for strategies
	// that keep no history.
	seen map[ir.Frame]string
}

// Harness runs one scenario. Every peer is driven from the calling
// goroutine, one step at a time, so runs are reproducible.
type Harness struct {
	scenario     *Scenario
	game         game
	net          *Network
	clock        *testutil.ManualClock
	logger       *slog.Logger
	peers        []*peer
	byID         map[ir.PlayerID]*peer
	maxPredicted int
}

// Run executes a test scenario and returns the result.
//
// Execution flow:
// 1. Build one session per player over a fresh stepped network
// 2. Each step: advance the clock, ping, step every peer, deliver due messages
// 3. After each step: record the trace and check history invariants
// 4. Optionally settle in-flight messages
// 5. Evaluate assertions
//
// A protocol violation or broken invariant stops the run and fails the
// result; an error is returned only when the scenario cannot be set up.
func Run(scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	result := NewResult()

	h.net.SetStep(0)
	for _, p := range h.peers {
		if err := p.session.Start(); err != nil {
			result.AddError(fmt.Sprintf("start: player %d: %v", p.spec.ID, err))
			return h.finish(result), nil
		}
	}

	step := time.Duration(scenario.TimestepMs) * time.Millisecond
	for s := 1; s <= scenario.Steps; s++ {
		h.net.SetStep(s)
		h.clock.Advance(step)
		if err := h.step(s); err != nil {
			result.AddError(err.Error())
			return h.finish(result), nil
		}
		if err := h.deliver(h.net.Due); err != nil {
			result.AddError(fmt.Sprintf("step %d: %v", s, err))
			return h.finish(result), nil
		}
		if err := h.record(s, result); err != nil {
			result.AddError(fmt.Sprintf("step %d: %v", s, err))
			return h.finish(result), nil
		}
	}

	if scenario.Settle {
		if err := h.deliver(h.net.Flush); err != nil {
			result.AddError(fmt.Sprintf("settle: %v", err))
			return h.finish(result), nil
		}
		for _, p := range h.peers {
			if err := h.check(p); err != nil {
				result.AddError(fmt.Sprintf("settle: player %d: %v", p.spec.ID, err))
				return h.finish(result), nil
			}
			h.observe(p)
		}
	}

	h.finish(result)
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, h) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(sc *Scenario) (*Harness, error) {
	if err := validateScenario(sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	h := &Harness{
		scenario:     sc,
		game:         gameFor(sc.Game),
		net:          NewNetwork(sc.Network),
		clock:        testutil.NewManualClock(epoch),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
		byID:         make(map[ir.PlayerID]*peer, len(sc.Players)),
		maxPredicted: sc.MaxPredictedFrames,
	}
	if h.maxPredicted == 0 {
		h.maxPredicted = engine.DefaultMaxPredictedFrames
	}

	ids := make([]ir.PlayerID, 0, len(sc.Players))
	var host ir.PlayerID
	for _, p := range sc.Players {
		ids = append(ids, p.ID)
		if p.Host {
			host = p.ID
		}
	}

	for _, spec := range sortedSpecs(sc.Players) {
		players := make([]sim.Player, 0, len(sc.Players))
		for _, other := range sc.Players {
			players = append(players, sim.Player{
				ID:            other.ID,
				Local:         other.ID == spec.ID,
				Authoritative: other.Host,
			})
		}

		var links []session.Peer
		if spec.Host {
			for _, other := range sortedSpecs(sc.Players) {
				if other.ID != spec.ID {
					links = append(links, session.Peer{Player: other.ID, Link: h.net.Link(spec.ID, other.ID)})
				}
			}
		} else {
			links = []session.Peer{{Player: host, Link: h.net.Link(spec.ID, host)}}
		}

		s, err := session.New(session.Config{
			State:         h.game.factory(ids...)(),
			Players:       players,
			InitialInputs: h.game.initial(players),
			PollInput:     h.game.poll(spec),
			Codec:         h.game.codec,
			Timestep:      time.Duration(sc.TimestepMs) * time.Millisecond,
			PingInterval:  -1,
			Logger:        h.logger,
			Clock:         h.clock,
			IDs:           testutil.NewFixedIDGenerator(sc.SessionID),
		}, h.strategy(spec.Host), links...)
		if err != nil {
			return nil, fmt.Errorf("player %d: %w", spec.ID, err)
		}

		p := &peer{
			spec:    spec,
			session: s,
			scratch: h.game.factory(ids...),
			seen:    make(map[ir.Frame]string),
		}
		h.peers = append(h.peers, p)
		h.byID[spec.ID] = p
	}
	return h, nil
}

func (h *Harness) strategy(host bool) session.StrategyFactory {
	switch h.scenario.Strategy {
	case StrategyLockstep:
		return session.Lockstep(lockstep.WithStateSyncPeriod(h.scenario.StateSyncPeriod))
	case StrategyReconcile:
		if host {
			return session.ReconcileHost()
		}
		return session.ReconcileClient()
	default:
		return session.Rollback(engine.WithMaxPredictedFrames(h.maxPredicted))
	}
}

// step pings when due and steps every peer in player order.
func (h *Harness) step(s int) error {
	if h.scenario.PingEvery > 0 && s%h.scenario.PingEvery == 0 {
		for _, p := range h.peers {
			if err := p.session.Ping(); err != nil {
				return fmt.Errorf("step %d: player %d: ping: %w", s, p.spec.ID, err)
			}
		}
	}
	for _, p := range h.peers {
		before := p.session.Frame()
		if err := p.session.Step(); err != nil {
			return fmt.Errorf("step %d: player %d: %w", s, p.spec.ID, err)
		}
		if p.session.Frame() == before {
			p.stalls++
		}
	}
	return nil
}

// deliver hands messages to their receivers until take returns none.
func (h *Harness) deliver(take func() []envelope) error {
	for round := 0; round < deliveryLimit; round++ {
		batch := take()
		if len(batch) == 0 {
			return nil
		}
		for _, e := range batch {
			m, err := wire.Decode(e.data)
			if err != nil {
				return fmt.Errorf("player %d → %d: %w", e.from, e.to, err)
			}
			if err := h.byID[e.to].session.Deliver(e.from, m); err != nil {
				return fmt.Errorf("player %d: %s from player %d: %w", e.to, m.Type, e.from, err)
			}
		}
	}
	return fmt.Errorf("messages still flowing after %d delivery rounds", deliveryLimit)
}

// record appends one trace event per peer and checks its invariants.
func (h *Harness) record(s int, result *Result) error {
	for _, p := range h.peers {
		before := p.frame
		if err := h.check(p); err != nil {
			return fmt.Errorf("player %d: %w", p.spec.ID, err)
		}
		hash := h.observe(p)
		result.Trace = append(result.Trace, TraceEvent{
			Step:      s,
			Player:    p.spec.ID,
			Frame:     p.frame,
			Advanced:  int(p.frame - before),
			Predicted: p.session.Stats().Engine.PredictedFrames,
			Hash:      hash,
		})
	}
	return nil
}

// observe stores the peer's current frame and snapshot hash.
func (h *Harness) observe(p *peer) string {
	p.frame = p.session.Frame()
	snap, err := p.session.Snapshot()
	if err != nil {
		return ""
	}
	hash := shortHash(snap)
	p.seen[p.frame] = hash
	return hash
}

// check verifies the invariants every peer must hold between steps:
// frames never go backwards, the history buffer replays to itself with a
// confirmed head, an authoritative rollback peer has compacted, and
// prediction depth stays within the stall limit.
func (h *Harness) check(p *peer) error {
	frame := p.session.Frame()
	if frame < p.frame {
		return fmt.Errorf("frame went backwards from %d to %d", p.frame, frame)
	}

	rollback := h.scenario.Strategy == StrategyRollback
	if entries, ok := p.session.History(); ok {
		if err := engine.Verify(entries, p.scratch(), rollback && p.spec.Host); err != nil {
			return fmt.Errorf("history: %w", err)
		}
	}
	if rollback {
		if n := p.session.Stats().Engine.PredictedFrames; n > h.maxPredicted {
			return fmt.Errorf("%d predicted frames exceed the limit of %d", n, h.maxPredicted)
		}
	}
	return nil
}

// hashAt returns the peer's snapshot hash at frame f, from its history
// when it keeps one.
func (h *Harness) hashAt(p *peer, f ir.Frame) (string, bool) {
	if entries, ok := p.session.History(); ok {
		for _, e := range entries {
			if e.Frame == f {
				return shortHash(e.Snapshot), true
			}
		}
		return "", false
	}
	hash, ok := p.seen[f]
	return hash, ok
}

// finish fills in the final peer results.
func (h *Harness) finish(result *Result) *Result {
	result.Messages = h.net.Sent()
	result.Peers = result.Peers[:0]
	for _, p := range h.peers {
		frame := p.session.Frame()
		var hash string
		if snap, err := p.session.Snapshot(); err == nil {
			hash = shortHash(snap)
		}
		result.Peers = append(result.Peers, PeerResult{
			Player: p.spec.ID,
			Frame:  frame,
			Hash:   hash,
			Stalls: p.stalls,
			Stats:  statsMap(p.session.Stats()),
		})
	}
	return result
}

// statsMap converts stats to generic JSON values for path lookups.
func statsMap(st session.Stats) map[string]any {
	data, err := json.Marshal(st)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func sortedSpecs(specs []PlayerSpec) []PlayerSpec {
	out := append([]PlayerSpec(nil), specs...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
