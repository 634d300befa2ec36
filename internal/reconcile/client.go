package reconcile

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/rewind/internal/engine"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/latency"
	"github.com/roach88/rewind/internal/sim"
)

// ClientIO holds the client's collaborators. Both fields are required.
type ClientIO struct {
	PollInput func() sim.Input

	// SendInput sends the local input to the host, tagged with the frame
	// it is applied at (the frame the tick started from).
	SendInput func(frame ir.Frame, in sim.Input) error
}

// ClientStats are cumulative client counters.
type ClientStats struct {
	Frame        ir.Frame `json:"frame"`
	Updates      int      `json:"updates"`
	Resets       int      `json:"resets"`
	Resimulated  int      `json:"resimulated"`
	Rejected     int      `json:"rejected"`
	Unmeasurable int      `json:"unmeasurable"`
}

// Client is a non-authoritative backwards-reconciliation peer.
//
// history.First() is always the last state received from the host. Every
// later entry holds a confirmed local input and predicted remote inputs.
// Client is not safe for concurrent use.
type Client struct {
	state   sim.State
	players []sim.Player
	byID    map[ir.PlayerID]sim.Player
	local   sim.Player
	io      ClientIO
	logger  *slog.Logger

	history     *engine.History
	latency     *latency.Estimator
	buffer      time.Duration
	speedUp     float64
	slowDown    float64
	accumulator float64
	stats       ClientStats
}

// NewClient creates a client seeded at frame 0 with the current state of s.
func NewClient(s sim.State, players []sim.Player, initialInputs sim.Inputs, io ClientIO, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if s == nil {
		return nil, fmt.Errorf("%w: state is nil", engine.ErrInvalidConfig)
	}
	if io.PollInput == nil || io.SendInput == nil {
		return nil, fmt.Errorf("%w: PollInput and SendInput are required", engine.ErrInvalidConfig)
	}
	if o.speedUp < 1 || o.slowDown <= 0 || o.slowDown > 1 {
		return nil, fmt.Errorf("%w: timescale ratios %.2f/%.2f out of range", engine.ErrInvalidConfig, o.speedUp, o.slowDown)
	}
	local, ok := sim.LocalPlayer(players)
	if !ok {
		return nil, fmt.Errorf("%w: exactly one local player required", engine.ErrInvalidConfig)
	}
	if local.Authoritative {
		return nil, fmt.Errorf("%w: reconciliation client must not be authoritative", engine.ErrInvalidConfig)
	}

	c := &Client{
		state:    s,
		players:  sim.SortPlayers(players),
		byID:     make(map[ir.PlayerID]sim.Player, len(players)),
		local:    local,
		io:       io,
		logger:   o.logger,
		latency:  latency.NewEstimator(o.discount),
		buffer:   o.latencyBuffer,
		speedUp:  o.speedUp,
		slowDown: o.slowDown,
	}

	seed := engine.Entry{Frame: 0, Inputs: make(map[ir.PlayerID]engine.InputSlot, len(players))}
	for _, p := range c.players {
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate player id %d", engine.ErrInvalidConfig, p.ID)
		}
		in, ok := initialInputs[p.ID]
		if !ok {
			return nil, fmt.Errorf("%w: no initial input for player %d", engine.ErrInvalidConfig, p.ID)
		}
		c.byID[p.ID] = p
		seed.Inputs[p.ID] = engine.InputSlot{Value: in, Confirmed: true}
	}
	snap, err := s.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot initial state: %w", err)
	}
	seed.Snapshot = snap.Clone()
	c.history = engine.NewHistory(seed)
	return c, nil
}

// Tick predicts one frame ahead and sends the local input to the host.
func (c *Client) Tick() error {
	last := c.history.Last()

	inputs := make(map[ir.PlayerID]engine.InputSlot, len(c.players))
	for _, p := range c.players {
		if p.Local {
			in := c.io.PollInput()
			inputs[p.ID] = engine.InputSlot{Value: in, Confirmed: true}
			if err := c.io.SendInput(last.Frame, in); err != nil {
				return fmt.Errorf("send input for frame %d: %w", last.Frame, err)
			}
			continue
		}
		inputs[p.ID] = engine.InputSlot{Value: sim.PredictNext(last.Inputs[p.ID].Value)}
	}

	entry := engine.Entry{Frame: last.Frame + 1, Inputs: inputs}
	snap, err := c.advance(&entry)
	if err != nil {
		return err
	}
	entry.Snapshot = snap
	return c.history.Append(entry)
}

// Step accumulates one timestep scaled by TimescaleRatio and runs as many
// ticks as the accumulator allows. It returns the number of ticks run.
func (c *Client) Step() (int, error) {
	c.accumulator += c.TimescaleRatio()
	ticks := 0
	for c.accumulator >= 1 {
		if err := c.Tick(); err != nil {
			return ticks, err
		}
		c.accumulator--
		ticks++
	}
	return ticks, nil
}

// OnStateUpdate rewinds to the host's state for frame and resimulates the
// client's own inputs on top, re-predicting every remote player.
//
// inputs are the inputs that produced frame and must name every player. If
// the client has not simulated frame yet, its history is reset to it.
func (c *Client) OnStateUpdate(frame ir.Frame, snapshot ir.Snapshot, inputs sim.Inputs) error {
	if frame <= c.history.First().Frame {
		return engine.NewProtocolError(engine.ErrCodeUnexpectedStateSync, frame, engine.NoPlayer,
			"state update not after last authoritative frame %d", c.history.First().Frame)
	}
	slots := make(map[ir.PlayerID]engine.InputSlot, len(c.players))
	for _, p := range c.players {
		in, ok := inputs[p.ID]
		if !ok {
			return engine.NewProtocolError(engine.ErrCodeUnexpectedStateSync, frame, p.ID,
				"state update has no input for player")
		}
		slots[p.ID] = engine.InputSlot{Value: in, Confirmed: true}
	}
	c.stats.Updates++

	if frame > c.history.Last().Frame {
		c.history.Reset(engine.Entry{Frame: frame, Snapshot: snapshot.Clone(), Inputs: slots})
		c.stats.Resets++
		c.logger.Debug("client behind host, history reset", "frame", frame)
		return c.restore(snapshot)
	}

	for c.history.First().Frame < frame {
		c.history.PopFront()
	}
	first := c.history.First()
	first.Snapshot = snapshot.Clone()
	first.Inputs = slots
	if err := c.restore(first.Snapshot); err != nil {
		return err
	}

	for i := 1; i < c.history.Len(); i++ {
		prev, cur := c.history.At(i-1), c.history.At(i)
		for _, p := range c.players {
			if !p.Local {
				cur.Inputs[p.ID] = engine.InputSlot{Value: sim.PredictNext(prev.Inputs[p.ID].Value)}
			}
		}
		snap, err := c.advance(cur)
		if err != nil {
			return err
		}
		cur.Snapshot = snap
	}
	c.stats.Resimulated += c.history.Len() - 1
	return nil
}

// OnLatencyReport folds a host latency report into the client's estimate.
func (c *Client) OnLatencyReport(frame ir.Frame, accepted bool, lat *time.Duration) {
	if !accepted {
		c.stats.Rejected++
	}
	if lat == nil {
		c.stats.Unmeasurable++
		c.logger.Debug("input too old to measure", "frame", frame)
		return
	}
	c.latency.Observe(*lat)
}

// TimescaleRatio returns how many ticks one timestep is worth right now.
//
// Inputs should reach the host at least one latency buffer before it ticks
// them. Below that margin the client speeds up; above twice the margin it
// slows down. A rejected input that could not even be measured also speeds
// the client up until a measurement arrives.
func (c *Client) TimescaleRatio() float64 {
	if c.latency.Samples() == 0 {
		if c.stats.Unmeasurable > 0 {
			return c.speedUp
		}
		return 1
	}
	bufferMs := float64(c.buffer) / float64(time.Millisecond)
	avg := c.latency.Average()
	switch {
	case avg < bufferMs:
		return c.speedUp
	case avg > 2*bufferMs:
		return c.slowDown
	default:
		return 1
	}
}

func (c *Client) advance(entry *engine.Entry) (ir.Snapshot, error) {
	if err := c.state.Tick(entry.StateInputs()); err != nil {
		return nil, fmt.Errorf("tick frame %d: %w", entry.Frame, err)
	}
	snap, err := c.state.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot frame %d: %w", entry.Frame, err)
	}
	return snap.Clone(), nil
}

func (c *Client) restore(snap ir.Snapshot) error {
	if err := c.state.Restore(snap.Clone()); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	return nil
}

// Frame returns the newest predicted frame.
func (c *Client) Frame() ir.Frame { return c.history.Last().Frame }

// History returns the live history buffer. Callers must treat it as read-only.
func (c *Client) History() *engine.History { return c.history }

// Latency returns the estimate of reported input latency in milliseconds.
func (c *Client) Latency() *latency.Estimator { return c.latency }

// Stats returns cumulative counters.
func (c *Client) Stats() ClientStats {
	s := c.stats
	s.Frame = c.history.Last().Frame
	return s
}
