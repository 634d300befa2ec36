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

// HostIO holds the host's collaborators. All fields are required.
type HostIO struct {
	PollInput func() sim.Input

	// BroadcastStateUpdate sends the state for frame and the inputs that
	// produced it from frame-1.
	BroadcastStateUpdate func(frame ir.Frame, snapshot ir.Snapshot, inputs sim.Inputs) error

	// ReportLatency tells player how its input for frame fared. latency is
	// nil when the input is too old to measure.
	ReportLatency func(player ir.PlayerID, frame ir.Frame, accepted bool, latency *time.Duration) error
}

type arrivedInput struct {
	frame    ir.Frame
	input    sim.Input
	received time.Time
}

type frameTime struct {
	frame ir.Frame
	at    time.Time
}

// HostStats are cumulative host counters.
type HostStats struct {
	Frame     ir.Frame `json:"frame"`
	Accepted  int      `json:"accepted"`
	Late      int      `json:"late"`
	Predicted int      `json:"predicted"`
}

// Host is the authoritative backwards-reconciliation peer. It is not safe
// for concurrent use.
type Host struct {
	state    sim.State
	players  []sim.Player
	byID     map[ir.PlayerID]sim.Player
	io       HostIO
	clock    latency.Clock
	logger   *slog.Logger
	capacity int

	frame      ir.Frame
	previous   sim.Inputs
	queued     map[ir.PlayerID][]arrivedInput
	frameTimes []frameTime
	stats      HostStats
}

// NewHost creates a host at frame 0. The local player must be authoritative.
func NewHost(s sim.State, players []sim.Player, initialInputs sim.Inputs, io HostIO, opts ...Option) (*Host, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if s == nil {
		return nil, fmt.Errorf("%w: state is nil", engine.ErrInvalidConfig)
	}
	if io.PollInput == nil || io.ReportLatency == nil {
		return nil, fmt.Errorf("%w: PollInput and ReportLatency are required", engine.ErrInvalidConfig)
	}
	if o.frameTimes < 1 {
		return nil, fmt.Errorf("%w: frame time buffer must be at least 1", engine.ErrInvalidConfig)
	}
	local, ok := sim.LocalPlayer(players)
	if !ok {
		return nil, fmt.Errorf("%w: exactly one local player required", engine.ErrInvalidConfig)
	}
	if !local.Authoritative {
		return nil, fmt.Errorf("%w: reconciliation host must be authoritative", engine.ErrInvalidConfig)
	}
	if io.BroadcastStateUpdate == nil {
		return nil, engine.NewProtocolError(engine.ErrCodeMissingBroadcaster, 0, local.ID,
			"reconciliation host requires a state update broadcast function")
	}

	h := &Host{
		state:    s,
		players:  sim.SortPlayers(players),
		byID:     make(map[ir.PlayerID]sim.Player, len(players)),
		io:       io,
		clock:    o.clock,
		logger:   o.logger,
		capacity: o.frameTimes,
		previous: make(sim.Inputs, len(players)),
		queued:   make(map[ir.PlayerID][]arrivedInput),
	}
	for _, p := range h.players {
		if _, dup := h.byID[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate player id %d", engine.ErrInvalidConfig, p.ID)
		}
		in, ok := initialInputs[p.ID]
		if !ok {
			return nil, fmt.Errorf("%w: no initial input for player %d", engine.ErrInvalidConfig, p.ID)
		}
		h.byID[p.ID] = p
		h.previous[p.ID] = in
	}
	return h, nil
}

// OnRemoteInput accepts a client input tagged with the frame it should be
// applied at. Inputs for frames already ticked are rejected with a latency
// report; the rest are queued.
func (h *Host) OnRemoteInput(frame ir.Frame, player ir.PlayerID, in sim.Input) error {
	p, ok := h.byID[player]
	if !ok {
		return engine.NewProtocolError(engine.ErrCodeUnknownPlayer, frame, player, "input from unknown player")
	}
	if p.Local {
		return engine.NewProtocolError(engine.ErrCodeNotRemotePlayer, frame, player, "input claims the local player")
	}
	received := h.clock.Now()

	if frame < h.frame {
		h.stats.Late++
		var lat *time.Duration
		if at, ok := h.frameTime(frame); ok {
			d := at.Sub(received)
			lat = &d
		}
		h.logger.Debug("late input rejected", "frame", frame, "player", player, "host_frame", h.frame)
		return h.io.ReportLatency(player, frame, false, lat)
	}

	q := h.queued[player]
	if len(q) > 0 && frame <= q[len(q)-1].frame {
		return engine.NewOutOfOrderError(frame, q[len(q)-1].frame+1, player)
	}
	h.queued[player] = append(q, arrivedInput{frame: frame, input: in, received: received})
	return nil
}

// Tick advances one frame without waiting for anyone.
func (h *Host) Tick() error {
	now := h.clock.Now()

	inputs := make(sim.Inputs, len(h.players))
	for _, p := range h.players {
		if p.Local {
			inputs[p.ID] = h.io.PollInput()
			continue
		}
		q := h.queued[p.ID]
		if len(q) > 0 && q[0].frame == h.frame {
			arrived := q[0]
			h.queued[p.ID] = q[1:]
			inputs[p.ID] = arrived.input
			h.stats.Accepted++
			lat := now.Sub(arrived.received)
			if err := h.io.ReportLatency(p.ID, arrived.frame, true, &lat); err != nil {
				return err
			}
			continue
		}
		inputs[p.ID] = sim.PredictNext(h.previous[p.ID])
		h.stats.Predicted++
	}

	if err := h.state.Tick(inputs); err != nil {
		return fmt.Errorf("tick frame %d: %w", h.frame, err)
	}
	h.recordFrameTime(h.frame, now)
	h.frame++
	h.previous = inputs

	snap, err := h.state.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot frame %d: %w", h.frame, err)
	}
	if err := h.io.BroadcastStateUpdate(h.frame, snap.Clone(), inputs.Clone()); err != nil {
		return fmt.Errorf("broadcast state update for frame %d: %w", h.frame, err)
	}
	return nil
}

func (h *Host) recordFrameTime(frame ir.Frame, at time.Time) {
	if len(h.frameTimes) == h.capacity {
		copy(h.frameTimes, h.frameTimes[1:])
		h.frameTimes = h.frameTimes[:len(h.frameTimes)-1]
	}
	h.frameTimes = append(h.frameTimes, frameTime{frame: frame, at: at})
}

func (h *Host) frameTime(frame ir.Frame) (time.Time, bool) {
	for _, ft := range h.frameTimes {
		if ft.frame == frame {
			return ft.at, true
		}
	}
	return time.Time{}, false
}

// Frame returns the frame the next tick will consume inputs for.
func (h *Host) Frame() ir.Frame { return h.frame }

// Snapshot returns the live state's snapshot.
func (h *Host) Snapshot() (ir.Snapshot, error) { return h.state.Snapshot() }

// Stats returns cumulative counters.
func (h *Host) Stats() HostStats {
	s := h.stats
	s.Frame = h.frame
	return s
}
