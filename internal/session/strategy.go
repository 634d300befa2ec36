package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/sanity-io/litter"

	"github.com/roach88/rewind/internal/engine"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/latency"
	"github.com/roach88/rewind/internal/lockstep"
	"github.com/roach88/rewind/internal/reconcile"
	"github.com/roach88/rewind/internal/sim"
	"github.com/roach88/rewind/internal/wire"
)

// Env is what a strategy factory receives from its session.
type Env struct {
	State         sim.State
	Players       []sim.Player
	Local         sim.Player
	InitialInputs sim.Inputs
	PollInput     func() sim.Input
	Codec         sim.InputCodec
	Logger        *slog.Logger
	Clock         latency.Clock

	// Broadcast sends a message to every peer link.
	Broadcast func(m wire.Message) error

	// SendTo sends a message to the link that reaches player.
	SendTo func(player ir.PlayerID, m wire.Message) error
}

// Strategy adapts one synchronization algorithm to the session loop.
type Strategy interface {
	Name() string
	Start() error
	// Step runs one fixed timestep.
	Step() error
	// Handle applies an inbound message other than a ping.
	Handle(m wire.Message) error
	// RelaysInputs reports whether an authoritative session forwards each
	// client's input messages to the other clients.
	RelaysInputs() bool
	Frame() ir.Frame
	Snapshot() (ir.Snapshot, error)
	Stats() StrategyStats
	// Dump renders the strategy's buffered state for diagnostics.
	Dump() string
}

// historian is implemented by strategies that keep a History Buffer.
type historian interface {
	History() *engine.History
}

// StrategyStats are the engine diagnostics shown by the CLI and /status.
type StrategyStats struct {
	Frame             ir.Frame `json:"frame"`
	HistoryLen        int      `json:"history_len"`
	PredictedFrames   int      `json:"predicted_frames"`
	LargestFutureSize int      `json:"largest_future_size"`
	ShouldStall       bool     `json:"should_stall"`
	Detail            any      `json:"detail"`
}

// StrategyFactory builds a strategy for a session.
type StrategyFactory func(env Env) (Strategy, error)

func unexpected(name string, m wire.Message) error {
	return engine.NewProtocolError(engine.ErrCodeUnexpectedMessage, m.Frame, m.Player,
		"%s message not used by the %s strategy", m.Type, name)
}

func encodeInput(env Env, in sim.Input) ([]byte, error) {
	payload, err := env.Codec.EncodeInput(in)
	if err != nil {
		return nil, fmt.Errorf("encode local input: %w", err)
	}
	return payload, nil
}

func decodeInput(env Env, m wire.Message) (sim.Input, error) {
	in, err := env.Codec.DecodeInput(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode input from player %d for frame %d: %w", m.Player, m.Frame, err)
	}
	return in, nil
}

// Rollback

type rollbackStrategy struct {
	env    Env
	engine *engine.Engine
}

// Rollback returns a factory for the prediction and rollback engine.
func Rollback(opts ...engine.Option) StrategyFactory {
	return func(env Env) (Strategy, error) {
		r := &rollbackStrategy{env: env}
		all := append([]engine.Option{engine.WithLogger(env.Logger)}, opts...)
		e, err := engine.New(env.State, env.Players, env.InitialInputs, engine.IO{
			PollInput:      env.PollInput,
			BroadcastInput: r.broadcastInput,
			BroadcastState: r.broadcastState,
		}, all...)
		if err != nil {
			return nil, err
		}
		r.engine = e
		return r, nil
	}
}

func (r *rollbackStrategy) broadcastInput(frame ir.Frame, in sim.Input) error {
	payload, err := encodeInput(r.env, in)
	if err != nil {
		return err
	}
	return r.env.Broadcast(wire.NewInput(frame, r.env.Local.ID, payload))
}

func (r *rollbackStrategy) broadcastState(frame ir.Frame, snap ir.Snapshot) error {
	return r.env.Broadcast(wire.NewState(frame, snap))
}

func (r *rollbackStrategy) Name() string { return "rollback" }

func (r *rollbackStrategy) Start() error { return nil }

func (r *rollbackStrategy) Step() error {
	_, err := r.engine.Step()
	return err
}

func (r *rollbackStrategy) Handle(m wire.Message) error {
	switch m.Type {
	case wire.TypeInput:
		in, err := decodeInput(r.env, m)
		if err != nil {
			return err
		}
		return r.engine.OnRemoteInput(m.Frame, m.Player, in)
	case wire.TypeState:
		return r.engine.OnStateSync(m.Frame, ir.Snapshot(m.Payload))
	default:
		return unexpected(r.Name(), m)
	}
}

func (r *rollbackStrategy) RelaysInputs() bool { return true }

func (r *rollbackStrategy) Frame() ir.Frame { return r.engine.CurrentFrame() }

func (r *rollbackStrategy) Snapshot() (ir.Snapshot, error) {
	return r.engine.History().Last().Snapshot.Clone(), nil
}

func (r *rollbackStrategy) Stats() StrategyStats {
	return StrategyStats{
		Frame:             r.engine.CurrentFrame(),
		HistoryLen:        r.engine.History().Len(),
		PredictedFrames:   r.engine.PredictedFrameCount(),
		LargestFutureSize: r.engine.LargestFutureSize(),
		ShouldStall:       r.engine.ShouldStall(),
		Detail:            r.engine.Stats(),
	}
}

func (r *rollbackStrategy) Dump() string { return r.engine.DumpHistory() }

func (r *rollbackStrategy) History() *engine.History { return r.engine.History() }

// Lockstep

type lockstepStrategy struct {
	env     Env
	netcode *lockstep.Netcode
}

// Lockstep returns a factory for turn-gated lockstep.
func Lockstep(opts ...lockstep.Option) StrategyFactory {
	return func(env Env) (Strategy, error) {
		l := &lockstepStrategy{env: env}
		all := append([]lockstep.Option{lockstep.WithLogger(env.Logger)}, opts...)
		n, err := lockstep.New(env.State, env.Players, lockstep.IO{
			PollInput: env.PollInput,
			BroadcastInput: func(frame ir.Frame, in sim.Input) error {
				payload, err := encodeInput(env, in)
				if err != nil {
					return err
				}
				return env.Broadcast(wire.NewInput(frame, env.Local.ID, payload))
			},
			BroadcastState: func(frame ir.Frame, snap ir.Snapshot) error {
				return env.Broadcast(wire.NewState(frame, snap))
			},
		}, all...)
		if err != nil {
			return nil, err
		}
		l.netcode = n
		return l, nil
	}
}

func (l *lockstepStrategy) Name() string { return "lockstep" }

func (l *lockstepStrategy) Start() error { return l.netcode.Start() }

func (l *lockstepStrategy) Step() error {
	_, err := l.netcode.TryAdvance()
	return err
}

func (l *lockstepStrategy) Handle(m wire.Message) error {
	switch m.Type {
	case wire.TypeInput:
		in, err := decodeInput(l.env, m)
		if err != nil {
			return err
		}
		return l.netcode.OnRemoteInput(m.Frame, m.Player, in)
	case wire.TypeState:
		return l.netcode.OnStateSync(m.Frame, ir.Snapshot(m.Payload))
	default:
		return unexpected(l.Name(), m)
	}
}

func (l *lockstepStrategy) RelaysInputs() bool { return true }

func (l *lockstepStrategy) Frame() ir.Frame { return l.netcode.Frame() }

func (l *lockstepStrategy) Snapshot() (ir.Snapshot, error) { return l.netcode.Snapshot() }

func (l *lockstepStrategy) Stats() StrategyStats {
	return StrategyStats{
		Frame:       l.netcode.Frame(),
		ShouldStall: len(l.netcode.Waiting()) > 0,
		Detail:      l.netcode.Stats(),
	}
}

func (l *lockstepStrategy) Dump() string {
	return litter.Sdump(struct {
		Stats   lockstep.Stats
		Waiting []ir.PlayerID
	}{l.netcode.Stats(), l.netcode.Waiting()})
}

// Backwards reconciliation

type reconcileHostStrategy struct {
	env  Env
	host *reconcile.Host
}

// ReconcileHost returns a factory for the authoritative side of backwards
// reconciliation.
func ReconcileHost(opts ...reconcile.Option) StrategyFactory {
	return func(env Env) (Strategy, error) {
		r := &reconcileHostStrategy{env: env}
		all := append([]reconcile.Option{reconcile.WithLogger(env.Logger), reconcile.WithClock(env.Clock)}, opts...)
		h, err := reconcile.NewHost(env.State, env.Players, env.InitialInputs, reconcile.HostIO{
			PollInput:            env.PollInput,
			BroadcastStateUpdate: r.broadcastUpdate,
			ReportLatency: func(player ir.PlayerID, frame ir.Frame, accepted bool, lat *time.Duration) error {
				return env.SendTo(player, wire.NewLatencyReport(frame, player, accepted, lat))
			},
		}, all...)
		if err != nil {
			return nil, err
		}
		r.host = h
		return r, nil
	}
}

func (r *reconcileHostStrategy) broadcastUpdate(frame ir.Frame, snap ir.Snapshot, inputs sim.Inputs) error {
	encoded := make([]wire.PlayerInput, 0, len(inputs))
	for id, in := range inputs {
		payload, err := encodeInput(r.env, in)
		if err != nil {
			return err
		}
		encoded = append(encoded, wire.PlayerInput{Player: id, Payload: payload})
	}
	return r.env.Broadcast(wire.NewStateUpdate(frame, snap, encoded))
}

func (r *reconcileHostStrategy) Name() string { return "reconcile-host" }

func (r *reconcileHostStrategy) Start() error { return nil }

func (r *reconcileHostStrategy) Step() error { return r.host.Tick() }

func (r *reconcileHostStrategy) Handle(m wire.Message) error {
	if m.Type != wire.TypeInput {
		return unexpected(r.Name(), m)
	}
	in, err := decodeInput(r.env, m)
	if err != nil {
		return err
	}
	return r.host.OnRemoteInput(m.Frame, m.Player, in)
}

func (r *reconcileHostStrategy) RelaysInputs() bool { return false }

func (r *reconcileHostStrategy) Frame() ir.Frame { return r.host.Frame() }

func (r *reconcileHostStrategy) Snapshot() (ir.Snapshot, error) { return r.host.Snapshot() }

func (r *reconcileHostStrategy) Stats() StrategyStats {
	return StrategyStats{Frame: r.host.Frame(), Detail: r.host.Stats()}
}

func (r *reconcileHostStrategy) Dump() string { return litter.Sdump(r.host.Stats()) }

type reconcileClientStrategy struct {
	env    Env
	client *reconcile.Client
}

// ReconcileClient returns a factory for a backwards reconciliation client.
func ReconcileClient(opts ...reconcile.Option) StrategyFactory {
	return func(env Env) (Strategy, error) {
		r := &reconcileClientStrategy{env: env}
		all := append([]reconcile.Option{reconcile.WithLogger(env.Logger), reconcile.WithClock(env.Clock)}, opts...)
		c, err := reconcile.NewClient(env.State, env.Players, env.InitialInputs, reconcile.ClientIO{
			PollInput: env.PollInput,
			SendInput: func(frame ir.Frame, in sim.Input) error {
				payload, err := encodeInput(env, in)
				if err != nil {
					return err
				}
				return env.Broadcast(wire.NewInput(frame, env.Local.ID, payload))
			},
		}, all...)
		if err != nil {
			return nil, err
		}
		r.client = c
		return r, nil
	}
}

func (r *reconcileClientStrategy) Name() string { return "reconcile-client" }

func (r *reconcileClientStrategy) Start() error { return nil }

func (r *reconcileClientStrategy) Step() error {
	_, err := r.client.Step()
	return err
}

func (r *reconcileClientStrategy) Handle(m wire.Message) error {
	switch m.Type {
	case wire.TypeStateUpdate:
		inputs := make(sim.Inputs, len(m.Inputs))
		for _, pi := range m.Inputs {
			in, err := decodeInput(r.env, wire.Message{Frame: m.Frame, Player: pi.Player, Payload: pi.Payload})
			if err != nil {
				return err
			}
			inputs[pi.Player] = in
		}
		return r.client.OnStateUpdate(m.Frame, ir.Snapshot(m.Payload), inputs)
	case wire.TypeLatencyReport:
		if m.Player != r.env.Local.ID {
			return engine.NewProtocolError(engine.ErrCodeUnexpectedMessage, m.Frame, m.Player,
				"latency report addressed to another player")
		}
		r.client.OnLatencyReport(m.Frame, *m.Accepted, m.Latency)
		return nil
	default:
		return unexpected(r.Name(), m)
	}
}

func (r *reconcileClientStrategy) RelaysInputs() bool { return false }

func (r *reconcileClientStrategy) Frame() ir.Frame { return r.client.Frame() }

func (r *reconcileClientStrategy) Snapshot() (ir.Snapshot, error) {
	return r.client.History().Last().Snapshot.Clone(), nil
}

func (r *reconcileClientStrategy) Stats() StrategyStats {
	h := r.client.History()
	return StrategyStats{
		Frame:           r.client.Frame(),
		HistoryLen:      h.Len(),
		PredictedFrames: h.Len() - 1,
		Detail:          r.client.Stats(),
	}
}

func (r *reconcileClientStrategy) History() *engine.History { return r.client.History() }

func (r *reconcileClientStrategy) Dump() string {
	return engine.DumpEntries(r.client.History().Entries())
}
