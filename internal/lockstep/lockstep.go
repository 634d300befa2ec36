// Package lockstep implements turn-gated synchronization.
//
// Every peer broadcasts its input for the current frame and waits until an
// input from every player has arrived before ticking. Nothing is predicted
// and nothing is rolled back; a slow peer stalls everyone. The host may
// periodically broadcast its state so that peers with imperfectly
// deterministic simulations are pulled back into agreement.
package lockstep

import (
	"fmt"
	"log/slog"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/rewind/internal/engine"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/sim"
)

// IO holds the collaborators the netcode calls out to. BroadcastState is
// required on the host when state syncs are enabled.
type IO struct {
	PollInput      func() sim.Input
	BroadcastInput func(frame ir.Frame, in sim.Input) error
	BroadcastState func(frame ir.Frame, snapshot ir.Snapshot) error
}

type queuedInput struct {
	frame ir.Frame
	input sim.Input
}

type pendingSync struct {
	frame    ir.Frame
	snapshot ir.Snapshot
}

// Stats are cumulative lockstep counters.
type Stats struct {
	Frame              ir.Frame `json:"frame"`
	MissedFrames       int      `json:"missed_frames"`
	StateSyncsSent     int      `json:"state_syncs_sent"`
	StateSyncsReceived int      `json:"state_syncs_received"`
}

// Netcode is one peer's lockstep driver. It is not safe for concurrent use.
type Netcode struct {
	state   sim.State
	players []sim.Player
	byID    map[ir.PlayerID]sim.Player
	local   sim.Player
	host    bool
	io      IO

	frame   ir.Frame
	queues  map[ir.PlayerID][]queuedInput
	waiting mapset.Set[ir.PlayerID]
	pending []pendingSync
	started bool

	syncPeriod int
	logger     *slog.Logger
	stats      Stats
}

// Option configures a Netcode.
type Option func(*Netcode)

// WithStateSyncPeriod makes the host broadcast its state every period
// frames. Zero disables state syncs.
func WithStateSyncPeriod(period int) Option {
	return func(n *Netcode) {
		n.syncPeriod = period
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(n *Netcode) {
		n.logger = l
	}
}

// New creates a lockstep netcode at frame 0. The host is the peer whose
// local player is authoritative.
func New(s sim.State, players []sim.Player, io IO, opts ...Option) (*Netcode, error) {
	n := &Netcode{
		state:   s,
		players: sim.SortPlayers(players),
		byID:    make(map[ir.PlayerID]sim.Player, len(players)),
		io:      io,
		queues:  make(map[ir.PlayerID][]queuedInput, len(players)),
		waiting: mapset.NewThreadUnsafeSet[ir.PlayerID](),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}

	if s == nil {
		return nil, fmt.Errorf("%w: state is nil", engine.ErrInvalidConfig)
	}
	if io.PollInput == nil || io.BroadcastInput == nil {
		return nil, fmt.Errorf("%w: PollInput and BroadcastInput are required", engine.ErrInvalidConfig)
	}
	if n.syncPeriod < 0 {
		return nil, fmt.Errorf("%w: negative state sync period %d", engine.ErrInvalidConfig, n.syncPeriod)
	}
	local, ok := sim.LocalPlayer(players)
	if !ok {
		return nil, fmt.Errorf("%w: exactly one local player required", engine.ErrInvalidConfig)
	}
	n.local = local
	n.host = local.Authoritative

	for _, p := range n.players {
		if _, dup := n.byID[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate player id %d", engine.ErrInvalidConfig, p.ID)
		}
		n.byID[p.ID] = p
		n.queues[p.ID] = nil
		n.waiting.Add(p.ID)
	}

	if n.host && n.syncPeriod > 0 && io.BroadcastState == nil {
		return nil, engine.NewProtocolError(engine.ErrCodeMissingBroadcaster, 0, local.ID,
			"lockstep host with state sync period requires a state broadcast function")
	}
	return n, nil
}

// Start performs the initial state sync (host only) and broadcasts the
// local input for frame 0. It must be called once before TryAdvance.
func (n *Netcode) Start() error {
	if n.started {
		return fmt.Errorf("lockstep: already started")
	}
	n.started = true
	if err := n.tryStateSync(); err != nil {
		return err
	}
	return n.processLocalInput()
}

// TryAdvance ticks one frame if every player's input for the current frame
// is queued. Otherwise it counts a missed frame and returns false.
func (n *Netcode) TryAdvance() (bool, error) {
	if !n.started {
		return false, fmt.Errorf("lockstep: TryAdvance before Start")
	}
	if n.waiting.Cardinality() > 0 {
		n.stats.MissedFrames++
		return false, nil
	}

	inputs := make(sim.Inputs, len(n.players))
	for _, p := range n.players {
		q := n.queues[p.ID]
		head := q[0]
		if head.frame != n.frame {
			return false, engine.NewProtocolError(engine.ErrCodeFutureQueueGap, head.frame, p.ID,
				"queued input does not match frame %d", n.frame)
		}
		inputs[p.ID] = head.input
		n.queues[p.ID] = q[1:]
		if len(n.queues[p.ID]) == 0 {
			n.waiting.Add(p.ID)
		}
	}

	if err := n.state.Tick(inputs); err != nil {
		return false, fmt.Errorf("tick frame %d: %w", n.frame, err)
	}
	n.frame++

	if err := n.applyPendingSync(); err != nil {
		return true, err
	}
	if err := n.tryStateSync(); err != nil {
		return true, err
	}
	return true, n.processLocalInput()
}

// OnRemoteInput queues a remote player's input. Each player's inputs must
// continue from the current frame without gaps.
func (n *Netcode) OnRemoteInput(frame ir.Frame, player ir.PlayerID, in sim.Input) error {
	p, ok := n.byID[player]
	if !ok {
		return engine.NewProtocolError(engine.ErrCodeUnknownPlayer, frame, player, "input from unknown player")
	}
	if p.Local {
		return engine.NewProtocolError(engine.ErrCodeNotRemotePlayer, frame, player, "input claims the local player")
	}

	q := n.queues[player]
	expected := n.frame
	if len(q) > 0 {
		expected = q[len(q)-1].frame + 1
	}
	if frame != expected {
		return engine.NewOutOfOrderError(frame, expected, player)
	}

	n.queues[player] = append(q, queuedInput{frame: frame, input: in})
	n.waiting.Remove(player)
	return nil
}

// OnStateSync replaces the live state with the host's state for frame.
// A sync for a frame this peer has not reached yet is held until it does.
func (n *Netcode) OnStateSync(frame ir.Frame, snapshot ir.Snapshot) error {
	if n.host {
		return engine.NewProtocolError(engine.ErrCodeUnexpectedStateSync, frame, engine.NoPlayer,
			"host received a state sync")
	}
	if frame < n.frame {
		return engine.NewProtocolError(engine.ErrCodeUnexpectedStateSync, frame, engine.NoPlayer,
			"state sync for past frame (current=%d)", n.frame)
	}
	if len(n.pending) > 0 && frame <= n.pending[len(n.pending)-1].frame {
		return engine.NewProtocolError(engine.ErrCodeUnexpectedStateSync, frame, engine.NoPlayer,
			"state sync not after pending sync for frame %d", n.pending[len(n.pending)-1].frame)
	}
	n.pending = append(n.pending, pendingSync{frame: frame, snapshot: snapshot.Clone()})
	return n.applyPendingSync()
}

func (n *Netcode) applyPendingSync() error {
	for len(n.pending) > 0 && n.pending[0].frame == n.frame {
		ps := n.pending[0]
		n.pending = n.pending[1:]
		if err := n.state.Restore(ps.snapshot); err != nil {
			return fmt.Errorf("restore synced frame %d: %w", ps.frame, err)
		}
		n.stats.StateSyncsReceived++
		n.logger.Debug("lockstep state sync applied", "frame", ps.frame)
	}
	return nil
}

func (n *Netcode) tryStateSync() error {
	if !n.host || n.syncPeriod == 0 || int64(n.frame)%int64(n.syncPeriod) != 0 {
		return nil
	}
	snap, err := n.state.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot frame %d: %w", n.frame, err)
	}
	if err := n.io.BroadcastState(n.frame, snap.Clone()); err != nil {
		return fmt.Errorf("broadcast state for frame %d: %w", n.frame, err)
	}
	n.stats.StateSyncsSent++
	return nil
}

// processLocalInput polls once, queues the input for the current frame and
// broadcasts it.
func (n *Netcode) processLocalInput() error {
	if len(n.queues[n.local.ID]) > 0 {
		return fmt.Errorf("lockstep: local player already has input for frame %d", n.frame)
	}
	in := n.io.PollInput()
	n.queues[n.local.ID] = append(n.queues[n.local.ID], queuedInput{frame: n.frame, input: in})
	n.waiting.Remove(n.local.ID)
	if err := n.io.BroadcastInput(n.frame, in); err != nil {
		return fmt.Errorf("broadcast input for frame %d: %w", n.frame, err)
	}
	return nil
}

// Frame returns the current frame.
func (n *Netcode) Frame() ir.Frame { return n.frame }

// Waiting returns the players whose input for the current frame is missing,
// sorted by ID.
func (n *Netcode) Waiting() []ir.PlayerID {
	out := n.waiting.ToSlice()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot returns the live state's snapshot.
func (n *Netcode) Snapshot() (ir.Snapshot, error) { return n.state.Snapshot() }

// Stats returns cumulative counters.
func (n *Netcode) Stats() Stats {
	s := n.stats
	s.Frame = n.frame
	return s
}
