package engine

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/sanity-io/litter"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/sim"
)

// IO holds the collaborators the engine calls out to.
//
// PollInput and BroadcastInput are required. BroadcastState is required on
// the authoritative peer and ignored elsewhere.
type IO struct {
	PollInput      func() sim.Input
	BroadcastInput func(frame ir.Frame, in sim.Input) error
	BroadcastState func(frame ir.Frame, snapshot ir.Snapshot) error
}

// Engine is the rollback synchronization engine for one peer.
//
// Engine is not safe for concurrent use. Tick, OnRemoteInput and OnStateSync
// all mutate the history buffer and the live state, so one goroutine must
// drive every call (see session.Run).
//
// INVARIANTS:
//   - history.First() is always fully confirmed
//   - history frames are gap-free and increasing
//   - history[i].Snapshot == tick(history[i-1].Snapshot, history[i].Inputs)
//   - an authoritative engine never retains two leading confirmed entries
//     after a call returns
type Engine struct {
	state         sim.State
	players       []sim.Player // sorted by ID
	byID          map[ir.PlayerID]sim.Player
	local         sim.Player
	authoritative bool
	io            IO

	history *History
	future  FutureQueues
	highest map[ir.PlayerID]ir.Frame
	stall   *StallController

	maxPredicted int
	catchUp      CatchUp
	logger       *slog.Logger
	onConfirmed  func(Entry)

	stats Stats
}

// Stats are cumulative engine counters.
type Stats struct {
	Ticks       int `json:"ticks"`
	Stalls      int `json:"stalls"`
	Rollbacks   int `json:"rollbacks"`
	Resimulated int `json:"resimulated"`
	Compacted   int `json:"compacted"`
	StateSyncs  int `json:"state_syncs"`

	// MaxPredicted is the configured prediction limit.
	MaxPredicted int `json:"max_predicted"`

	// Awaiting lists the players whose inputs are still predicted.
	Awaiting []ir.PlayerID `json:"awaiting,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxPredictedFrames sets the prediction depth at which ticks stall.
//
// Default: 10 (DefaultMaxPredictedFrames)
func WithMaxPredictedFrames(n int) Option {
	return func(e *Engine) {
		e.maxPredicted = n
	}
}

// WithCatchUp sets the catch-up policy used by TicksDue.
func WithCatchUp(c CatchUp) Option {
	return func(e *Engine) {
		e.catchUp = c
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithConfirmedHook registers a function called with every entry the
// authoritative peer compacts out of its history. The entry is a copy.
func WithConfirmedHook(fn func(Entry)) Option {
	return func(e *Engine) {
		e.onConfirmed = fn
	}
}

// New creates an engine seeded at frame 0 with the current state of s and
// the given initial inputs, which are treated as confirmed.
//
// players must contain exactly one local player and initialInputs must have
// an entry for every player. When the local player is authoritative,
// io.BroadcastState must be set.
func New(s sim.State, players []sim.Player, initialInputs sim.Inputs, io IO, opts ...Option) (*Engine, error) {
	e := &Engine{
		state:        s,
		players:      sim.SortPlayers(players),
		byID:         make(map[ir.PlayerID]sim.Player, len(players)),
		io:           io,
		future:       make(FutureQueues),
		highest:      make(map[ir.PlayerID]ir.Frame),
		maxPredicted: DefaultMaxPredictedFrames,
		catchUp:      DefaultCatchUp(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if s == nil {
		return nil, fmt.Errorf("%w: state is nil", ErrInvalidConfig)
	}
	if io.PollInput == nil || io.BroadcastInput == nil {
		return nil, fmt.Errorf("%w: PollInput and BroadcastInput are required", ErrInvalidConfig)
	}
	if e.maxPredicted < 1 {
		return nil, fmt.Errorf("%w: max predicted frames must be at least 1, got %d", ErrInvalidConfig, e.maxPredicted)
	}
	local, ok := sim.LocalPlayer(players)
	if !ok {
		return nil, fmt.Errorf("%w: exactly one local player required", ErrInvalidConfig)
	}
	e.local = local
	e.authoritative = local.Authoritative

	seed := Entry{Frame: 0, Inputs: make(map[ir.PlayerID]InputSlot, len(players))}
	for _, p := range e.players {
		if _, dup := e.byID[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate player id %d", ErrInvalidConfig, p.ID)
		}
		e.byID[p.ID] = p
		in, ok := initialInputs[p.ID]
		if !ok {
			return nil, fmt.Errorf("%w: no initial input for player %d", ErrInvalidConfig, p.ID)
		}
		seed.Inputs[p.ID] = InputSlot{Value: in, Confirmed: true}
		if !p.Local {
			e.future[p.ID] = &FutureQueue{}
			e.highest[p.ID] = 0
		}
	}

	if e.authoritative && io.BroadcastState == nil {
		return nil, NewProtocolError(ErrCodeMissingBroadcaster, 0, local.ID,
			"authoritative peer requires a state broadcast function")
	}

	snap, err := s.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot initial state: %w", err)
	}
	seed.Snapshot = snap.Clone()
	e.history = NewHistory(seed)
	e.stall = NewStallController(e.maxPredicted, e.catchUp)

	return e, nil
}

// Tick advances the simulation by one frame.
//
// It returns false without doing anything when the stall gate is closed.
// Otherwise the local input is polled and broadcast, remote inputs are taken
// from the future queue or predicted, and exactly one entry is appended.
func (e *Engine) Tick() (bool, error) {
	if e.ShouldStall() {
		e.stats.Stalls++
		return false, nil
	}

	last := e.history.Last()
	next := last.Frame + 1

	inputs := make(map[ir.PlayerID]InputSlot, len(e.players))
	for _, p := range e.players {
		if p.Local {
			in := e.io.PollInput()
			inputs[p.ID] = InputSlot{Value: in, Confirmed: true}
			if err := e.io.BroadcastInput(next, in); err != nil {
				return false, fmt.Errorf("broadcast input for frame %d: %w", next, err)
			}
			continue
		}

		q := e.future[p.ID]
		if head, ok := q.Peek(); ok {
			if head.Frame != next {
				return false, NewProtocolError(ErrCodeFutureQueueGap, head.Frame, p.ID,
					"queued input does not match simulated frame %d", next)
			}
			q.Pop()
			inputs[p.ID] = InputSlot{Value: head.Input, Confirmed: true}
			continue
		}
		inputs[p.ID] = InputSlot{Value: sim.PredictNext(last.Inputs[p.ID].Value), Confirmed: false}
	}

	entry := Entry{Frame: next, Inputs: inputs}
	snap, err := e.advance(&entry)
	if err != nil {
		return false, err
	}
	entry.Snapshot = snap
	if err := e.history.Append(entry); err != nil {
		return false, err
	}
	e.stats.Ticks++

	if e.authoritative {
		if err := e.compact(); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Step runs TicksDue ticks, stopping early if the stall gate closes.
// It returns the number of frames advanced.
func (e *Engine) Step() (int, error) {
	due := e.TicksDue()
	advanced := 0
	for i := 0; i < due; i++ {
		ok, err := e.Tick()
		if err != nil {
			return advanced, err
		}
		if !ok {
			break
		}
		advanced++
	}
	return advanced, nil
}

// OnRemoteInput applies a confirmed input from a remote player.
//
// Inputs must arrive gap-free per player starting at frame 1. An input for a
// frame not yet simulated is queued; otherwise the player's prediction span
// is rolled back and replayed with the real value.
func (e *Engine) OnRemoteInput(frame ir.Frame, player ir.PlayerID, in sim.Input) error {
	p, ok := e.byID[player]
	if !ok {
		return NewProtocolError(ErrCodeUnknownPlayer, frame, player, "input from unknown player")
	}
	if p.Local {
		return NewProtocolError(ErrCodeNotRemotePlayer, frame, player, "input claims the local player")
	}

	expected := e.highest[player] + 1
	if frame != expected {
		return NewOutOfOrderError(frame, expected, player)
	}
	e.highest[player] = frame

	if frame > e.history.Last().Frame {
		e.future[player].Push(frame, in)
		return nil
	}

	idx := e.history.FirstPredicted(player)
	if idx < 0 || e.history.At(idx).Frame != frame {
		return NewProtocolError(ErrCodePredictionMismatch, frame, player,
			"first predicted entry is not the arriving frame")
	}
	if idx == 0 {
		return NewProtocolError(ErrCodeUnconfirmedPrefix, frame, player,
			"oldest history entry holds a prediction")
	}

	if err := e.restore(e.history.At(idx - 1).Snapshot); err != nil {
		return err
	}

	for i := idx; i < e.history.Len(); i++ {
		entry := e.history.At(i)
		slot := entry.Inputs[player]
		if slot.Confirmed {
			return NewProtocolError(ErrCodePredictionMismatch, entry.Frame, player,
				"confirmed input inside prediction span")
		}
		if i == idx {
			slot = InputSlot{Value: in, Confirmed: true}
		} else {
			prev := e.history.At(i - 1).Inputs[player].Value
			slot = InputSlot{Value: sim.PredictNext(prev), Confirmed: false}
		}
		entry.Inputs[player] = slot

		snap, err := e.advance(entry)
		if err != nil {
			return err
		}
		entry.Snapshot = snap
	}

	resimulated := e.history.Len() - idx
	e.stats.Rollbacks++
	e.stats.Resimulated += resimulated
	e.logger.Debug("rollback",
		"frame", frame,
		"player", player,
		"resimulated", resimulated,
	)

	if e.authoritative {
		return e.compact()
	}
	return nil
}

// OnStateSync applies an authoritative snapshot for frame.
//
// Only non-authoritative peers accept state syncs. Every retained entry older
// than frame is discarded, the entry for frame takes the authoritative
// snapshot, and the whole remaining buffer is resimulated with its inputs
// unchanged.
func (e *Engine) OnStateSync(frame ir.Frame, snapshot ir.Snapshot) error {
	if e.authoritative {
		return NewProtocolError(ErrCodeUnexpectedStateSync, frame, NoPlayer,
			"authoritative peer received a state sync")
	}

	idx := e.history.IndexOf(frame)
	if idx < 0 {
		return NewProtocolError(ErrCodeUnexpectedStateSync, frame, NoPlayer,
			"no history entry for synced frame (oldest=%d, newest=%d)", e.history.First().Frame, e.history.Last().Frame)
	}
	for i := 0; i < idx; i++ {
		if entry := e.history.At(i); !entry.Confirmed() {
			return NewProtocolError(ErrCodeUnconfirmedPrefix, entry.Frame, NoPlayer,
				"state sync would discard a predicted entry")
		}
	}
	for i := 0; i < idx; i++ {
		e.history.PopFront()
	}
	dropped := idx

	first := e.history.First()
	first.Snapshot = snapshot.Clone()

	if err := e.restore(first.Snapshot); err != nil {
		return err
	}
	for i := 1; i < e.history.Len(); i++ {
		entry := e.history.At(i)
		snap, err := e.advance(entry)
		if err != nil {
			return err
		}
		entry.Snapshot = snap
	}

	e.stats.StateSyncs++
	e.logger.Debug("state sync",
		"frame", frame,
		"dropped", dropped,
		"resimulated", e.history.Len()-1,
	)
	return nil
}

// compact pops the oldest entry while it and its successor are both fully
// confirmed, broadcasting each popped entry as an authoritative sync.
func (e *Engine) compact() error {
	compacted := 0
	for e.history.Len() >= 2 {
		first := e.history.First()
		if !first.Confirmed() {
			return NewProtocolError(ErrCodeUnconfirmedPrefix, first.Frame, NoPlayer,
				"oldest history entry holds a prediction")
		}
		if !e.history.At(1).Confirmed() {
			break
		}
		popped, _ := e.history.PopFront()
		if err := e.io.BroadcastState(popped.Frame, popped.Snapshot.Clone()); err != nil {
			return fmt.Errorf("broadcast state for frame %d: %w", popped.Frame, err)
		}
		if e.onConfirmed != nil {
			e.onConfirmed(popped.clone())
		}
		compacted++
	}
	if compacted > 0 {
		e.stats.Compacted += compacted
		e.logger.Debug("compacted history",
			"count", compacted,
			"oldest", e.history.First().Frame,
		)
	}
	return nil
}

// advance ticks the live state with entry's inputs and returns the new snapshot.
func (e *Engine) advance(entry *Entry) (ir.Snapshot, error) {
	if err := e.state.Tick(entry.StateInputs()); err != nil {
		return nil, fmt.Errorf("tick frame %d: %w", entry.Frame, err)
	}
	snap, err := e.state.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot frame %d: %w", entry.Frame, err)
	}
	return snap.Clone(), nil
}

func (e *Engine) restore(snap ir.Snapshot) error {
	if err := e.state.Restore(snap.Clone()); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	return nil
}

// ShouldStall reports whether the next tick would exceed the prediction limit.
func (e *Engine) ShouldStall() bool {
	return e.stall.ShouldStall(e.PredictedFrameCount())
}

// PredictedFrameCount returns the number of trailing frames that hold at
// least one predicted input, counted from the first such frame.
func (e *Engine) PredictedFrameCount() int {
	return e.history.PredictedFrameCount()
}

// TicksDue returns how many ticks the next timestep should run.
func (e *Engine) TicksDue() int {
	return e.stall.TicksDue(e.LargestFutureSize(), e.authoritative)
}

// CurrentFrame returns the newest simulated frame.
func (e *Engine) CurrentFrame() ir.Frame {
	return e.history.Last().Frame
}

// LargestFutureSize returns the depth of the deepest future-input queue.
func (e *Engine) LargestFutureSize() int {
	return e.future.Largest()
}

// History returns the live history buffer. Callers must treat it as read-only.
func (e *Engine) History() *History {
	return e.history
}

// Authoritative reports whether the local player holds the authoritative role.
func (e *Engine) Authoritative() bool {
	return e.authoritative
}

// LocalPlayer returns the local player.
func (e *Engine) LocalPlayer() sim.Player {
	return e.local
}


// Stats returns cumulative counters.
func (e *Engine) Stats() Stats {
	st := e.stats
	st.MaxPredicted = e.stall.MaxPredicted()
	if waiting := e.history.PredictedPlayers(); waiting.Cardinality() > 0 {
		st.Awaiting = waiting.ToSlice()
		sort.Slice(st.Awaiting, func(i, j int) bool { return st.Awaiting[i] < st.Awaiting[j] })
	}
	return st
}

// historyDump is the shape printed by DumpHistory.
type historyDump struct {
	Frame  ir.Frame
	Hash   string
	Inputs map[ir.PlayerID]InputSlot
}

// DumpHistory renders the history buffer for diagnostics.
func (e *Engine) DumpHistory() string {
	return DumpEntries(e.history.Entries())
}

// DumpEntries renders history entries with snapshot hashes in place of bytes.
func DumpEntries(entries []Entry) string {
	out := make([]historyDump, len(entries))
	for i, entry := range entries {
		out[i] = historyDump{
			Frame:  entry.Frame,
			Hash:   ir.SnapshotHash(entry.Snapshot)[:12],
			Inputs: entry.Inputs,
		}
	}
	return litter.Sdump(out)
}
