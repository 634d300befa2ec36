package engine

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/sim"
	"github.com/roach88/rewind/internal/testutil"
)

func TestNewValidatesConfiguration(t *testing.T) {
	players := testutil.TwoPlayers(false)
	hooks := IO{
		PollInput:      testutil.ScriptedInput(),
		BroadcastInput: func(ir.Frame, sim.Input) error { return nil },
	}

	tests := []struct {
		name    string
		players []sim.Player
		inputs  sim.Inputs
		hooks   IO
		opts    []Option
	}{
		{"no local player", []sim.Player{{ID: 0}, {ID: 1}}, sim.Inputs{0: 0, 1: 0}, hooks, nil},
		{"two local players", []sim.Player{{ID: 0, Local: true}, {ID: 1, Local: true}}, sim.Inputs{0: 0, 1: 0}, hooks, nil},
		{"missing initial input", players, sim.Inputs{0: 0}, hooks, nil},
		{"missing poll", players, sim.Inputs{0: 0, 1: 0}, IO{BroadcastInput: hooks.BroadcastInput}, nil},
		{"zero prediction limit", players, sim.Inputs{0: 0, 1: 0}, hooks, []Option{WithMaxPredictedFrames(0)}},
		{"duplicate ids", []sim.Player{{ID: 0, Local: true}, {ID: 0}}, sim.Inputs{0: 0}, hooks, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(testutil.NewCounter(0, 1), tt.players, tt.inputs, tt.hooks, tt.opts...)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNewAuthoritativeRequiresBroadcaster(t *testing.T) {
	players := testutil.TwoPlayers(true)
	hooks := IO{
		PollInput:      testutil.ScriptedInput(),
		BroadcastInput: func(ir.Frame, sim.Input) error { return nil },
	}

	_, err := New(testutil.NewCounter(0, 1), players, testutil.ZeroInputs(players), hooks)
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeMissingBroadcaster))
}

func TestNewSeedsConfirmedFrameZero(t *testing.T) {
	e, _ := newTestEngine(t, false, testutil.ScriptedInput(1))

	assert.Equal(t, ir.Frame(0), e.CurrentFrame())
	assert.Equal(t, 1, e.History().Len())
	assert.True(t, e.History().First().Confirmed())
	assert.Equal(t, 0, e.PredictedFrameCount())
	assert.False(t, e.ShouldStall())
}

func TestTickBroadcastsLocalInputForNextFrame(t *testing.T) {
	e, s := newTestEngine(t, false, testutil.ScriptedInput(4, 5, 6))

	assert.Equal(t, 3, tickN(t, e, 3))
	assert.Equal(t, []ir.Frame{1, 2, 3}, s.inputs)
	assert.Equal(t, []sim.Input{4, 5, 6}, s.values)

	last := e.History().Last()
	assert.Equal(t, InputSlot{Value: 6, Confirmed: true}, last.Inputs[0])
	assert.Equal(t, InputSlot{Value: 0, Confirmed: false}, last.Inputs[1])
	requireConsistent(t, e)
}

// Remote input for frame 5 never arrives: the peer predicts ten frames and
// then freezes.
func TestStallAfterMaxPredictedFrames(t *testing.T) {
	e, _ := newTestEngine(t, false, testutil.ScriptedInput(1))

	advanced := tickN(t, e, 11)

	assert.Equal(t, 10, advanced)
	assert.True(t, e.ShouldStall())
	assert.Equal(t, ir.Frame(10), e.CurrentFrame())
	assert.Equal(t, 10, e.PredictedFrameCount())
	assert.Equal(t, 1, e.Stats().Stalls)
	assert.Equal(t, []ir.PlayerID{1}, e.Stats().Awaiting)
	assert.Equal(t, DefaultMaxPredictedFrames, e.Stats().MaxPredicted)
}

func TestStallFreezesTenFramesPastLastConfirmed(t *testing.T) {
	e, _ := newTestEngine(t, false, testutil.ScriptedInput(1))
	for f := ir.Frame(1); f <= 4; f++ {
		require.NoError(t, e.OnRemoteInput(f, 1, 2))
	}

	tickN(t, e, 20)

	assert.Equal(t, ir.Frame(14), e.CurrentFrame())
	assert.True(t, e.ShouldStall())
	assert.Equal(t, 10, e.PredictedFrameCount())
	requireConsistent(t, e)
}

func TestBoundedPredictionAfterEveryTick(t *testing.T) {
	e, _ := newTestEngine(t, false, testutil.ScriptedInput(1), WithMaxPredictedFrames(4))
	for i := 0; i < 12; i++ {
		_, err := e.Tick()
		require.NoError(t, err)
		assert.LessOrEqual(t, e.PredictedFrameCount(), 4)
	}
	assert.Equal(t, ir.Frame(4), e.CurrentFrame())
}

func TestFutureInputIsQueuedThenConsumed(t *testing.T) {
	e, _ := newTestEngine(t, false, testutil.ScriptedInput(1))

	require.NoError(t, e.OnRemoteInput(1, 1, 7))
	require.NoError(t, e.OnRemoteInput(2, 1, 8))
	assert.Equal(t, 2, e.LargestFutureSize())

	tickN(t, e, 2)

	assert.Equal(t, 0, e.LargestFutureSize())
	assert.Equal(t, InputSlot{Value: 7, Confirmed: true}, e.History().At(1).Inputs[1])
	assert.Equal(t, InputSlot{Value: 8, Confirmed: true}, e.History().At(2).Inputs[1])
	assert.Equal(t, 0, e.PredictedFrameCount())
	assert.Equal(t, 0, e.Stats().Rollbacks)
}

// Frame 3 was predicted as Y; X arrives when the newest frame is 5.
func TestRollbackRecomputesPredictionSpan(t *testing.T) {
	e, _ := newTestEngine(t, false, testutil.ScriptedInput(1, 2, 3, 4, 5))
	require.NoError(t, e.OnRemoteInput(1, 1, 5))
	require.NoError(t, e.OnRemoteInput(2, 1, 5))
	tickN(t, e, 5)

	h := e.History()
	require.Equal(t, ir.Frame(5), e.CurrentFrame())
	assert.Equal(t, InputSlot{Value: 5, Confirmed: false}, h.At(3).Inputs[1])
	before := h.Entries()

	require.NoError(t, e.OnRemoteInput(3, 1, 9))

	assert.Equal(t, InputSlot{Value: 9, Confirmed: true}, h.At(3).Inputs[1])
	assert.Equal(t, InputSlot{Value: 9, Confirmed: false}, h.At(4).Inputs[1])
	assert.Equal(t, InputSlot{Value: 9, Confirmed: false}, h.At(5).Inputs[1])
	for i := 3; i <= 5; i++ {
		assert.False(t, before[i].Snapshot.Equal(h.At(i).Snapshot), "frame %d recomputed", i)
		assert.Equal(t, before[i].Inputs[0], h.At(i).Inputs[0], "local input untouched at frame %d", i)
	}
	for i := 0; i <= 2; i++ {
		assert.True(t, before[i].Snapshot.Equal(h.At(i).Snapshot), "frame %d untouched", i)
	}

	assert.Equal(t, 2, e.PredictedFrameCount())
	assert.Equal(t, 1, e.Stats().Rollbacks)
	assert.Equal(t, 3, e.Stats().Resimulated)
	requireConsistent(t, e)
}

type stepInput int

func (s stepInput) PredictNext() sim.Input { return s + 1 }

type stepCounter struct{ *testutil.Counter }

func (s stepCounter) Tick(inputs sim.Inputs) error {
	plain := make(sim.Inputs, len(inputs))
	for id, in := range inputs {
		switch v := in.(type) {
		case stepInput:
			plain[id] = int(v)
		default:
			plain[id] = v
		}
	}
	return s.Counter.Tick(plain)
}

func TestRollbackChainsPredictNext(t *testing.T) {
	players := testutil.TwoPlayers(false)
	hooks := IO{
		PollInput:      func() sim.Input { return stepInput(0) },
		BroadcastInput: func(ir.Frame, sim.Input) error { return nil },
	}
	e, err := New(stepCounter{testutil.NewCounter(0, 1)}, players,
		sim.Inputs{0: stepInput(0), 1: stepInput(0)}, hooks, WithLogger(discardLogger()))
	require.NoError(t, err)
	tickN(t, e, 4)

	require.NoError(t, e.OnRemoteInput(1, 1, stepInput(10)))

	h := e.History()
	assert.Equal(t, stepInput(10), h.At(1).Inputs[1].Value)
	assert.Equal(t, stepInput(11), h.At(2).Inputs[1].Value)
	assert.Equal(t, stepInput(12), h.At(3).Inputs[1].Value)
	assert.Equal(t, stepInput(13), h.At(4).Inputs[1].Value)
}

func TestRemoteInputProtocolViolations(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(e *Engine) error
		frame  ir.Frame
		player ir.PlayerID
		code   ProtocolErrorCode
	}{
		{"gap", nil, 2, 1, ErrCodeOutOfOrderInput},
		{"frame zero", nil, 0, 1, ErrCodeOutOfOrderInput},
		{"duplicate", func(e *Engine) error { return e.OnRemoteInput(1, 1, 1) }, 1, 1, ErrCodeOutOfOrderInput},
		{"unknown player", nil, 1, 7, ErrCodeUnknownPlayer},
		{"local player", nil, 1, 0, ErrCodeNotRemotePlayer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, false, testutil.ScriptedInput(1))
			tickN(t, e, 3)
			if tt.setup != nil {
				require.NoError(t, tt.setup(e))
			}

			err := e.OnRemoteInput(tt.frame, tt.player, 1)
			require.Error(t, err)
			assert.True(t, HasCode(err, tt.code), "got %v", err)

			var pe *ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.frame, pe.Frame)
			assert.Equal(t, tt.player, pe.Player)
		})
	}
}

// History [2,3,4,5] with 2 confirmed and 3 arriving: exactly frame 2 is
// popped and broadcast.
func TestAuthoritativeCompaction(t *testing.T) {
	e, s := newTestEngine(t, true, testutil.ScriptedInput(1, 2, 3, 4, 5))
	tickN(t, e, 5)
	assert.Empty(t, s.states)

	require.NoError(t, e.OnRemoteInput(1, 1, 3))
	assert.Equal(t, []ir.Frame{0}, s.states)
	require.NoError(t, e.OnRemoteInput(2, 1, 3))
	assert.Equal(t, []ir.Frame{0, 1}, s.states)

	h := e.History()
	require.Equal(t, ir.Frame(2), h.First().Frame)
	require.Equal(t, 4, h.Len())

	require.NoError(t, e.OnRemoteInput(3, 1, 3))
	frame2 := s.snaps[2]

	assert.Equal(t, []ir.Frame{0, 1, 2}, s.states)
	assert.Equal(t, ir.Frame(3), h.First().Frame)
	assert.Equal(t, 3, h.Len())
	assert.NotNil(t, frame2)
	assert.Equal(t, 3, e.Stats().Compacted)
	requireConsistent(t, e)
}

func TestCompactionBroadcastsTheStoredSnapshot(t *testing.T) {
	var hooked []Entry
	e, s := newTestEngine(t, true, testutil.ScriptedInput(1, 2),
		WithConfirmedHook(func(en Entry) { hooked = append(hooked, en) }))
	tickN(t, e, 2)
	want := e.History().At(1).Snapshot.Clone()

	require.NoError(t, e.OnRemoteInput(1, 1, 0))

	assert.True(t, want.Equal(e.History().First().Snapshot))
	require.Len(t, hooked, 1)
	assert.Equal(t, ir.Frame(0), hooked[0].Frame)
	assert.True(t, hooked[0].Snapshot.Equal(s.snaps[0]))
}

func TestCompactionAfterTickConsumesFutureInputs(t *testing.T) {
	e, s := newTestEngine(t, true, testutil.ScriptedInput(1))
	require.NoError(t, e.OnRemoteInput(1, 1, 1))
	require.NoError(t, e.OnRemoteInput(2, 1, 1))
	assert.Equal(t, 2, e.TicksDue())

	advanced, err := e.Step()
	require.NoError(t, err)

	assert.Equal(t, 2, advanced)
	assert.Equal(t, []ir.Frame{0, 1}, s.states)
	assert.Equal(t, 1, e.History().Len())
	assert.Equal(t, ir.Frame(2), e.History().First().Frame)
	requireConsistent(t, e)
}

func TestTicksDueOnNonAuthoritativePeer(t *testing.T) {
	e, _ := newTestEngine(t, false, testutil.ScriptedInput(1))
	require.NoError(t, e.OnRemoteInput(1, 1, 1))
	assert.Equal(t, 1, e.TicksDue())

	c, _ := newTestEngine(t, false, testutil.ScriptedInput(1),
		WithCatchUp(CatchUp{Threshold: 1, Multiplier: 2}))
	require.NoError(t, c.OnRemoteInput(1, 1, 1))
	assert.Equal(t, 2, c.TicksDue())
}

func TestStateSyncReplacesPrefixAndResimulates(t *testing.T) {
	e, _ := newTestEngine(t, false, testutil.ScriptedInput(1, 2, 3))
	require.NoError(t, e.OnRemoteInput(1, 1, 4))
	require.NoError(t, e.OnRemoteInput(2, 1, 4))
	tickN(t, e, 3)
	before := e.History().Entries()

	corrected := testutil.NewCounter(0, 1)
	corrected.Frame = 2
	corrected.Mix = 999
	corrected.Sums[0] = 100
	snap, err := corrected.Snapshot()
	require.NoError(t, err)

	require.NoError(t, e.OnStateSync(2, snap))

	h := e.History()
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, ir.Frame(2), h.First().Frame)
	assert.True(t, snap.Equal(h.First().Snapshot))
	assert.False(t, before[3].Snapshot.Equal(h.At(1).Snapshot), "frame 3 resimulated on corrected state")
	assert.Equal(t, before[3].Inputs, h.At(1).Inputs)
	requireConsistent(t, e)
}

func TestStateSyncIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, false, testutil.ScriptedInput(1, 2, 3, 4))
	require.NoError(t, e.OnRemoteInput(1, 1, 4))
	tickN(t, e, 4)

	snap := e.History().At(1).Snapshot.Clone()
	require.NoError(t, e.OnStateSync(1, snap))
	first := e.History().Entries()

	require.NoError(t, e.OnStateSync(1, snap))
	assert.Equal(t, first, e.History().Entries())
}

func TestStateSyncStoresCopy(t *testing.T) {
	e, _ := newTestEngine(t, false, testutil.ScriptedInput(1))
	tickN(t, e, 1)

	snap := e.History().First().Snapshot.Clone()
	require.NoError(t, e.OnStateSync(0, snap))
	snap[0] = 'X'

	assert.NotEqual(t, byte('X'), e.History().First().Snapshot[0])
}

func TestStateSyncViolations(t *testing.T) {
	t.Run("authoritative peer", func(t *testing.T) {
		e, _ := newTestEngine(t, true, testutil.ScriptedInput(1))
		err := e.OnStateSync(0, e.History().First().Snapshot)
		assert.True(t, HasCode(err, ErrCodeUnexpectedStateSync), "got %v", err)
	})

	t.Run("frame not simulated", func(t *testing.T) {
		e, _ := newTestEngine(t, false, testutil.ScriptedInput(1))
		require.NoError(t, e.OnRemoteInput(1, 1, 1))
		require.NoError(t, e.OnRemoteInput(2, 1, 1))
		tickN(t, e, 2)
		before := e.History().Entries()
		err := e.OnStateSync(9, e.History().First().Snapshot)
		assert.True(t, HasCode(err, ErrCodeUnexpectedStateSync), "got %v", err)
		assert.Equal(t, before, e.History().Entries(), "a rejected sync leaves history untouched")
	})

	t.Run("would discard prediction", func(t *testing.T) {
		e, _ := newTestEngine(t, false, testutil.ScriptedInput(1))
		tickN(t, e, 3)
		before := e.History().Entries()
		err := e.OnStateSync(2, e.History().At(2).Snapshot)
		assert.True(t, HasCode(err, ErrCodeUnconfirmedPrefix), "got %v", err)
		assert.Equal(t, before, e.History().Entries(), "a rejected sync leaves history untouched")
	})
}

func TestDumpHistory(t *testing.T) {
	e, _ := newTestEngine(t, false, testutil.ScriptedInput(1))
	tickN(t, e, 1)

	dump := e.DumpHistory()
	assert.Contains(t, dump, "Hash:")
	assert.Contains(t, dump, "Confirmed: true")
	assert.Contains(t, dump, "Confirmed: false")
}

// message is an in-flight broadcast between the two test peers.
type message struct {
	state bool
	frame ir.Frame
	input sim.Input
	snap  ir.Snapshot
}

// TestHostClientConvergence drives an authoritative and a non-authoritative
// engine over two FIFO queues with randomized delivery, checking every
// invariant after each step and agreement on all confirmed frames at the end.
func TestHostClientConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var toClient, toHost []message

	players := testutil.TwoPlayers(true)
	hostFrame := 0
	host, err := New(testutil.NewCounter(0, 1), players, testutil.ZeroInputs(players), IO{
		PollInput: func() sim.Input { hostFrame++; return hostFrame % 3 },
		BroadcastInput: func(f ir.Frame, in sim.Input) error {
			toClient = append(toClient, message{frame: f, input: in})
			return nil
		},
		BroadcastState: func(f ir.Frame, snap ir.Snapshot) error {
			toClient = append(toClient, message{state: true, frame: f, snap: snap})
			return nil
		},
	}, WithLogger(discardLogger()), WithMaxPredictedFrames(6))
	require.NoError(t, err)

	clientPlayers := []sim.Player{{ID: 0, Authoritative: true}, {ID: 1, Local: true}}
	clientFrame := 0
	client, err := New(testutil.NewCounter(0, 1), clientPlayers, testutil.ZeroInputs(clientPlayers), IO{
		PollInput: func() sim.Input { clientFrame++; return (clientFrame / 4) % 2 },
		BroadcastInput: func(f ir.Frame, in sim.Input) error {
			toHost = append(toHost, message{frame: f, input: in})
			return nil
		},
	}, WithLogger(discardLogger()), WithMaxPredictedFrames(6))
	require.NoError(t, err)

	deliver := func(n int) {
		for i := 0; i < n && len(toClient) > 0; i++ {
			m := toClient[0]
			toClient = toClient[1:]
			if m.state {
				require.NoError(t, client.OnStateSync(m.frame, m.snap))
			} else {
				require.NoError(t, client.OnRemoteInput(m.frame, 0, m.input))
			}
		}
		for i := 0; i < n && len(toHost) > 0; i++ {
			m := toHost[0]
			toHost = toHost[1:]
			require.NoError(t, host.OnRemoteInput(m.frame, 1, m.input))
		}
	}

	for step := 0; step < 300; step++ {
		_, err := host.Step()
		require.NoError(t, err)
		_, err = client.Step()
		require.NoError(t, err)
		deliver(rng.Intn(3))

		require.LessOrEqual(t, host.PredictedFrameCount(), 6)
		require.LessOrEqual(t, client.PredictedFrameCount(), 6)
		requireConsistent(t, host)
		requireConsistent(t, client)
	}
	for len(toClient) > 0 || len(toHost) > 0 {
		deliver(1)
	}
	requireConsistent(t, host)
	requireConsistent(t, client)

	hostEntries := host.History().Entries()
	checked := 0
	for _, ce := range client.History().Entries() {
		if !ce.Confirmed() {
			continue
		}
		for _, he := range hostEntries {
			if he.Frame == ce.Frame && he.Confirmed() {
				assert.True(t, he.Snapshot.Equal(ce.Snapshot), "frame %d diverged", ce.Frame)
				checked++
			}
		}
	}
	assert.Greater(t, checked, 0)
	assert.Greater(t, host.Stats().Compacted, 0)
	assert.Greater(t, client.Stats().StateSyncs, 0)
}
