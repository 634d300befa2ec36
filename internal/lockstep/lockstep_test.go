package lockstep

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/engine"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/sim"
	"github.com/roach88/rewind/internal/testutil"
)

type outMsg struct {
	state bool
	frame ir.Frame
	input sim.Input
	snap  ir.Snapshot
}

type peer struct {
	n   *Netcode
	out []outMsg
}

func newPeer(t *testing.T, host bool, poll func() sim.Input, opts ...Option) *peer {
	t.Helper()
	p := &peer{}
	players := testutil.TwoPlayers(host)
	if !host {
		players = []sim.Player{{ID: 0, Authoritative: true}, {ID: 1, Local: true}}
	}
	all := append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	n, err := New(testutil.NewCounter(0, 1), players, IO{
		PollInput: poll,
		BroadcastInput: func(f ir.Frame, in sim.Input) error {
			p.out = append(p.out, outMsg{frame: f, input: in})
			return nil
		},
		BroadcastState: func(f ir.Frame, snap ir.Snapshot) error {
			p.out = append(p.out, outMsg{state: true, frame: f, snap: snap})
			return nil
		},
	}, all...)
	require.NoError(t, err)
	p.n = n
	return p
}

// flush delivers everything from src to dst, whose remote player is from.
func flush(t *testing.T, src, dst *peer, from ir.PlayerID) {
	t.Helper()
	for _, m := range src.out {
		if m.state {
			require.NoError(t, dst.n.OnStateSync(m.frame, m.snap))
		} else {
			require.NoError(t, dst.n.OnRemoteInput(m.frame, from, m.input))
		}
	}
	src.out = nil
}

func TestStartBroadcastsFrameZeroInput(t *testing.T) {
	p := newPeer(t, true, testutil.ScriptedInput(3))
	require.NoError(t, p.n.Start())

	require.Len(t, p.out, 1)
	assert.Equal(t, ir.Frame(0), p.out[0].frame)
	assert.Equal(t, 3, p.out[0].input)
	assert.Equal(t, []ir.PlayerID{1}, p.n.Waiting())

	assert.Error(t, p.n.Start())
}

func TestTryAdvanceWaitsForEveryPlayer(t *testing.T) {
	p := newPeer(t, true, testutil.ScriptedInput(1))
	require.NoError(t, p.n.Start())

	ok, err := p.n.TryAdvance()
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = p.n.TryAdvance()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, p.n.Stats().MissedFrames)

	require.NoError(t, p.n.OnRemoteInput(0, 1, 5))
	ok, err = p.n.TryAdvance()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ir.Frame(1), p.n.Frame())
	assert.Equal(t, []ir.PlayerID{1}, p.n.Waiting())
}

func TestTryAdvanceBeforeStart(t *testing.T) {
	p := newPeer(t, true, testutil.ScriptedInput(1))
	_, err := p.n.TryAdvance()
	assert.Error(t, err)
}

func TestPeersStayInLockstep(t *testing.T) {
	host := newPeer(t, true, testutil.ScriptedInput(1, 2, 3, 4, 5, 6))
	client := newPeer(t, false, testutil.ScriptedInput(6, 5, 4, 3, 2, 1))
	require.NoError(t, host.n.Start())
	require.NoError(t, client.n.Start())

	for i := 0; i < 6; i++ {
		flush(t, host, client, 0)
		flush(t, client, host, 1)
		ok, err := host.n.TryAdvance()
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = client.n.TryAdvance()
		require.NoError(t, err)
		require.True(t, ok)
	}

	hs, err := host.n.Snapshot()
	require.NoError(t, err)
	cs, err := client.n.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, string(hs), string(cs))
	assert.Equal(t, ir.Frame(6), host.n.Frame())
	assert.Equal(t, 0, host.n.Stats().MissedFrames)
}

func TestRemoteInputOrdering(t *testing.T) {
	p := newPeer(t, true, testutil.ScriptedInput(1))
	require.NoError(t, p.n.Start())

	err := p.n.OnRemoteInput(1, 1, 0)
	assert.True(t, engine.IsOutOfOrder(err), "got %v", err)

	require.NoError(t, p.n.OnRemoteInput(0, 1, 0))
	require.NoError(t, p.n.OnRemoteInput(1, 1, 0))
	err = p.n.OnRemoteInput(1, 1, 0)
	assert.True(t, engine.IsOutOfOrder(err), "got %v", err)

	assert.True(t, engine.HasCode(p.n.OnRemoteInput(0, 0, 0), engine.ErrCodeNotRemotePlayer))
	assert.True(t, engine.HasCode(p.n.OnRemoteInput(0, 9, 0), engine.ErrCodeUnknownPlayer))
}

func TestHostStateSyncPeriod(t *testing.T) {
	host := newPeer(t, true, testutil.ScriptedInput(1), WithStateSyncPeriod(2))
	client := newPeer(t, false, testutil.ScriptedInput(2))
	require.NoError(t, host.n.Start())
	require.NoError(t, client.n.Start())

	var syncs []ir.Frame
	for _, m := range host.out {
		if m.state {
			syncs = append(syncs, m.frame)
		}
	}
	assert.Equal(t, []ir.Frame{0}, syncs)

	for i := 0; i < 4; i++ {
		flush(t, host, client, 0)
		flush(t, client, host, 1)
		_, err := host.n.TryAdvance()
		require.NoError(t, err)
		_, err = client.n.TryAdvance()
		require.NoError(t, err)
	}
	flush(t, host, client, 0)

	assert.Equal(t, 3, host.n.Stats().StateSyncsSent)
	assert.Equal(t, 3, client.n.Stats().StateSyncsReceived)
}

func TestStateSyncHeldUntilFrameReached(t *testing.T) {
	client := newPeer(t, false, testutil.ScriptedInput(2))
	require.NoError(t, client.n.Start())

	donor := testutil.NewCounter(0, 1)
	donor.Frame = 1
	donor.Mix = 77
	snap, err := donor.Snapshot()
	require.NoError(t, err)

	require.NoError(t, client.n.OnStateSync(1, snap))
	assert.Equal(t, 0, client.n.Stats().StateSyncsReceived)

	require.NoError(t, client.n.OnRemoteInput(0, 0, 1))
	ok, err := client.n.TryAdvance()
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1, client.n.Stats().StateSyncsReceived)
	got, err := client.n.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, string(snap), string(got))
}

func TestStateSyncViolations(t *testing.T) {
	host := newPeer(t, true, testutil.ScriptedInput(1))
	assert.True(t, engine.HasCode(host.n.OnStateSync(0, ir.Snapshot("{}")), engine.ErrCodeUnexpectedStateSync))

	client := newPeer(t, false, testutil.ScriptedInput(1))
	require.NoError(t, client.n.Start())
	require.NoError(t, client.n.OnRemoteInput(0, 0, 1))
	_, err := client.n.TryAdvance()
	require.NoError(t, err)

	err = client.n.OnStateSync(0, ir.Snapshot("{}"))
	assert.True(t, engine.HasCode(err, engine.ErrCodeUnexpectedStateSync), "got %v", err)
}

func TestNewRequiresBroadcasterForSyncingHost(t *testing.T) {
	players := testutil.TwoPlayers(true)
	_, err := New(testutil.NewCounter(0, 1), players, IO{
		PollInput:      testutil.ScriptedInput(),
		BroadcastInput: func(ir.Frame, sim.Input) error { return nil },
	}, WithStateSyncPeriod(5))
	assert.True(t, engine.HasCode(err, engine.ErrCodeMissingBroadcaster))

	_, err = New(testutil.NewCounter(0, 1), players, IO{PollInput: testutil.ScriptedInput()})
	assert.ErrorIs(t, err, engine.ErrInvalidConfig)
}
