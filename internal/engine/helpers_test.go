package engine

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/sim"
	"github.com/roach88/rewind/internal/testutil"
)

// sent records everything an engine broadcast.
type sent struct {
	inputs []ir.Frame
	values []sim.Input
	states []ir.Frame
	snaps  map[ir.Frame]ir.Snapshot
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine builds a two-player counter engine. Player 0 is local and
// authoritative when host is true; otherwise player 1 is authoritative.
func newTestEngine(t *testing.T, host bool, poll func() sim.Input, opts ...Option) (*Engine, *sent) {
	t.Helper()

	players := testutil.TwoPlayers(host)
	s := &sent{snaps: make(map[ir.Frame]ir.Snapshot)}
	hooks := IO{
		PollInput: poll,
		BroadcastInput: func(f ir.Frame, in sim.Input) error {
			s.inputs = append(s.inputs, f)
			s.values = append(s.values, in)
			return nil
		},
		BroadcastState: func(f ir.Frame, snap ir.Snapshot) error {
			s.states = append(s.states, f)
			s.snaps[f] = snap
			return nil
		},
	}

	all := append([]Option{WithLogger(discardLogger())}, opts...)
	e, err := New(testutil.NewCounter(0, 1), players, testutil.ZeroInputs(players), hooks, all...)
	require.NoError(t, err)
	return e, s
}

func tickN(t *testing.T, e *Engine, n int) int {
	t.Helper()
	advanced := 0
	for i := 0; i < n; i++ {
		ok, err := e.Tick()
		require.NoError(t, err)
		if ok {
			advanced++
		}
	}
	return advanced
}

func requireConsistent(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, Verify(e.History().Entries(), testutil.NewCounter(), e.Authoritative()))
}
