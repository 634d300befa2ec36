package reconcile

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/sim"
	"github.com/roach88/rewind/internal/testutil"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type report struct {
	player   ir.PlayerID
	frame    ir.Frame
	accepted bool
	latency  *time.Duration
}

type update struct {
	frame  ir.Frame
	snap   ir.Snapshot
	inputs sim.Inputs
}

type sentInput struct {
	frame ir.Frame
	input sim.Input
}

type hostRig struct {
	host    *Host
	clock   *testutil.ManualClock
	reports []report
	updates []update
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func hostPlayers() []sim.Player {
	return []sim.Player{{ID: 0, Local: true, Authoritative: true}, {ID: 1}}
}

func clientPlayers() []sim.Player {
	return []sim.Player{{ID: 0, Authoritative: true}, {ID: 1, Local: true}}
}

func newHostRig(t *testing.T, poll func() sim.Input, opts ...Option) *hostRig {
	t.Helper()
	r := &hostRig{clock: testutil.NewManualClock(epoch)}
	players := hostPlayers()
	all := append([]Option{quiet(), WithClock(r.clock)}, opts...)
	h, err := NewHost(testutil.NewCounter(0, 1), players, testutil.ZeroInputs(players), HostIO{
		PollInput: poll,
		BroadcastStateUpdate: func(f ir.Frame, snap ir.Snapshot, inputs sim.Inputs) error {
			r.updates = append(r.updates, update{frame: f, snap: snap, inputs: inputs})
			return nil
		},
		ReportLatency: func(p ir.PlayerID, f ir.Frame, accepted bool, lat *time.Duration) error {
			r.reports = append(r.reports, report{player: p, frame: f, accepted: accepted, latency: lat})
			return nil
		},
	}, all...)
	require.NoError(t, err)
	r.host = h
	return r
}

type clientRig struct {
	client *Client
	sent   []sentInput
}

func newClientRig(t *testing.T, poll func() sim.Input, opts ...Option) *clientRig {
	t.Helper()
	r := &clientRig{}
	players := clientPlayers()
	all := append([]Option{quiet()}, opts...)
	c, err := NewClient(testutil.NewCounter(0, 1), players, testutil.ZeroInputs(players), ClientIO{
		PollInput: poll,
		SendInput: func(f ir.Frame, in sim.Input) error {
			r.sent = append(r.sent, sentInput{frame: f, input: in})
			return nil
		},
	}, all...)
	require.NoError(t, err)
	r.client = c
	return r
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
