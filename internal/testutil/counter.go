package testutil

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/sim"
)

// Counter is a minimal deterministic simulation for engine tests.
//
// Inputs are ints. Each tick adds every player's input to that player's sum
// and folds the inputs, in player order, into Mix so that a wrong input on
// any frame changes every later snapshot.
type Counter struct {
	Frame int64                 `json:"frame"`
	Mix   int64                 `json:"mix"`
	Sums  map[ir.PlayerID]int64 `json:"sums"`
}

// NewCounter creates a counter at frame 0 with zero sums for players.
func NewCounter(players ...ir.PlayerID) *Counter {
	c := &Counter{Sums: make(map[ir.PlayerID]int64, len(players))}
	for _, p := range players {
		c.Sums[p] = 0
	}
	return c
}

// Tick implements sim.State.
func (c *Counter) Tick(inputs sim.Inputs) error {
	ids := make([]ir.PlayerID, 0, len(inputs))
	for id := range inputs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		v, ok := inputs[id].(int)
		if !ok {
			return fmt.Errorf("counter: player %d input is %T, want int", id, inputs[id])
		}
		c.Sums[id] += int64(v)
		c.Mix = (c.Mix*31 + int64(v) + int64(id)*7) % 1000003
	}
	c.Frame++
	return nil
}

// Snapshot implements sim.State using canonical JSON.
func (c *Counter) Snapshot() (ir.Snapshot, error) {
	sums := make(map[string]any, len(c.Sums))
	for id, v := range c.Sums {
		sums[strconv.Itoa(int(id))] = v
	}
	return ir.MarshalCanonical(map[string]any{
		"frame": c.Frame,
		"mix":   c.Mix,
		"sums":  sums,
	})
}

// Restore implements sim.State.
func (c *Counter) Restore(s ir.Snapshot) error {
	var next Counter
	if err := json.Unmarshal(s, &next); err != nil {
		return fmt.Errorf("counter: restore: %w", err)
	}
	if next.Sums == nil {
		next.Sums = make(map[ir.PlayerID]int64)
	}
	*c = next
	return nil
}

// CounterFactory returns a sim.StateFactory building counters for players.
func CounterFactory(players ...ir.PlayerID) sim.StateFactory {
	return func() sim.State { return NewCounter(players...) }
}

// IntCodec encodes int inputs as decimal JSON numbers.
type IntCodec struct{}

// EncodeInput implements sim.InputCodec.
func (IntCodec) EncodeInput(in sim.Input) ([]byte, error) {
	v, ok := in.(int)
	if !ok {
		return nil, fmt.Errorf("int codec: got %T", in)
	}
	return []byte(strconv.Itoa(v)), nil
}

// DecodeInput implements sim.InputCodec.
func (IntCodec) DecodeInput(data []byte) (sim.Input, error) {
	v, err := strconv.Atoi(string(data))
	if err != nil {
		return nil, fmt.Errorf("int codec: %w", err)
	}
	return v, nil
}

// ScriptedInput returns a PollInput function that yields values in order and
// then repeats the last one. An empty script always yields 0.
func ScriptedInput(values ...int) func() sim.Input {
	i := 0
	return func() sim.Input {
		if len(values) == 0 {
			return 0
		}
		v := values[len(values)-1]
		if i < len(values) {
			v = values[i]
		}
		i++
		return v
	}
}

// TwoPlayers returns a local player 0 and a remote player 1. The local
// player is authoritative when host is true; otherwise player 1 is.
func TwoPlayers(host bool) []sim.Player {
	return []sim.Player{
		{ID: 0, Local: true, Authoritative: host},
		{ID: 1, Local: false, Authoritative: !host},
	}
}

// ZeroInputs returns a 0 input for every player.
func ZeroInputs(players []sim.Player) sim.Inputs {
	out := make(sim.Inputs, len(players))
	for _, p := range players {
		out[p.ID] = 0
	}
	return out
}
