package sim

import (
	"sort"

	"github.com/roach88/rewind/internal/ir"
)

// Player is a participant in a session. Locality and role are independent:
// a host's own player is both local and authoritative.
type Player struct {
	ID            ir.PlayerID `json:"id" yaml:"id"`
	Local         bool        `json:"local" yaml:"local"`
	Authoritative bool        `json:"authoritative" yaml:"authoritative"`
}

// Input is one player's input for one frame. Values must be treated as
// immutable once handed to a strategy.
type Input any

// Predictor is implemented by inputs that can guess the next frame's input.
type Predictor interface {
	PredictNext() Input
}

// PredictNext returns the predicted successor of in. Inputs that do not
// implement Predictor are assumed to repeat.
func PredictNext(in Input) Input {
	if p, ok := in.(Predictor); ok {
		return p.PredictNext()
	}
	return in
}

// Inputs maps each player to its input for a single frame.
type Inputs map[ir.PlayerID]Input

// Clone returns a shallow copy of the map.
func (in Inputs) Clone() Inputs {
	out := make(Inputs, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// State is a deterministic simulation.
//
// Tick must consume exactly one input per player and depend on nothing but
// the current state and those inputs. Snapshot must return bytes that do not
// alias the live state; Restore must fully replace it.
type State interface {
	Tick(inputs Inputs) error
	Snapshot() (ir.Snapshot, error)
	Restore(snapshot ir.Snapshot) error
}

// StateFactory builds a fresh simulation in its initial state.
type StateFactory func() State

// InputCodec converts inputs to and from their wire form.
type InputCodec interface {
	EncodeInput(in Input) ([]byte, error)
	DecodeInput(data []byte) (Input, error)
}

// SortPlayers returns a copy of players ordered by ID.
func SortPlayers(players []Player) []Player {
	out := make([]Player, len(players))
	copy(out, players)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LocalPlayer returns the single local player, or false if there is not
// exactly one.
func LocalPlayer(players []Player) (Player, bool) {
	var found Player
	n := 0
	for _, p := range players {
		if p.Local {
			found = p
			n++
		}
	}
	return found, n == 1
}

// HasAuthoritativeLocal reports whether the local player holds the
// authoritative role.
func HasAuthoritativeLocal(players []Player) bool {
	for _, p := range players {
		if p.Local && p.Authoritative {
			return true
		}
	}
	return false
}
