// Package arena is a small deterministic game used to exercise the
// synchronization strategies end to end.
//
// Every player steers an avatar around a bounded field and scores by
// reaching the coin. All arithmetic is integer and players are processed
// in ID order, so any two peers that apply the same inputs produce
// byte-identical snapshots.
package arena

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/sim"
)

// Field dimensions and movement constants.
const (
	Width  = 600
	Height = 300
	Speed  = 5
	Reach  = 10
)

// Avatar is one player's position and score.
type Avatar struct {
	X     int64 `json:"x"`
	Y     int64 `json:"y"`
	Score int64 `json:"score"`
}

// Point is a field coordinate.
type Point struct {
	X int64 `json:"x"`
	Y int64 `json:"y"`
}

// Game is the arena state. It implements sim.State.
type Game struct {
	Frame   int64                   `json:"frame"`
	Seed    int64                   `json:"seed"`
	Coin    Point                   `json:"coin"`
	Avatars map[ir.PlayerID]*Avatar `json:"avatars"`
}

// New creates a game at frame 0 with avatars spread evenly across the field.
func New(players ...ir.PlayerID) *Game {
	ids := append([]ir.PlayerID(nil), players...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	g := &Game{
		Seed:    1,
		Avatars: make(map[ir.PlayerID]*Avatar, len(ids)),
	}
	for i, id := range ids {
		g.Avatars[id] = &Avatar{
			X: int64(Width * (i + 1) / (len(ids) + 1)),
			Y: Height / 2,
		}
	}
	g.placeCoin()
	return g
}

// Factory returns a sim.StateFactory building fresh games for players.
func Factory(players ...ir.PlayerID) sim.StateFactory {
	return func() sim.State { return New(players...) }
}

// Tick implements sim.State.
func (g *Game) Tick(inputs sim.Inputs) error {
	ids := make([]ir.PlayerID, 0, len(g.Avatars))
	for id := range g.Avatars {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		raw, ok := inputs[id]
		if !ok {
			return fmt.Errorf("arena: no input for player %d", id)
		}
		in, ok := raw.(Input)
		if !ok {
			return fmt.Errorf("arena: player %d input is %T, want arena.Input", id, raw)
		}
		if err := in.Validate(); err != nil {
			return fmt.Errorf("arena: player %d: %w", id, err)
		}

		a := g.Avatars[id]
		a.X = clamp(a.X+int64(in.DX)*Speed, 0, Width)
		a.Y = clamp(a.Y-int64(in.DY)*Speed, 0, Height)

		if abs(a.X-g.Coin.X) <= Reach && abs(a.Y-g.Coin.Y) <= Reach {
			a.Score++
			g.placeCoin()
		}
	}
	g.Frame++
	return nil
}

// placeCoin moves the coin to the next position of the game's LCG.
func (g *Game) placeCoin() {
	g.Seed = (g.Seed*1103515245 + 12345) % 2147483648
	g.Coin = Point{
		X: g.Seed % (Width + 1),
		Y: (g.Seed / (Width + 1)) % (Height + 1),
	}
}

// Snapshot implements sim.State using canonical JSON.
func (g *Game) Snapshot() (ir.Snapshot, error) {
	avatars := make(map[string]any, len(g.Avatars))
	for id, a := range g.Avatars {
		avatars[strconv.Itoa(int(id))] = map[string]any{
			"x":     a.X,
			"y":     a.Y,
			"score": a.Score,
		}
	}
	return ir.MarshalCanonical(map[string]any{
		"frame":   g.Frame,
		"seed":    g.Seed,
		"coin":    map[string]any{"x": g.Coin.X, "y": g.Coin.Y},
		"avatars": avatars,
	})
}

// Restore implements sim.State.
func (g *Game) Restore(s ir.Snapshot) error {
	var next Game
	if err := json.Unmarshal(s, &next); err != nil {
		return fmt.Errorf("arena: restore: %w", err)
	}
	if next.Avatars == nil {
		next.Avatars = make(map[ir.PlayerID]*Avatar)
	}
	*g = next
	return nil
}

// Scores returns every player's score.
func (g *Game) Scores() map[ir.PlayerID]int64 {
	out := make(map[ir.PlayerID]int64, len(g.Avatars))
	for id, a := range g.Avatars {
		out[id] = a.Score
	}
	return out
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
