package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/sim"
)

// marshalPlayers converts players to canonical JSON TEXT for storage.
// Locality is not stored: it only means something to the recording peer.
func marshalPlayers(players []sim.Player) (string, error) {
	list := make([]any, 0, len(players))
	for _, p := range sim.SortPlayers(players) {
		list = append(list, map[string]any{
			"id":            int(p.ID),
			"authoritative": p.Authoritative,
		})
	}
	data, err := ir.MarshalCanonical(list)
	if err != nil {
		return "", fmt.Errorf("marshal players: %w", err)
	}
	return string(data), nil
}

func unmarshalPlayers(data string) ([]sim.Player, error) {
	var players []sim.Player
	if err := json.Unmarshal([]byte(data), &players); err != nil {
		return nil, fmt.Errorf("unmarshal players: %w", err)
	}
	if players == nil {
		players = []sim.Player{}
	}
	return players, nil
}

// marshalConfig canonicalizes a JSON config document. Empty means "{}".
func marshalConfig(config []byte) (string, error) {
	if len(config) == 0 {
		return "{}", nil
	}
	data, err := ir.CanonicalizeJSON(config)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(data), nil
}
