package harness

import "github.com/roach88/rewind/internal/ir"

// TraceEvent is one peer's position at the end of one step.
type TraceEvent struct {
	Step      int         `json:"step"`
	Player    ir.PlayerID `json:"player"`
	Frame     ir.Frame    `json:"frame"`
	Advanced  int         `json:"advanced"`
	Predicted int         `json:"predicted"`
	Hash      string      `json:"hash"`
}

// PeerResult is one peer's final position.
type PeerResult struct {
	Player ir.PlayerID `json:"player"`
	Frame  ir.Frame    `json:"frame"`
	Hash   string      `json:"hash"`
	Stalls int         `json:"stalls"`
	Stats  any         `json:"stats"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall test success: no violation and every
	// assertion held.
	Pass bool `json:"pass"`

	// Trace has one event per peer per step, in step then player order.
	Trace []TraceEvent `json:"trace"`

	// Peers is the final position of every peer, by player.
	Peers []PeerResult `json:"peers"`

	// Errors contains violation and assertion messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Messages is the number of messages the network carried.
	Messages int `json:"messages"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Peers:  []PeerResult{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Peer returns the final result of player.
func (r *Result) Peer(player ir.PlayerID) (PeerResult, bool) {
	for _, p := range r.Peers {
		if p.Player == player {
			return p, true
		}
	}
	return PeerResult{}, false
}

func shortHash(s ir.Snapshot) string {
	return ir.SnapshotHash(s)[:12]
}
