package engine

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/sim"
)

// InputSlot is one player's input for one frame, tagged with whether it is
// known to be the value that player actually produced.
type InputSlot struct {
	Value     sim.Input
	Confirmed bool
}

// Entry is one frame of history.
//
// Inputs are the inputs that produced Snapshot from the previous entry's
// snapshot: history[i].Snapshot == tick(history[i-1].Snapshot, history[i].Inputs).
type Entry struct {
	Frame    ir.Frame
	Snapshot ir.Snapshot
	Inputs   map[ir.PlayerID]InputSlot
}

// Confirmed reports whether every input in the entry is confirmed.
func (e *Entry) Confirmed() bool {
	for _, slot := range e.Inputs {
		if !slot.Confirmed {
			return false
		}
	}
	return true
}

// Predicted reports whether the given player's input is a prediction.
// Players absent from the entry are not predicted.
func (e *Entry) Predicted(player ir.PlayerID) bool {
	slot, ok := e.Inputs[player]
	return ok && !slot.Confirmed
}

// StateInputs strips confirmation flags for handing to sim.State.Tick.
func (e *Entry) StateInputs() sim.Inputs {
	out := make(sim.Inputs, len(e.Inputs))
	for id, slot := range e.Inputs {
		out[id] = slot.Value
	}
	return out
}

// clone returns a copy that shares input values but not maps or snapshot bytes.
func (e *Entry) clone() Entry {
	inputs := make(map[ir.PlayerID]InputSlot, len(e.Inputs))
	for id, slot := range e.Inputs {
		inputs[id] = slot
	}
	return Entry{Frame: e.Frame, Snapshot: e.Snapshot.Clone(), Inputs: inputs}
}

// History is the ordered, gap-free buffer of retained frames.
//
// It is never empty: the first entry is the oldest retained frame and the
// starting point for every rollback. Entries returned by At, First and Last
// belong to the buffer and must not be modified by callers outside the
// strategy that owns it.
type History struct {
	entries []*Entry
}

// NewHistory creates a history holding a single seed entry.
func NewHistory(seed Entry) *History {
	e := seed
	return &History{entries: []*Entry{&e}}
}

// Len returns the number of retained entries.
func (h *History) Len() int { return len(h.entries) }

// At returns the i-th entry, oldest first.
func (h *History) At(i int) *Entry { return h.entries[i] }

// First returns the oldest retained entry.
func (h *History) First() *Entry { return h.entries[0] }

// Last returns the newest entry.
func (h *History) Last() *Entry { return h.entries[len(h.entries)-1] }

// Append adds an entry for the frame after Last.
func (h *History) Append(e Entry) error {
	if want := h.Last().Frame + 1; e.Frame != want {
		return fmt.Errorf("history: append frame %d, want %d", e.Frame, want)
	}
	h.entries = append(h.entries, &e)
	return nil
}

// PopFront removes and returns the oldest entry. The last remaining entry
// is never removed.
func (h *History) PopFront() (*Entry, bool) {
	if len(h.entries) < 2 {
		return nil, false
	}
	e := h.entries[0]
	h.entries[0] = nil
	h.entries = h.entries[1:]
	return e, true
}

// Reset replaces the whole buffer with a single entry.
func (h *History) Reset(seed Entry) {
	e := seed
	h.entries = []*Entry{&e}
}

// IndexOf returns the index of the entry for frame, or -1.
func (h *History) IndexOf(frame ir.Frame) int {
	i := int(frame - h.entries[0].Frame)
	if i < 0 || i >= len(h.entries) {
		return -1
	}
	return i
}

// FirstPredicted returns the index of the first entry whose input for player
// is predicted, or -1.
func (h *History) FirstPredicted(player ir.PlayerID) int {
	for i, e := range h.entries {
		if e.Predicted(player) {
			return i
		}
	}
	return -1
}

// PredictedPlayers returns the players with at least one predicted input
// in the buffer.
func (h *History) PredictedPlayers() mapset.Set[ir.PlayerID] {
	out := mapset.NewThreadUnsafeSet[ir.PlayerID]()
	for _, e := range h.entries {
		for id, slot := range e.Inputs {
			if !slot.Confirmed {
				out.Add(id)
			}
		}
	}
	return out
}

// PredictedFrameCount returns the number of entries from the first entry
// holding any predicted input through the end of the buffer.
func (h *History) PredictedFrameCount() int {
	for i, e := range h.entries {
		if !e.Confirmed() {
			return len(h.entries) - i
		}
	}
	return 0
}

// Entries returns copies of all retained entries. Snapshot bytes are cloned.
func (h *History) Entries() []Entry {
	out := make([]Entry, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.clone()
	}
	return out
}
