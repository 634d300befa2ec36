package engine

import (
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/sim"
)

// FutureInput is a remote input for a frame not yet simulated.
type FutureInput struct {
	Frame ir.Frame
	Input sim.Input
}

// FutureQueue holds one remote player's early inputs in arrival order.
// Frames are strictly increasing because they are accepted only in order.
type FutureQueue struct {
	items []FutureInput
}

// Push appends an input.
func (q *FutureQueue) Push(frame ir.Frame, in sim.Input) {
	q.items = append(q.items, FutureInput{Frame: frame, Input: in})
}

// Peek returns the oldest queued input without removing it.
func (q *FutureQueue) Peek() (FutureInput, bool) {
	if len(q.items) == 0 {
		return FutureInput{}, false
	}
	return q.items[0], true
}

// Pop removes and returns the oldest queued input.
func (q *FutureQueue) Pop() (FutureInput, bool) {
	if len(q.items) == 0 {
		return FutureInput{}, false
	}
	item := q.items[0]
	q.items[0] = FutureInput{}
	q.items = q.items[1:]
	return item, true
}

// Len returns the number of queued inputs.
func (q *FutureQueue) Len() int { return len(q.items) }

// FutureQueues holds a FutureQueue per remote player.
type FutureQueues map[ir.PlayerID]*FutureQueue

// Largest returns the depth of the deepest queue.
func (f FutureQueues) Largest() int {
	largest := 0
	for _, q := range f {
		if q.Len() > largest {
			largest = q.Len()
		}
	}
	return largest
}
