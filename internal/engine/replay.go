// Package engine implements rollback state synchronization.
//
// # Rollback and Replay
//
// This file documents how the history buffer is replayed and provides the
// checker that proves a buffer is still consistent.
//
// ## Replay Equivalence
//
// Every retained entry after the first satisfies
//
//	history[i].Snapshot == tick(history[i-1].Snapshot, history[i].Inputs)
//
// Three mutation paths preserve it:
//
//  1. Tick appends one entry computed from the newest snapshot.
//  2. OnRemoteInput restores history[p-1] and re-ticks p..end, where p is the
//     arriving frame. Only the arriving player's inputs change.
//  3. OnStateSync overwrites history[0] and re-ticks 1..end with the inputs
//     it already holds.
//
// ## Why Out-Of-Order Input Is Fatal
//
// Rollback only replays from the first predicted frame of one player. That
// is correct only if the arriving frame IS that first predicted frame, which
// holds exactly when each sender's inputs arrive gap-free and in order:
//
//	highest[B] = 3, history = [3 4 5 6], B predicted at 4 5 6
//	input(B, 4) → replay 4..6      correct
//	input(B, 5) → OUT_OF_ORDER     frame 4 would keep its prediction forever
//
// ## Compaction
//
// The authoritative peer pops history[0] whenever history[0] and history[1]
// are both confirmed, broadcasting the popped frame. Receivers drop their
// own entries older than that frame, so both peers' buffers start at a frame
// every peer agrees on.
package engine

import (
	"fmt"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/sim"
)

// Verify checks a history buffer against every structural invariant:
// frames are consecutive, the first entry is fully confirmed and each
// snapshot is the tick of its predecessor. scratch is restored and ticked
// during the check and must be a State of the same game.
//
// When authoritative is true, Verify also rejects a buffer that starts with
// two confirmed entries, since compaction should already have removed one.
func Verify(entries []Entry, scratch sim.State, authoritative bool) error {
	if len(entries) == 0 {
		return fmt.Errorf("history is empty")
	}
	if !entries[0].Confirmed() {
		return fmt.Errorf("frame %d: oldest entry holds a prediction", entries[0].Frame)
	}
	if authoritative && len(entries) >= 2 && entries[1].Confirmed() {
		return fmt.Errorf("frame %d: two leading confirmed entries not compacted", entries[0].Frame)
	}

	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1], entries[i]
		if cur.Frame != prev.Frame+1 {
			return fmt.Errorf("frame %d follows frame %d", cur.Frame, prev.Frame)
		}
		if err := scratch.Restore(prev.Snapshot.Clone()); err != nil {
			return fmt.Errorf("frame %d: restore: %w", prev.Frame, err)
		}
		if err := scratch.Tick(cur.StateInputs()); err != nil {
			return fmt.Errorf("frame %d: tick: %w", cur.Frame, err)
		}
		got, err := scratch.Snapshot()
		if err != nil {
			return fmt.Errorf("frame %d: snapshot: %w", cur.Frame, err)
		}
		if !got.Equal(cur.Snapshot) {
			return fmt.Errorf("frame %d: snapshot diverges from replay (stored %s, replayed %s)",
				cur.Frame, shortHash(cur.Snapshot), shortHash(got))
		}
	}
	return nil
}

func shortHash(s ir.Snapshot) string {
	return ir.SnapshotHash(s)[:12]
}
