package store

import (
	"context"
	"fmt"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/sim"
)

// Divergence is the first point where a recording stops agreeing with a
// fresh replay of its own inputs.
type Divergence struct {
	Frame  ir.Frame `json:"frame"`
	Reason string   `json:"reason"`
	Want   string   `json:"want,omitempty"`
	Got    string   `json:"got,omitempty"`
}

// VerifyReport summarizes a verification run.
type VerifyReport struct {
	SessionID  string      `json:"session_id"`
	Frames     int         `json:"frames"`
	FirstFrame ir.Frame    `json:"first_frame"`
	LastFrame  ir.Frame    `json:"last_frame"`
	Divergence *Divergence `json:"divergence,omitempty"`
}

// OK reports whether the recording replayed cleanly.
func (r VerifyReport) OK() bool { return r.Divergence == nil }

// Verify replays a recorded session and compares every frame's hash.
//
// The first recorded snapshot is restored into a state from factory; each
// following frame is ticked from its recorded inputs and its snapshot hash
// must equal the stored one. A recording is also rejected when a stored
// hash does not match its own snapshot, when frames are not consecutive, or
// when a frame is missing a player's input.
//
// A divergence is reported in the VerifyReport, not as an error. Errors
// mean the recording could not be read or decoded at all.
func Verify(ctx context.Context, s *Store, sessionID string, factory sim.StateFactory, codec sim.InputCodec) (VerifyReport, error) {
	report := VerifyReport{SessionID: sessionID}

	sess, err := s.ReadSession(ctx, sessionID)
	if err != nil {
		return report, err
	}
	frames, err := s.ReadFrames(ctx, sessionID)
	if err != nil {
		return report, fmt.Errorf("verify %s: %w", sessionID, err)
	}
	report.Frames = len(frames)
	if len(frames) == 0 {
		return report, nil
	}
	report.FirstFrame = frames[0].Frame
	report.LastFrame = frames[len(frames)-1].Frame

	for _, f := range frames {
		if got := ir.SnapshotHash(f.Snapshot); got != f.Hash {
			report.Divergence = &Divergence{Frame: f.Frame, Reason: "stored hash does not match stored snapshot", Want: f.Hash, Got: got}
			return report, nil
		}
	}

	state := factory()
	if err := state.Restore(frames[0].Snapshot.Clone()); err != nil {
		return report, fmt.Errorf("verify %s: restore frame %d: %w", sessionID, frames[0].Frame, err)
	}

	for i := 1; i < len(frames); i++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		f := frames[i]
		if f.Frame != frames[i-1].Frame+1 {
			report.Divergence = &Divergence{Frame: f.Frame, Reason: fmt.Sprintf("gap after frame %d", frames[i-1].Frame)}
			return report, nil
		}

		inputs := make(sim.Inputs, len(sess.Players))
		for _, p := range sess.Players {
			payload, ok := f.Inputs[p.ID]
			if !ok {
				report.Divergence = &Divergence{Frame: f.Frame, Reason: fmt.Sprintf("no input for player %d", p.ID)}
				return report, nil
			}
			in, err := codec.DecodeInput(payload)
			if err != nil {
				return report, fmt.Errorf("verify %s: decode input frame %d player %d: %w", sessionID, f.Frame, p.ID, err)
			}
			inputs[p.ID] = in
		}

		if err := state.Tick(inputs); err != nil {
			return report, fmt.Errorf("verify %s: tick frame %d: %w", sessionID, f.Frame, err)
		}
		snap, err := state.Snapshot()
		if err != nil {
			return report, fmt.Errorf("verify %s: snapshot frame %d: %w", sessionID, f.Frame, err)
		}
		if got := ir.SnapshotHash(snap); got != f.Hash {
			report.Divergence = &Divergence{Frame: f.Frame, Reason: "replayed snapshot differs", Want: f.Hash, Got: got}
			return report, nil
		}
	}
	return report, nil
}
