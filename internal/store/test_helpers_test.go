package store

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/sim"
	"github.com/roach88/rewind/internal/testutil"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPlayers() []sim.Player {
	return []sim.Player{{ID: 0, Local: true, Authoritative: true}, {ID: 1}}
}

// createTestSession inserts a two-player counter session.
func createTestSession(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.CreateSession(context.Background(), SessionRecord{
		ID:        id,
		Strategy:  "rollback",
		Game:      "counter",
		Players:   testPlayers(),
		Config:    []byte(`{"timestep_ms": 16, "strategy": "rollback"}`),
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
}

// counterFrames builds n+1 consistent frames (0..n) of a two-player counter
// whose inputs at frame f are {0: f, 1: 2f}.
func counterFrames(t *testing.T, n int) []FrameRecord {
	t.Helper()
	c := testutil.NewCounter(0, 1)
	snap, err := c.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	frames := []FrameRecord{{
		Frame:    0,
		Snapshot: snap,
		Inputs:   map[ir.PlayerID][]byte{0: []byte("0"), 1: []byte("0")},
	}}
	for f := 1; f <= n; f++ {
		if err := c.Tick(sim.Inputs{0: f, 1: 2 * f}); err != nil {
			t.Fatalf("Tick() failed: %v", err)
		}
		snap, err := c.Snapshot()
		if err != nil {
			t.Fatalf("Snapshot() failed: %v", err)
		}
		frames = append(frames, FrameRecord{
			Frame:    ir.Frame(f),
			Snapshot: snap,
			Inputs: map[ir.PlayerID][]byte{
				0: []byte(strconv.Itoa(f)),
				1: []byte(strconv.Itoa(2 * f)),
			},
		})
	}
	return frames
}

func writeFrames(t *testing.T, s *Store, id string, frames []FrameRecord) {
	t.Helper()
	for _, f := range frames {
		if err := s.WriteFrame(context.Background(), id, f); err != nil {
			t.Fatalf("WriteFrame(%d) failed: %v", f.Frame, err)
		}
	}
}
