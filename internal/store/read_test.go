package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/sim"
)

func TestReadFrames_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	createTestSession(t, s, "s1")
	want := counterFrames(t, 3)
	// Write out of order; reads are ordered by frame.
	writeFrames(t, s, "s1", []FrameRecord{want[0], want[3], want[1], want[2]})

	got, err := s.ReadFrames(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, f := range got {
		assert.Equal(t, want[i].Frame, f.Frame)
		assert.True(t, want[i].Snapshot.Equal(f.Snapshot))
		assert.Equal(t, ir.SnapshotHash(want[i].Snapshot), f.Hash)
		assert.Equal(t, want[i].Inputs, f.Inputs)
	}
}

func TestReadFrames_Empty(t *testing.T) {
	s := createTestStore(t)
	got, err := s.ReadFrames(context.Background(), "none")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestReadFrames_DetectsTamperedInput(t *testing.T) {
	s := createTestStore(t)
	createTestSession(t, s, "s1")
	writeFrames(t, s, "s1", counterFrames(t, 2))

	_, err := s.db.Exec("UPDATE inputs SET payload = ? WHERE frame = 1 AND player = 0", []byte("9"))
	require.NoError(t, err)

	_, err = s.ReadFrames(context.Background(), "s1")
	assert.ErrorContains(t, err, "stored hash")
}

func TestReadSession(t *testing.T) {
	s := createTestStore(t)
	createTestSession(t, s, "s1")
	writeFrames(t, s, "s1", counterFrames(t, 4))

	rec, err := s.ReadSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "rollback", rec.Strategy)
	assert.Equal(t, "counter", rec.Game)
	assert.Equal(t, []sim.Player{{ID: 0, Authoritative: true}, {ID: 1}}, rec.Players)
	assert.Equal(t, 5, rec.Frames)
	assert.Equal(t, ir.Frame(4), rec.LastFrame)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), rec.CreatedAt)

	_, err = s.ReadSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListSessions(t *testing.T) {
	s := createTestStore(t)

	got, err := s.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)

	createTestSession(t, s, "b")
	createTestSession(t, s, "a")
	writeFrames(t, s, "b", counterFrames(t, 1))

	got, err = s.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, 0, got[0].Frames)
	assert.Equal(t, ir.Frame(-1), got[0].LastFrame)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, 2, got[1].Frames)
}
