package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/ir"
)

func TestCreateSession_Idempotent(t *testing.T) {
	s := createTestStore(t)
	createTestSession(t, s, "s1")
	createTestSession(t, s, "s1")

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestCreateSession_CanonicalColumns(t *testing.T) {
	s := createTestStore(t)
	createTestSession(t, s, "s1")

	var players, config, engineVersion string
	var protocol int
	require.NoError(t, s.db.QueryRow(
		"SELECT players, config, engine_version, protocol_version FROM sessions WHERE id = ?", "s1",
	).Scan(&players, &config, &engineVersion, &protocol))

	assert.Equal(t, `[{"authoritative":true,"id":0},{"authoritative":false,"id":1}]`, players)
	assert.Equal(t, `{"strategy":"rollback","timestep_ms":16}`, config)
	assert.Equal(t, ir.EngineVersion, engineVersion)
	assert.Equal(t, ir.ProtocolVersion, protocol)
}

func TestCreateSession_Rejects(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	assert.Error(t, s.CreateSession(ctx, SessionRecord{}))
	assert.Error(t, s.CreateSession(ctx, SessionRecord{ID: "s1", Config: []byte(`{"a":1.5}`)}),
		"floats are not canonical")
}

func TestWriteFrame_StoresInputsAndHash(t *testing.T) {
	s := createTestStore(t)
	createTestSession(t, s, "s1")
	frames := counterFrames(t, 2)
	writeFrames(t, s, "s1", frames)

	var hash string
	require.NoError(t, s.db.QueryRow(
		"SELECT hash FROM frames WHERE session_id = ? AND frame = 2", "s1",
	).Scan(&hash))
	assert.Equal(t, ir.SnapshotHash(frames[2].Snapshot), hash)

	var payload []byte
	require.NoError(t, s.db.QueryRow(
		"SELECT payload, hash FROM inputs WHERE session_id = ? AND frame = 2 AND player = 1", "s1",
	).Scan(&payload, &hash))
	assert.Equal(t, []byte("4"), payload)
	assert.Equal(t, ir.InputHash(2, 1, []byte("4")), hash)
}

func TestWriteFrame_Idempotent(t *testing.T) {
	s := createTestStore(t)
	createTestSession(t, s, "s1")
	frames := counterFrames(t, 1)
	writeFrames(t, s, "s1", frames)
	writeFrames(t, s, "s1", frames)

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM inputs").Scan(&count))
	assert.Equal(t, 4, count)
}

func TestWriteFrame_RejectsWrongHash(t *testing.T) {
	s := createTestStore(t)
	createTestSession(t, s, "s1")

	rec := counterFrames(t, 0)[0]
	rec.Hash = "sha256:nope"
	assert.Error(t, s.WriteFrame(context.Background(), "s1", rec))
}

func TestWriteFrame_UnknownSession(t *testing.T) {
	s := createTestStore(t)
	rec := counterFrames(t, 0)[0]
	assert.Error(t, s.WriteFrame(context.Background(), "missing", rec))
}
