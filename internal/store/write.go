package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/sim"
)

// SessionRecord describes a recorded session.
type SessionRecord struct {
	ID              string       `json:"id"`
	Strategy        string       `json:"strategy"`
	Game            string       `json:"game"`
	Players         []sim.Player `json:"players"`
	Config          []byte       `json:"-"`
	EngineVersion   string       `json:"engine_version"`
	ProtocolVersion int          `json:"protocol_version"`
	CreatedAt       time.Time    `json:"created_at"`

	// Frames and LastFrame are filled in by reads.
	Frames    int      `json:"frames"`
	LastFrame ir.Frame `json:"last_frame"`
}

// FrameRecord is one confirmed frame: the snapshot after the frame and the
// encoded inputs that produced it.
type FrameRecord struct {
	Frame    ir.Frame
	Snapshot ir.Snapshot
	Hash     string
	Inputs   map[ir.PlayerID][]byte
}

// CreateSession inserts a session record.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - duplicate IDs are silently ignored.
//
// Players are stored as canonical JSON, and so is Config when it is a JSON
// document.
func (s *Store) CreateSession(ctx context.Context, rec SessionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("create session: empty id")
	}
	players, err := marshalPlayers(rec.Players)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	config, err := marshalConfig(rec.Config)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if rec.EngineVersion == "" {
		rec.EngineVersion = ir.EngineVersion
	}
	if rec.ProtocolVersion == 0 {
		rec.ProtocolVersion = ir.ProtocolVersion
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions
		(id, strategy, game, players, config, engine_version, protocol_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.Strategy,
		rec.Game,
		players,
		config,
		rec.EngineVersion,
		rec.ProtocolVersion,
		rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// WriteFrame inserts a frame and its inputs in one transaction.
//
// The hash is recomputed from the snapshot; a mismatching non-empty
// rec.Hash is an error. Rewriting an existing frame is a no-op.
func (s *Store) WriteFrame(ctx context.Context, sessionID string, rec FrameRecord) error {
	hash := ir.SnapshotHash(rec.Snapshot)
	if rec.Hash != "" && rec.Hash != hash {
		return fmt.Errorf("write frame %d: hash %s does not match snapshot %s", rec.Frame, rec.Hash, hash)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write frame %d: begin tx: %w", rec.Frame, err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO frames (session_id, frame, snapshot, hash)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, frame) DO NOTHING
	`, sessionID, int64(rec.Frame), []byte(rec.Snapshot), hash)
	if err != nil {
		return fmt.Errorf("write frame %d: %w", rec.Frame, err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("write frame %d: rows affected: %w", rec.Frame, err)
	} else if n == 0 {
		return nil
	}

	players := make([]ir.PlayerID, 0, len(rec.Inputs))
	for p := range rec.Inputs {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool { return players[i] < players[j] })

	for _, p := range players {
		payload := rec.Inputs[p]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO inputs (session_id, frame, player, payload, hash)
			VALUES (?, ?, ?, ?, ?)
		`, sessionID, int64(rec.Frame), int(p), payload, ir.InputHash(rec.Frame, p, payload))
		if err != nil {
			return fmt.Errorf("write frame %d: input for player %d: %w", rec.Frame, p, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write frame %d: commit: %w", rec.Frame, err)
	}
	return nil
}
