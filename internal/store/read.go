package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/rewind/internal/ir"
)

// ErrSessionNotFound is returned when a session ID has no record.
var ErrSessionNotFound = errors.New("session not found")

const sessionColumns = `
	s.id, s.strategy, s.game, s.players, s.config, s.engine_version, s.protocol_version, s.created_at,
	(SELECT COUNT(*) FROM frames f WHERE f.session_id = s.id),
	(SELECT COALESCE(MAX(f.frame), -1) FROM frames f WHERE f.session_id = s.id)
`

// ReadSession returns one session record with its frame count.
func (s *Store) ReadSession(ctx context.Context, id string) (SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("read session %s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("read session %s: %w", id, err)
	}
	return rec, nil
}

// ListSessions returns every session, ordered by ID. UUIDv7 IDs make this
// creation order.
//
// Returns an empty slice (not nil) if the store holds no sessions.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions s ORDER BY s.id COLLATE BINARY ASC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []SessionRecord{}
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (SessionRecord, error) {
	var (
		rec       SessionRecord
		players   string
		config    string
		createdAt int64
		lastFrame int64
	)
	if err := row.Scan(
		&rec.ID, &rec.Strategy, &rec.Game, &players, &config,
		&rec.EngineVersion, &rec.ProtocolVersion, &createdAt,
		&rec.Frames, &lastFrame,
	); err != nil {
		return SessionRecord{}, err
	}
	p, err := unmarshalPlayers(players)
	if err != nil {
		return SessionRecord{}, err
	}
	rec.Players = p
	rec.Config = []byte(config)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.LastFrame = ir.Frame(lastFrame)
	return rec, nil
}

// ReadFrames returns every recorded frame of a session with its inputs.
// Results are ordered by frame.
//
// Returns an empty slice (not nil) if the session has no frames.
func (s *Store) ReadFrames(ctx context.Context, sessionID string) ([]FrameRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT frame, snapshot, hash
		FROM frames
		WHERE session_id = ?
		ORDER BY frame ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query frames: %w", err)
	}
	defer rows.Close()

	frames := []FrameRecord{}
	index := make(map[ir.Frame]int)
	for rows.Next() {
		var (
			frame int64
			snap  []byte
			rec   FrameRecord
		)
		if err := rows.Scan(&frame, &snap, &rec.Hash); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		rec.Frame = ir.Frame(frame)
		rec.Snapshot = ir.Snapshot(snap)
		rec.Inputs = make(map[ir.PlayerID][]byte)
		index[rec.Frame] = len(frames)
		frames = append(frames, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate frames: %w", err)
	}

	if err := s.readInputs(ctx, sessionID, frames, index); err != nil {
		return nil, err
	}
	return frames, nil
}

func (s *Store) readInputs(ctx context.Context, sessionID string, frames []FrameRecord, index map[ir.Frame]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT frame, player, payload, hash
		FROM inputs
		WHERE session_id = ?
		ORDER BY frame ASC, player ASC
	`, sessionID)
	if err != nil {
		return fmt.Errorf("query inputs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			frame   int64
			player  int
			payload []byte
			hash    string
		)
		if err := rows.Scan(&frame, &player, &payload, &hash); err != nil {
			return fmt.Errorf("scan input: %w", err)
		}
		f, p := ir.Frame(frame), ir.PlayerID(player)
		if want := ir.InputHash(f, p, payload); hash != want {
			return fmt.Errorf("input for frame %d player %d: stored hash %s, computed %s", f, p, hash, want)
		}
		i, ok := index[f]
		if !ok {
			return fmt.Errorf("input for frame %d player %d has no frame", f, p)
		}
		frames[i].Inputs[p] = payload
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate inputs: %w", err)
	}
	return nil
}
