// Package store records sessions in SQLite so they can be replayed and
// verified later.
//
// A recording is the authoritative peer's confirmed history: for every
// compacted frame the store keeps the snapshot, its content hash and the
// confirmed inputs that produced it from the previous frame. Because every
// stored frame was fully confirmed before it left the history buffer, a
// recording never contains a predicted input.
//
// # Tables
//
//   - sessions: one row per recorded session (strategy, players, config)
//   - frames: snapshot and hash per (session, frame)
//   - inputs: encoded input per (session, frame, player)
//
// # Ordering
//
// Frames are always read ORDER BY frame ASC and inputs ORDER BY frame ASC,
// player ASC, so that reads are deterministic and verification replays the
// same sequence every time.
//
// # Versioning
//
// The schema version lives in PRAGMA user_version. Open creates missing
// tables and refuses files stamped with a newer version (ErrSchemaTooNew).
//
// Snapshot and input hashes come from internal/ir/hash.go and use SHA-256
// with domain separation.
package store
