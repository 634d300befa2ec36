// Package engine implements the rollback synchronization engine.
//
// An Engine owns one peer's view of a session: the live simulation, a
// history buffer of recent frames, per-player queues of inputs that arrived
// early, and the stall controller that bounds how far it may predict.
//
// ARCHITECTURE:
//
// Each tick the local input is applied and broadcast immediately while every
// remote input is either taken from its future queue or predicted from that
// player's previous input. When a remote input later arrives for a frame that
// was predicted, the engine restores the snapshot before that frame and
// replays forward with the real value. No peer ever waits for the network
// unless its prediction depth reaches the configured limit.
//
// Roles:
//   - The authoritative peer compacts its history whenever the two oldest
//     entries are fully confirmed and broadcasts the popped snapshot.
//   - Non-authoritative peers accept those snapshots via OnStateSync and
//     resimulate their whole buffer on top of them.
//
// CONCURRENCY:
//
// Engine has no locks. Tick and the message handlers must be called from a
// single goroutine; the session package provides that loop.
//
// ERRORS:
//
// Every protocol violation is returned as a *ProtocolError and leaves the
// engine unusable. Prediction misses are not errors.
package engine
