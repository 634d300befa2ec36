// Package harness provides deterministic conformance testing for the
// synchronization strategies.
//
// A scenario (YAML, see LoadScenario) describes a match: the strategy, the
// game, each player's scripted inputs and the shape of the network between
// the host and every client. Run plays the match one fixed timestep at a
// time on a manual clock, with no goroutines and no wall-clock reads, so
// the same scenario always produces the same trace.
//
// # Network
//
// Links are stepped: a message sent during step s on a direction with
// latency l is delivered at the end of step s+l, after every peer has
// stepped. Holds delay a direction for a window of steps without losing
// or reordering anything, which is how a scenario stalls a peer.
//
// # Invariants
//
// After every step each peer is checked:
//
//   - its frame never decreases
//   - its history buffer replays to itself from a confirmed head
//   - an authoritative rollback peer never keeps two confirmed entries
//   - a rollback peer never holds more predicted frames than its limit
//
// A broken invariant or a protocol violation stops the run and fails the
// result with the step and player involved.
//
// # Golden Traces
//
// RunWithGolden compares the per-step trace against
// testdata/golden/{name}.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
