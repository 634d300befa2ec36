// Package ir provides the primitive value types shared by every rewind package.
//
// ir imports nothing internal. Frames, player identities, snapshots, the
// canonical encoder and the content hashes live here so that the engine, the
// wire codec and the store agree on one representation.
//
// Key constraints:
//   - NO float values in canonical encodings; simulations use integer state
//   - Snapshots are immutable once stored (callers get copies)
//   - Object keys are sorted by UTF-16 code units, strings are NFC-normalized
package ir
