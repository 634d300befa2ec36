package ir

import (
	"bytes"
	"strconv"
)

// Frame is a simulation frame number. Frame 0 is the seeded initial state.
type Frame int64

// Next returns the frame after f.
func (f Frame) Next() Frame { return f + 1 }

// String implements fmt.Stringer.
func (f Frame) String() string { return strconv.FormatInt(int64(f), 10) }

// PlayerID is the stable integer identity of a player within a session.
type PlayerID int

// String implements fmt.Stringer.
func (p PlayerID) String() string { return strconv.Itoa(int(p)) }

// Snapshot is a serialized simulation state.
//
// A Snapshot handed to the engine is owned by it; use Clone before handing
// stored bytes back out so later mutation cannot reach the history buffer.
type Snapshot []byte

// Clone returns a deep copy of s. Clone of a nil snapshot is nil.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	copy(out, s)
	return out
}

// Equal reports whether two snapshots hold identical bytes.
func (s Snapshot) Equal(other Snapshot) bool {
	return bytes.Equal(s, other)
}
