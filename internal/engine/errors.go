package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/rewind/internal/ir"
)

// ErrInvalidConfig is wrapped by every construction-time validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// ProtocolError reports a violation of the synchronization protocol.
//
// Protocol errors are fatal to a session: the ordering and confirmation
// invariants that rollback depends on no longer hold, so any further
// processing risks silent divergence. They are never retried.
type ProtocolError struct {
	// Code identifies the error category.
	Code ProtocolErrorCode

	// Message is a human-readable description.
	Message string

	// Frame is the frame the offending message or operation referred to.
	Frame ir.Frame

	// Player is the player involved, or -1 when no player is involved.
	Player ir.PlayerID

	// Details contains additional context.
	Details map[string]string
}

// ProtocolErrorCode categorizes protocol errors.
type ProtocolErrorCode string

const (
	// ErrCodeOutOfOrderInput indicates a remote input skipped or repeated a frame.
	ErrCodeOutOfOrderInput ProtocolErrorCode = "OUT_OF_ORDER_INPUT"

	// ErrCodeUnknownPlayer indicates a message named a player not in the session.
	ErrCodeUnknownPlayer ProtocolErrorCode = "UNKNOWN_PLAYER"

	// ErrCodeNotRemotePlayer indicates a remote message claimed the local player.
	ErrCodeNotRemotePlayer ProtocolErrorCode = "NOT_REMOTE_PLAYER"

	// ErrCodePredictionMismatch indicates the first predicted entry for a
	// player is not the frame that just arrived.
	ErrCodePredictionMismatch ProtocolErrorCode = "PREDICTION_MISMATCH"

	// ErrCodeFutureQueueGap indicates a queued future input does not belong
	// to the frame being simulated.
	ErrCodeFutureQueueGap ProtocolErrorCode = "FUTURE_QUEUE_GAP"

	// ErrCodeUnexpectedStateSync indicates a state sync that this peer cannot
	// apply: wrong role, or a frame not in the history buffer.
	ErrCodeUnexpectedStateSync ProtocolErrorCode = "UNEXPECTED_STATE_SYNC"

	// ErrCodeUnconfirmedPrefix indicates an entry about to be discarded still
	// holds predicted inputs.
	ErrCodeUnconfirmedPrefix ProtocolErrorCode = "UNCONFIRMED_PREFIX"

	// ErrCodeMissingBroadcaster indicates an authoritative peer was built
	// without a state broadcast function.
	ErrCodeMissingBroadcaster ProtocolErrorCode = "MISSING_BROADCASTER"

	// ErrCodeUnexpectedMessage indicates a message type the receiving
	// strategy never accepts.
	ErrCodeUnexpectedMessage ProtocolErrorCode = "UNEXPECTED_MESSAGE"
)

// NoPlayer is used as ProtocolError.Player when no player is involved.
const NoPlayer ir.PlayerID = -1

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Player != NoPlayer {
		return fmt.Sprintf("%s: %s (frame=%d, player=%d)", e.Code, e.Message, e.Frame, e.Player)
	}
	return fmt.Sprintf("%s: %s (frame=%d)", e.Code, e.Message, e.Frame)
}

// NewProtocolError creates a ProtocolError.
func NewProtocolError(code ProtocolErrorCode, frame ir.Frame, player ir.PlayerID, format string, args ...any) *ProtocolError {
	return &ProtocolError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Frame:   frame,
		Player:  player,
	}
}

// NewOutOfOrderError creates a ProtocolError for an input that is not the
// next frame expected from its sender.
func NewOutOfOrderError(frame, expected ir.Frame, player ir.PlayerID) *ProtocolError {
	return &ProtocolError{
		Code:    ErrCodeOutOfOrderInput,
		Message: fmt.Sprintf("expected input for frame %d", expected),
		Frame:   frame,
		Player:  player,
		Details: map[string]string{
			"expected": fmt.Sprintf("%d", expected),
			"received": fmt.Sprintf("%d", frame),
		},
	}
}

// IsProtocolError returns true if err is or wraps a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsOutOfOrder returns true if err is an out-of-order input error.
func IsOutOfOrder(err error) bool {
	return HasCode(err, ErrCodeOutOfOrderInput)
}

// HasCode returns true if err wraps a ProtocolError with the given code.
func HasCode(err error, code ProtocolErrorCode) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}
