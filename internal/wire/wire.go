// Package wire defines the messages peers exchange and their JSON encoding.
//
// Every message is a single JSON object carrying the protocol version, a
// type tag and the fields that type uses. Decoding is strict: unknown
// fields, unknown types, a version mismatch or a missing required field are
// all rejected, because the strategies treat every accepted message as
// trustworthy.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/rewind/internal/ir"
)

// Type tags a message.
type Type string

const (
	// TypeInput carries one player's input for one frame.
	TypeInput Type = "input"

	// TypeState carries an authoritative snapshot for one frame.
	TypeState Type = "state"

	// TypePingReq asks the peer to echo SentTime.
	TypePingReq Type = "ping-req"

	// TypePingResp echoes a ping request's SentTime.
	TypePingResp Type = "ping-resp"

	// TypeStateUpdate carries a host snapshot plus the inputs that produced it.
	TypeStateUpdate Type = "state-update"

	// TypeLatencyReport tells a client how early or late its input arrived.
	TypeLatencyReport Type = "latency-report"
)

// ErrInvalidMessage is wrapped by every decode and validation failure.
var ErrInvalidMessage = errors.New("invalid message")

// PlayerInput is one player's encoded input inside a state update.
type PlayerInput struct {
	Player  ir.PlayerID `json:"player"`
	Payload []byte      `json:"payload"`
}

// Message is the single envelope for every message type.
//
// Payload holds an encoded input (input), a snapshot (state, state-update)
// and is empty otherwise. SentTime is nanoseconds since the Unix epoch on
// the pinging peer's clock.
type Message struct {
	Version  int            `json:"ver"`
	Type     Type           `json:"type"`
	Frame    ir.Frame       `json:"frame"`
	Player   ir.PlayerID    `json:"player"`
	Payload  []byte         `json:"payload,omitempty"`
	Inputs   []PlayerInput  `json:"inputs,omitempty"`
	SentTime int64          `json:"sent_time,omitempty"`
	Accepted *bool          `json:"accepted,omitempty"`
	Latency  *time.Duration `json:"latency_ns,omitempty"`
}

// NewInput builds an input message.
func NewInput(frame ir.Frame, player ir.PlayerID, payload []byte) Message {
	return Message{Version: ir.ProtocolVersion, Type: TypeInput, Frame: frame, Player: player, Payload: payload}
}

// NewState builds an authoritative state message.
func NewState(frame ir.Frame, snapshot ir.Snapshot) Message {
	return Message{Version: ir.ProtocolVersion, Type: TypeState, Frame: frame, Payload: snapshot.Clone()}
}

// NewPingReq builds a ping request stamped with sent.
func NewPingReq(sent time.Time) Message {
	return Message{Version: ir.ProtocolVersion, Type: TypePingReq, SentTime: sent.UnixNano()}
}

// NewPingResp answers a ping request.
func NewPingResp(req Message) Message {
	return Message{Version: ir.ProtocolVersion, Type: TypePingResp, SentTime: req.SentTime}
}

// NewStateUpdate builds a host state update. inputs are sorted by player.
func NewStateUpdate(frame ir.Frame, snapshot ir.Snapshot, inputs []PlayerInput) Message {
	sorted := make([]PlayerInput, len(inputs))
	copy(sorted, inputs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Player < sorted[j].Player })
	return Message{
		Version: ir.ProtocolVersion,
		Type:    TypeStateUpdate,
		Frame:   frame,
		Payload: snapshot.Clone(),
		Inputs:  sorted,
	}
}

// NewLatencyReport builds a latency report for player's input at frame.
// A nil latency means the frame is too old for the host to measure.
func NewLatencyReport(frame ir.Frame, player ir.PlayerID, accepted bool, latency *time.Duration) Message {
	return Message{
		Version:  ir.ProtocolVersion,
		Type:     TypeLatencyReport,
		Frame:    frame,
		Player:   player,
		Accepted: &accepted,
		Latency:  latency,
	}
}

// Validate checks that m is well formed for its type.
func (m Message) Validate() error {
	if m.Version != ir.ProtocolVersion {
		return fmt.Errorf("%w: protocol version %d, want %d", ErrInvalidMessage, m.Version, ir.ProtocolVersion)
	}
	if m.Frame < 0 {
		return fmt.Errorf("%w: negative frame %d", ErrInvalidMessage, m.Frame)
	}
	if m.Player < 0 {
		return fmt.Errorf("%w: negative player %d", ErrInvalidMessage, m.Player)
	}

	switch m.Type {
	case TypeInput:
		if len(m.Payload) == 0 {
			return fmt.Errorf("%w: input without payload", ErrInvalidMessage)
		}
	case TypeState:
		if len(m.Payload) == 0 {
			return fmt.Errorf("%w: state without payload", ErrInvalidMessage)
		}
	case TypePingReq, TypePingResp:
		if m.SentTime == 0 {
			return fmt.Errorf("%w: %s without sent_time", ErrInvalidMessage, m.Type)
		}
	case TypeStateUpdate:
		if len(m.Payload) == 0 {
			return fmt.Errorf("%w: state-update without payload", ErrInvalidMessage)
		}
		seen := make(map[ir.PlayerID]bool, len(m.Inputs))
		for _, in := range m.Inputs {
			if seen[in.Player] {
				return fmt.Errorf("%w: state-update repeats player %d", ErrInvalidMessage, in.Player)
			}
			seen[in.Player] = true
		}
	case TypeLatencyReport:
		if m.Accepted == nil {
			return fmt.Errorf("%w: latency-report without accepted", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

// Encode validates and marshals a message.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return data, nil
}

// Decode unmarshals and validates a message. Unknown fields are rejected.
func Decode(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var m Message
	if err := dec.Decode(&m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if dec.More() {
		return Message{}, fmt.Errorf("%w: trailing data", ErrInvalidMessage)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
