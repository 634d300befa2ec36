package arena

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/sim"
)

// ErrInvalidInput is returned for inputs outside the arrow-key range.
var ErrInvalidInput = errors.New("invalid arena input")

// Input is the held arrow keys: each axis is -1, 0 or 1. DY is positive
// for up. The zero value means no keys held and it predicts by repeating.
type Input struct {
	DX int `json:"dx" yaml:"dx"`
	DY int `json:"dy" yaml:"dy"`
}

// Validate checks both axes are in range.
func (in Input) Validate() error {
	if in.DX < -1 || in.DX > 1 || in.DY < -1 || in.DY > 1 {
		return fmt.Errorf("%w: dx=%d dy=%d", ErrInvalidInput, in.DX, in.DY)
	}
	return nil
}

// Idle returns a zero input for every player, for session start.
func Idle(players []sim.Player) sim.Inputs {
	out := make(sim.Inputs, len(players))
	for _, p := range players {
		out[p.ID] = Input{}
	}
	return out
}

// Codec encodes Input as canonical JSON. It implements sim.InputCodec.
type Codec struct{}

// EncodeInput implements sim.InputCodec.
func (Codec) EncodeInput(in sim.Input) ([]byte, error) {
	v, ok := in.(Input)
	if !ok {
		return nil, fmt.Errorf("arena codec: got %T", in)
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return ir.MarshalCanonical(map[string]any{"dx": v.DX, "dy": v.DY})
}

// DecodeInput implements sim.InputCodec. Unknown fields are rejected.
func (Codec) DecodeInput(data []byte) (sim.Input, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var v Input
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("arena codec: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("arena codec: trailing data")
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}
