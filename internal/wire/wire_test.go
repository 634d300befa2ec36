package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/ir"
)

func TestEncodeInputShape(t *testing.T) {
	data, err := Encode(NewInput(3, 1, []byte(`{"dx":1}`)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ver":1,"type":"input","frame":3,"player":1,"payload":"eyJkeCI6MX0="}`, string(data))
}

func TestDecodeRoundTripsEveryType(t *testing.T) {
	lat := 12 * time.Millisecond
	msgs := []Message{
		NewInput(1, 2, []byte("7")),
		NewState(4, ir.Snapshot(`{"x":1}`)),
		NewPingReq(time.Unix(5, 0)),
		NewPingResp(NewPingReq(time.Unix(5, 0))),
		NewStateUpdate(9, ir.Snapshot("s"), []PlayerInput{{Player: 1, Payload: []byte("b")}, {Player: 0, Payload: []byte("a")}}),
		NewLatencyReport(6, 1, true, &lat),
		NewLatencyReport(2, 1, false, nil),
	}

	for _, m := range msgs {
		t.Run(string(m.Type), func(t *testing.T) {
			data, err := Encode(m)
			require.NoError(t, err)
			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}
}

func TestNewStateUpdateSortsInputs(t *testing.T) {
	m := NewStateUpdate(1, ir.Snapshot("s"), []PlayerInput{{Player: 3}, {Player: 1}, {Player: 2}})
	assert.Equal(t, []ir.PlayerID{1, 2, 3}, []ir.PlayerID{m.Inputs[0].Player, m.Inputs[1].Player, m.Inputs[2].Player})
}

func TestNewStateCopiesSnapshot(t *testing.T) {
	snap := ir.Snapshot("abc")
	m := NewState(1, snap)
	snap[0] = 'z'
	assert.Equal(t, "abc", string(m.Payload))
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"unknown field", `{"ver":1,"type":"ping-req","sent_time":1,"extra":true}`},
		{"wrong version", `{"ver":2,"type":"ping-req","sent_time":1}`},
		{"unknown type", `{"ver":1,"type":"chat"}`},
		{"input without payload", `{"ver":1,"type":"input","frame":1,"player":1}`},
		{"state without payload", `{"ver":1,"type":"state","frame":3}`},
		{"ping without time", `{"ver":1,"type":"ping-resp"}`},
		{"negative frame", `{"ver":1,"type":"state","frame":-1,"payload":"MQ=="}`},
		{"report without accepted", `{"ver":1,"type":"latency-report","frame":1,"player":1}`},
		{"duplicate update player", `{"ver":1,"type":"state-update","frame":1,"payload":"MQ==","inputs":[{"player":1,"payload":"MQ=="},{"player":1,"payload":"MQ=="}]}`},
		{"trailing data", `{"ver":1,"type":"ping-req","sent_time":1} {}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestEncodeValidates(t *testing.T) {
	_, err := Encode(Message{Version: ir.ProtocolVersion, Type: TypeInput, Frame: 1})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}
