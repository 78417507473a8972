package signaling

import (
	"encoding/json"
	"testing"

	"github.com/observer/teacall/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Offer(t *testing.T) {
	raw := `{"type":"offer","roomId":"room-42","from":"A","to":"B","sdp":"v=0","ts":1700000000000}`

	env, err := Decode([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, KindOffer, env.Type)
	assert.Equal(t, "room-42", env.RoomID)
	assert.Equal(t, "A", env.From)
	assert.Equal(t, "B", env.To)
	assert.Equal(t, "v=0", env.SDP)
	assert.Equal(t, int64(1700000000000), env.Time().UnixMilli())
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{`, ErrMalformed},
		{"unknown type", `{"type":"ring","roomId":"r"}`, ErrUnknownKind},
		{"missing room", `{"type":"leave"}`, ErrMissingRoom},
		{"join without participant", `{"type":"join","roomId":"r"}`, ErrMalformed},
		{"answer without sdp", `{"type":"answer","roomId":"r","from":"B","to":"A"}`, ErrMalformed},
		{"candidate without payload", `{"type":"ice-candidate","roomId":"r"}`, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncode_JoinWireShape(t *testing.T) {
	env := NewJoin("room-42", domain.Participant{ID: "A", DisplayName: "Alice", AvatarURL: "https://cdn/a.png"})

	data, err := Encode(env)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "join", wire["type"])
	assert.Equal(t, "room-42", wire["roomId"])

	participant, ok := wire["participant"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "A", participant["id"])
	assert.Equal(t, "Alice", participant["displayName"])
	assert.Equal(t, "https://cdn/a.png", participant["avatarUrl"])
	assert.NotContains(t, wire, "sdp")
}

func TestEncode_CandidatePassesThroughUntouched(t *testing.T) {
	candidate := json.RawMessage(`{"candidate":"candidate:1 1 udp 2122260223 10.0.0.2 50000 typ host","sdpMid":"0","sdpMLineIndex":0}`)

	data, err := Encode(NewCandidate("r", "A", "B", candidate))
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	assert.JSONEq(t, string(candidate), string(env.Candidate))
}

func TestNewJoin_CopiesParticipant(t *testing.T) {
	self := domain.Participant{ID: "A", DisplayName: "Alice"}
	env := NewJoin("r", self)
	self.DisplayName = "changed"

	assert.Equal(t, "Alice", env.Participant.DisplayName)
}
