package mediarouter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoveNullFields(t *testing.T) {
	msg, err := decodeJSONObject([]byte(`{"a":null,"b":{"c":null,"d":1},"e":[null,{"f":null}]}`))
	require.NoError(t, err)

	removeNullFields(msg)

	b, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":{"d":1},"e":[null,{}]}`, string(b))
}

func TestDecodeJSONObjectKeepsNumbers(t *testing.T) {
	msg, err := decodeJSONObject([]byte(`{"requestId":9007199254740993,"level":0.25}`))
	require.NoError(t, err)

	b, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Equal(t, `{"level":0.25,"requestId":9007199254740993}`, string(b))

	_, err = decodeJSONObject([]byte(`"just a string"`))
	assert.ErrorIs(t, err, errNotJSONObject)
}

func TestBuildInternalMessage(t *testing.T) {
	tests := []struct {
		msgType string
		message any
		want    string
	}{
		{
			msgType: "v2_message",
			message: map[string]any{"type": "MEDIA_STATUS"},
			want:    `{"type":"v2_message","sequenceNumber":3,"timeoutMillis":0,"clientId":"A","message":{"type":"MEDIA_STATUS"}}`,
		},
		{
			msgType: "remove_session",
			message: "session-1",
			want:    `{"type":"remove_session","sequenceNumber":3,"timeoutMillis":0,"clientId":"A","message":null}`,
		},
		{
			msgType: "disconnect_session",
			message: "session-1",
			want:    `{"type":"disconnect_session","sequenceNumber":3,"timeoutMillis":0,"clientId":"A","message":null}`,
		},
		{
			msgType: "leave_session",
			message: nil,
			want:    `{"type":"leave_session","sequenceNumber":3,"timeoutMillis":0,"clientId":"A","message":null}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.msgType, func(t *testing.T) {
			got, err := buildInternalMessage(tt.msgType, tt.message, "A", 3)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, got)
		})
	}
}

func TestSanitizeMediaStatus(t *testing.T) {
	msg, err := decodeJSONObject([]byte(`{"type":"MEDIA_STATUS","status":[{"supportedMediaCommands":15},{"supportedMediaCommands":4},{"playerState":"IDLE"}]}`))
	require.NoError(t, err)

	sanitizeMediaStatus(msg, "session-1")

	statuses := msg["status"].([]any)
	first := statuses[0].(map[string]any)
	assert.Equal(t, "session-1", first["sessionId"])
	assert.Equal(t, []any{"pause", "seek", "stream_volume", "stream_mute"}, first["supportedMediaCommands"])

	second := statuses[1].(map[string]any)
	assert.Equal(t, []any{"stream_volume"}, second["supportedMediaCommands"])

	third := statuses[2].(map[string]any)
	assert.Equal(t, "session-1", third["sessionId"])
	assert.NotContains(t, third, "supportedMediaCommands")
}

func TestIntField(t *testing.T) {
	msg, err := decodeJSONObject([]byte(`{"a":5,"b":2.5,"c":"7"}`))
	require.NoError(t, err)

	if v, ok := intField(msg, "a"); !ok || v != 5 {
		t.Fatalf("intField(a) = %d, %v", v, ok)
	}
	if _, ok := intField(msg, "b"); ok {
		t.Fatalf("intField(b) accepted a fraction")
	}
	if _, ok := intField(msg, "c"); ok {
		t.Fatalf("intField(c) accepted a string")
	}
	if _, ok := intField(msg, "missing"); ok {
		t.Fatalf("intField(missing) = ok")
	}
}
