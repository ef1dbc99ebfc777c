package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Kind
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, KindRequest},
		{"request string id", `{"jsonrpc":"2.0","id":"a","method":"session/new","params":{}}`, KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"session/cancel"}`, KindNotification},
		{"response result", `{"jsonrpc":"2.0","id":1,"result":{}}`, KindResponse},
		{"response error", `{"jsonrpc":"2.0","id":1,"error":{"code":-32600,"message":"x"}}`, KindResponse},
		{"missing version", `{"id":1,"method":"m"}`, KindInvalid},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"m"}`, KindInvalid},
		{"method and result", `{"jsonrpc":"2.0","id":1,"method":"m","result":{}}`, KindInvalid},
		{"empty method", `{"jsonrpc":"2.0","method":""}`, KindInvalid},
		{"id only", `{"jsonrpc":"2.0","id":1}`, KindInvalid},
		{"empty object", `{}`, KindInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg map[string]any
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &msg))
			assert.Equal(t, tt.want, Classify(msg))
		})
	}
}

func TestCanonicalIDDistinguishesTypes(t *testing.T) {
	num, err := CanonicalID(float64(7))
	require.NoError(t, err)
	str, err := CanonicalID("7")
	require.NoError(t, err)
	assert.Equal(t, "7", num)
	assert.Equal(t, `"7"`, str)
	assert.NotEqual(t, num, str)

	null, err := CanonicalID(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", null)
}

func TestCanonicalRawIDNormalizesWhitespace(t *testing.T) {
	a, err := CanonicalRawID(json.RawMessage(`  "abc" `))
	require.NoError(t, err)
	b, err := CanonicalRawID(json.RawMessage(`"abc"`))
	require.NoError(t, err)
	assert.Equal(t, b, a)

	empty, err := CanonicalRawID(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", empty)
}

func TestNewRequest(t *testing.T) {
	msg, err := NewRequest(3, MethodSessionPrompt, map[string]any{"sessionId": "s"})
	require.NoError(t, err)
	assert.Equal(t, Version, msg["jsonrpc"])
	assert.Equal(t, MethodSessionPrompt, msg["method"])
	assert.Equal(t, 3, msg["id"])
	assert.Equal(t, KindRequest, Classify(msg))

	note, err := NewRequest(nil, NotificationSessionUpdate, nil)
	require.NoError(t, err)
	_, hasParams := note["params"]
	assert.False(t, hasParams)
	assert.Equal(t, KindNotification, Classify(note))
}
