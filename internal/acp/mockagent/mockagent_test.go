package mockagent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sandboxagent/gateway/internal/acp/adapter"
	"github.com/sandboxagent/gateway/internal/acp/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(t *testing.T, a *Agent) string {
	t.Helper()
	out, err := a.Post(context.Background(), map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "session/new",
		"params": map[string]any{"cwd": "/tmp", "mcpServers": []any{}},
	})
	require.NoError(t, err)
	res := out.Response["result"].(map[string]any)
	sessionID := res["sessionId"].(string)
	require.NotEmpty(t, sessionID)
	return sessionID
}

func prompt(sessionID, text string, id any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0", "id": id, "method": "session/prompt",
		"params": map[string]any{
			"sessionId": sessionID,
			"prompt":    []any{map[string]any{"type": "text", "text": text}},
		},
	}
}

func decodeAll(t *testing.T, msgs []adapter.StreamMessage) []map[string]any {
	t.Helper()
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		var obj map[string]any
		require.NoError(t, json.Unmarshal(m.Payload, &obj))
		out = append(out, obj)
	}
	return out
}

func TestPromptStreamsChunksBeforeResponse(t *testing.T) {
	a := New(Options{})
	sessionID := newSession(t, a)

	out, err := a.Post(context.Background(), prompt(sessionID, "hi", 2))
	require.NoError(t, err)
	res := out.Response["result"].(map[string]any)
	assert.Equal(t, "end_turn", res["stopReason"])

	replay, _, cancel := a.Subscribe(0)
	defer cancel()
	msgs := decodeAll(t, replay)

	var sawChunk bool
	var chunkSeq, respSeq uint64
	for i, obj := range msgs {
		if obj["method"] == jsonrpc.NotificationSessionUpdate && !sawChunk {
			sawChunk = true
			chunkSeq = replay[i].Sequence
			params := obj["params"].(map[string]any)
			update := params["update"].(map[string]any)
			content := update["content"].(map[string]any)
			assert.Contains(t, content["text"], "mock:")
		}
		if _, hasResult := obj["result"]; hasResult && respSeq == 0 {
			if stopReason, ok := obj["result"].(map[string]any)["stopReason"]; ok {
				assert.Equal(t, "end_turn", stopReason)
				respSeq = replay[i].Sequence
			}
		}
	}
	require.True(t, sawChunk, "prompt produced session/update chunks")
	require.NotZero(t, respSeq, "response is broadcast into the stream")
	assert.Less(t, chunkSeq, respSeq, "chunks precede the response")
}

func TestPromptUnknownSession(t *testing.T) {
	a := New(Options{})
	out, err := a.Post(context.Background(), prompt("nope", "hi", 2))
	require.NoError(t, err)
	errObj := out.Response["error"].(map[string]any)
	assert.Equal(t, -32001, errObj["code"])
}

func TestPermissionRoundTrip(t *testing.T) {
	a := New(Options{})
	sessionID := newSession(t, a)

	_, live, cancel := a.Subscribe(0)
	defer cancel()

	type promptResult struct {
		out adapter.PostOutcome
		err error
	}
	done := make(chan promptResult, 1)
	go func() {
		out, err := a.Post(context.Background(), prompt(sessionID, "this needs permission", 3))
		done <- promptResult{out, err}
	}()

	// The permission request appears on the stream with an id.
	var reqID any
	deadline := time.After(5 * time.Second)
	for reqID == nil {
		select {
		case msg := <-live:
			var obj map[string]any
			require.NoError(t, json.Unmarshal(msg.Payload, &obj))
			if obj["method"] == jsonrpc.MethodRequestPermission {
				reqID = obj["id"]
				options := obj["params"].(map[string]any)["options"]
				assert.NotEmpty(t, options)
			}
		case <-deadline:
			t.Fatal("no permission request observed")
		}
	}

	// Client allows; the prompt completes.
	_, err := a.Post(context.Background(), map[string]any{
		"jsonrpc": "2.0", "id": reqID,
		"result": map[string]any{"outcome": map[string]any{"outcome": "selected", "optionId": "allow_once"}},
	})
	require.NoError(t, err)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "end_turn", r.out.Response["result"].(map[string]any)["stopReason"])
}

func TestPermissionCancelled(t *testing.T) {
	a := New(Options{})
	sessionID := newSession(t, a)

	_, live, cancel := a.Subscribe(0)
	defer cancel()

	done := make(chan adapter.PostOutcome, 1)
	go func() {
		out, _ := a.Post(context.Background(), prompt(sessionID, "needs permission", 3))
		done <- out
	}()

	var reqID any
	for reqID == nil {
		msg := <-live
		var obj map[string]any
		require.NoError(t, json.Unmarshal(msg.Payload, &obj))
		if obj["method"] == jsonrpc.MethodRequestPermission {
			reqID = obj["id"]
		}
	}

	_, err := a.Post(context.Background(), map[string]any{
		"jsonrpc": "2.0", "id": reqID,
		"result": map[string]any{"outcome": map[string]any{"outcome": "cancelled"}},
	})
	require.NoError(t, err)

	out := <-done
	assert.Equal(t, "cancelled", out.Response["result"].(map[string]any)["stopReason"])
}

func TestErrorTrigger(t *testing.T) {
	a := New(Options{})
	sessionID := newSession(t, a)

	out, err := a.Post(context.Background(), prompt(sessionID, "fail please", 4))
	require.NoError(t, err)
	errObj := out.Response["error"].(map[string]any)
	assert.Equal(t, -32000, errObj["code"])
	assert.Contains(t, errObj["message"], "mock agent failure")
}

func TestShutdownDrainsAndRejects(t *testing.T) {
	a := New(Options{})
	newSession(t, a)

	_, live, cancel := a.Subscribe(0)
	defer cancel()

	require.NoError(t, a.Shutdown(context.Background()))
	require.NoError(t, a.Shutdown(context.Background()), "idempotent")

	// The exit notification is the final stream entry before close.
	var sawExit bool
	for msg := range live {
		var obj map[string]any
		require.NoError(t, json.Unmarshal(msg.Payload, &obj))
		if obj["method"] == jsonrpc.NotificationAgentExited {
			sawExit = true
		}
	}
	assert.True(t, sawExit)

	_, err := a.Post(context.Background(), prompt("s", "hi", 5))
	kind, ok := adapter.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, adapter.ErrShutdown, kind)
}

func TestInitialize(t *testing.T) {
	a := New(Options{})
	out, err := a.Post(context.Background(), map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
		"params": map[string]any{"protocolVersion": "1.0"},
	})
	require.NoError(t, err)
	res := out.Response["result"].(map[string]any)
	assert.Equal(t, "1.0", res["protocolVersion"])
}
