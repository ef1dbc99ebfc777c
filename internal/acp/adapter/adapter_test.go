package adapter

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sandboxagent/gateway/internal/acp/jsonrpc"
	"github.com/sandboxagent/gateway/internal/agent/install"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellAgent(t *testing.T, script string, opts Options) *Adapter {
	t.Helper()
	a, err := Start(&install.LaunchSpec{
		Program: "/bin/sh",
		Args:    []string{"-c", script},
		Env:     map[string]string{"PATH": "/usr/bin:/bin"},
	}, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func nextMessage(t *testing.T, ch <-chan StreamMessage) StreamMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "stream closed before expected message")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream message")
		return StreamMessage{}
	}
}

func decode(t *testing.T, msg StreamMessage) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &m))
	return m
}

func TestPostRequestGetsResponse(t *testing.T) {
	// Replies to every stdin line with a response for id 1.
	a := shellAgent(t, `while IFS= read -r line; do printf '{"jsonrpc":"2.0","id":1,"result":{"ok":true}}\n'; done`, Options{})

	out, err := a.Post(context.Background(), map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]any{},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Response)
	assert.False(t, out.Accepted)

	result, ok := out.Response["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["ok"])
}

func TestPostNotificationIsAccepted(t *testing.T) {
	a := shellAgent(t, `cat >/dev/null`, Options{})

	out, err := a.Post(context.Background(), map[string]any{
		"jsonrpc": "2.0", "method": "session/cancel", "params": map[string]any{"sessionId": "s1"},
	})
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.Nil(t, out.Response)
}

func TestPostInvalidEnvelope(t *testing.T) {
	a := shellAgent(t, `cat >/dev/null`, Options{})

	_, err := a.Post(context.Background(), map[string]any{"jsonrpc": "2.0", "foo": "bar"})
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrInvalidEnvelope, kind)

	// Request carrying a result is ambiguous and rejected.
	_, err = a.Post(context.Background(), map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "x", "result": map[string]any{},
	})
	require.Error(t, err)
	kind, _ = KindOf(err)
	assert.Equal(t, ErrInvalidEnvelope, kind)
}

func TestPostTimeout(t *testing.T) {
	// Consumes stdin, never answers.
	a := shellAgent(t, `cat >/dev/null`, Options{RequestTimeout: 100 * time.Millisecond})

	_, err := a.Post(context.Background(), map[string]any{
		"jsonrpc": "2.0", "id": 7, "method": "session/prompt",
	})
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrTimeout, kind)

	// The pending entry is gone; the same id can be reused.
	_, err = a.Post(context.Background(), map[string]any{
		"jsonrpc": "2.0", "id": 7, "method": "session/prompt",
	})
	kind, _ = KindOf(err)
	assert.Equal(t, ErrTimeout, kind)
}

func TestStringAndNumberIDsDoNotCollide(t *testing.T) {
	// Answers the string id only; the numeric request must time out instead of
	// stealing the string request's response.
	a := shellAgent(t, `while IFS= read -r line; do printf '{"jsonrpc":"2.0","id":"7","result":{"who":"string"}}\n'; done`,
		Options{RequestTimeout: 300 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		_, err := a.Post(context.Background(), map[string]any{"jsonrpc": "2.0", "id": 7, "method": "m"})
		done <- err
	}()

	out, err := a.Post(context.Background(), map[string]any{"jsonrpc": "2.0", "id": "7", "method": "m"})
	require.NoError(t, err)
	require.NotNil(t, out.Response)

	err = <-done
	require.Error(t, err)
	kind, _ := KindOf(err)
	assert.Equal(t, ErrTimeout, kind)
}

func TestInvalidStdoutSynthesized(t *testing.T) {
	a := shellAgent(t, `echo 'this is not json'; sleep 5`, Options{})
	_, ch, cancel := a.Subscribe(0)
	defer cancel()

	msg := decode(t, nextMessage(t, ch))
	assert.Equal(t, jsonrpc.NotificationInvalidStdout, msg["method"])
	params, ok := msg["params"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, params["raw"], "this is not json")
	assert.NotEmpty(t, params["error"])
}

func TestAgentExitedSynthesized(t *testing.T) {
	a := shellAgent(t, `exit 3`, Options{})
	_, ch, cancel := a.Subscribe(0)
	defer cancel()

	msg := decode(t, nextMessage(t, ch))
	assert.Equal(t, jsonrpc.NotificationAgentExited, msg["method"])
	params := msg["params"].(map[string]any)
	assert.Equal(t, false, params["success"])
	assert.Equal(t, float64(3), params["code"])

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("adapter did not report done after exit")
	}
	exited, code := a.Exited()
	assert.True(t, exited)
	assert.Equal(t, 3, code)
}

func TestExitDrainsPendingWaiters(t *testing.T) {
	a := shellAgent(t, `IFS= read -r line; exit 0`, Options{RequestTimeout: 10 * time.Second})

	_, err := a.Post(context.Background(), map[string]any{"jsonrpc": "2.0", "id": 1, "method": "m"})
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrTimeout, kind)
}

func TestSubscribeReplayAndSequence(t *testing.T) {
	a := shellAgent(t, `
printf '{"jsonrpc":"2.0","method":"session/update","params":{"n":1}}\n'
printf '{"jsonrpc":"2.0","method":"session/update","params":{"n":2}}\n'
printf '{"jsonrpc":"2.0","method":"session/update","params":{"n":3}}\n'
sleep 5`, Options{})

	// Wait for all three to land in the ring.
	require.Eventually(t, func() bool {
		replay, _, cancel := a.Subscribe(0)
		cancel()
		return len(replay) >= 3
	}, 5*time.Second, 10*time.Millisecond)

	replay, _, cancel := a.Subscribe(0)
	defer cancel()
	require.Len(t, replay, 3)
	for i, msg := range replay {
		assert.Equal(t, uint64(i+1), msg.Sequence, "sequences are gap-free from 1")
	}

	// Resuming after sequence 2 replays only the third message.
	tail, _, cancel2 := a.Subscribe(2)
	defer cancel2()
	require.Len(t, tail, 1)
	assert.Equal(t, uint64(3), tail[0].Sequence)
}

func TestResponsesAreBroadcast(t *testing.T) {
	a := shellAgent(t, `while IFS= read -r line; do printf '{"jsonrpc":"2.0","id":1,"result":{}}\n'; done`, Options{})
	_, ch, cancel := a.Subscribe(0)
	defer cancel()

	_, err := a.Post(context.Background(), map[string]any{"jsonrpc": "2.0", "id": 1, "method": "m"})
	require.NoError(t, err)

	msg := decode(t, nextMessage(t, ch))
	assert.Contains(t, msg, "result")
}

func TestStderrCapture(t *testing.T) {
	a := shellAgent(t, `i=1; while [ $i -le 100 ]; do echo "line$i" 1>&2; i=$((i+1)); done; exit 0`, Options{})

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not exit")
	}

	snap := a.Stderr()
	assert.Equal(t, 100, snap.TotalLines)
	assert.True(t, snap.Truncated)
	assert.Contains(t, snap.Head, "line1")
	assert.Contains(t, snap.Head, "line20")
	assert.NotContains(t, snap.Head, "line21")
	assert.Contains(t, snap.Tail, "line51")
	assert.Contains(t, snap.Tail, "line100")
}

func TestShutdownIsIdempotent(t *testing.T) {
	a := shellAgent(t, `cat >/dev/null`, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))
	require.NoError(t, a.Shutdown(ctx))

	_, err := a.Post(context.Background(), map[string]any{"jsonrpc": "2.0", "method": "m"})
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrShutdown, kind)
}

func TestRingEviction(t *testing.T) {
	a := &Adapter{
		subs:   make(map[int]chan StreamMessage),
		stderr: newStderrCapture(),
	}
	for i := 0; i < RingBufferSize+10; i++ {
		a.publish(json.RawMessage(`{}`))
	}
	replay, _, cancel := a.Subscribe(0)
	defer cancel()
	require.Len(t, replay, RingBufferSize)
	assert.Equal(t, uint64(11), replay[0].Sequence, "oldest entries are evicted FIFO")
	assert.Equal(t, uint64(RingBufferSize+10), replay[len(replay)-1].Sequence)
}
