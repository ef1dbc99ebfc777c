package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sandboxagent/gateway/internal/acp/proxy"
	"github.com/sandboxagent/gateway/internal/agent/credentials"
	"github.com/sandboxagent/gateway/internal/agent/install"
	"github.com/sandboxagent/gateway/internal/agent/registry"
	"github.com/sandboxagent/gateway/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer serves the full surface over the in-process mock agent.
func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()

	log := logger.Default()
	reg := registry.New()
	inst := install.New(reg, credentials.NewManager(log, credentials.NewEnvProvider()), log)
	p := proxy.New(reg, inst, proxy.Options{Logger: log})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.ShutdownAll(ctx)
	})

	if opts.Logger == nil {
		opts.Logger = log
	}
	srv := New(p, reg, inst, opts)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, ts *httptest.Server, connID string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/rpc", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if connID != "" {
		req.Header.Set(ConnectionHeader, connID)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func initConn(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp := postJSON(t, ts, "", `{"jsonrpc":"2.0","method":"initialize","params":{"protocolVersion":"1.0","clientCapabilities":{},"_meta":{"sandboxagent.dev":{"agent":"mock"}}}}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	connID := resp.Header.Get(ConnectionHeader)
	require.NotEmpty(t, connID)
	return connID
}

func newSession(t *testing.T, ts *httptest.Server, connID string) string {
	t.Helper()
	resp := postJSON(t, ts, connID, `{"jsonrpc":"2.0","id":2,"method":"session/new","params":{"cwd":"/tmp","mcpServers":[],"_meta":{"sandboxagent.dev":{"agent":"mock"}}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	result := body["result"].(map[string]any)
	sessionID := result["sessionId"].(string)
	require.NotEmpty(t, sessionID)
	return sessionID
}

func promptBody(sessionID, text string, id int) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"session/prompt","params":{"sessionId":%q,"prompt":[{"type":"text","text":%q}]}}`, id, sessionID, text)
}

type sseFrame struct {
	id   uint64
	data string
}

// openSSE attaches to the connection stream and feeds frames to a channel
// until the context ends or the stream closes.
func openSSE(t *testing.T, ts *httptest.Server, connID, lastEventID string) (<-chan sseFrame, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/rpc", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(ConnectionHeader, connID)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frames := make(chan sseFrame, 64)
	go func() {
		defer close(frames)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		var current sseFrame
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "id: "):
				current.id, _ = strconv.ParseUint(strings.TrimPrefix(line, "id: "), 10, 64)
			case strings.HasPrefix(line, "data: "):
				current.data = strings.TrimPrefix(line, "data: ")
			case line == "" && current.data != "":
				select {
				case frames <- current:
				case <-ctx.Done():
					return
				}
				current = sseFrame{}
			}
		}
	}()
	return frames, cancel
}

// frameLog keeps every frame it has read, so matches are order-independent
// across the tap and the gateway injection paths.
type frameLog struct {
	frames <-chan sseFrame
	seen   []sseFrame
}

func (l *frameLog) wait(t *testing.T, match func(sseFrame) bool, what string) sseFrame {
	t.Helper()
	for _, f := range l.seen {
		if match(f) {
			return f
		}
	}
	deadline := time.After(10 * time.Second)
	for {
		select {
		case f, ok := <-l.frames:
			require.True(t, ok, "stream closed while waiting for %s", what)
			l.seen = append(l.seen, f)
			if match(f) {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func waitFrame(t *testing.T, frames <-chan sseFrame, match func(sseFrame) bool, what string) sseFrame {
	t.Helper()
	l := &frameLog{frames: frames}
	return l.wait(t, match, what)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, Options{})
	resp, err := ts.Client().Get(ts.URL + "/health")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestBasicTurn(t *testing.T) {
	ts := newTestServer(t, Options{})
	connID := initConn(t, ts)
	sessionID := newSession(t, ts, connID)

	resp := postJSON(t, ts, connID, promptBody(sessionID, "hi", 3))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "end_turn", body["result"].(map[string]any)["stopReason"])

	frames, cancel := openSSE(t, ts, connID, "")
	defer cancel()

	chunk := waitFrame(t, frames, func(f sseFrame) bool {
		return strings.Contains(f.data, `"method":"session/update"`) && strings.Contains(f.data, "mock:")
	}, "session/update chunk")
	assert.GreaterOrEqual(t, chunk.id, uint64(1))
}

func TestPermissionRoundTrip(t *testing.T) {
	ts := newTestServer(t, Options{})
	connID := initConn(t, ts)
	sessionID := newSession(t, ts, connID)

	frames, cancel := openSSE(t, ts, connID, "")
	defer cancel()
	log := &frameLog{frames: frames}

	promptDone := make(chan map[string]any, 1)
	go func() {
		resp := postJSON(t, ts, connID, promptBody(sessionID, "this needs permission", 3))
		promptDone <- decodeBody(t, resp)
	}()

	// The agent's raw request frame carries the rpc id to answer. The
	// injected permission.requested wrapper embeds the same envelope, so
	// match on the parsed top-level method, not a substring.
	var reqMsg map[string]any
	log.wait(t, func(f sseFrame) bool {
		var msg map[string]any
		if err := json.Unmarshal([]byte(f.data), &msg); err != nil {
			return false
		}
		if msg["method"] != "session/request_permission" {
			return false
		}
		reqMsg = msg
		return true
	}, "permission request frame")
	reqID := reqMsg["id"]
	require.NotNil(t, reqID)

	// The universal permission.requested event is injected alongside it.
	log.wait(t, func(f sseFrame) bool {
		return strings.Contains(f.data, `"permission.requested"`)
	}, "permission.requested event")

	// Client declines by answering the agent's request directly.
	reply, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": reqID,
		"result": map[string]any{"outcome": map[string]any{"outcome": "cancelled"}},
	})
	require.NoError(t, err)
	resp := postJSON(t, ts, connID, string(reply))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resolved := log.wait(t, func(f sseFrame) bool {
		return strings.Contains(f.data, `"permission.resolved"`)
	}, "permission.resolved event")
	assert.Contains(t, resolved.data, `"synthetic":true`)
	assert.Contains(t, resolved.data, `"status":"reject"`)

	log.wait(t, func(f sseFrame) bool {
		return strings.Contains(f.data, `"turn.ended"`)
	}, "turn.ended event")

	body := <-promptDone
	assert.Equal(t, "cancelled", body["result"].(map[string]any)["stopReason"])
}

func TestUnknownConnection(t *testing.T) {
	ts := newTestServer(t, Options{})
	resp := postJSON(t, ts, "does-not-exist", `{"jsonrpc":"2.0","id":1,"method":"session/new","params":{}}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/problem+json")
	body := decodeBody(t, resp)
	assert.Equal(t, "ACP client not found", body["title"])
}

func TestEnvelopeValidation(t *testing.T) {
	ts := newTestServer(t, Options{})
	connID := initConn(t, ts)

	resp := postJSON(t, ts, connID, `[]`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts, connID, `{"jsonrpc":"2.0","id":1,"method":"x","result":{}}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/rpc", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set(ConnectionHeader, connID)
	plain, err := ts.Client().Do(req)
	require.NoError(t, err)
	plain.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, plain.StatusCode)

	req, err = http.NewRequest(http.MethodGet, ts.URL+"/rpc", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(ConnectionHeader, connID)
	sse, err := ts.Client().Do(req)
	require.NoError(t, err)
	sse.Body.Close()
	assert.Equal(t, http.StatusNotAcceptable, sse.StatusCode)
}

func TestSSEReplay(t *testing.T) {
	ts := newTestServer(t, Options{})
	connID := initConn(t, ts)
	sessionID := newSession(t, ts, connID)

	for i := 3; i <= 4; i++ {
		resp := postJSON(t, ts, connID, promptBody(sessionID, "hello", i))
		decodeBody(t, resp)
	}

	frames, cancel := openSSE(t, ts, connID, "")
	var seen []sseFrame
	deadline := time.After(5 * time.Second)
collect:
	for len(seen) < 5 {
		select {
		case f, ok := <-frames:
			if !ok {
				break collect
			}
			seen = append(seen, f)
		case <-deadline:
			break collect
		}
	}
	cancel()
	require.GreaterOrEqual(t, len(seen), 3)
	for i := 1; i < len(seen); i++ {
		assert.Equal(t, seen[i-1].id+1, seen[i].id, "sequence is gap-free")
	}

	// Reconnect past the second frame: replay resumes exactly after it.
	k := seen[1].id
	frames2, cancel2 := openSSE(t, ts, connID, strconv.FormatUint(k, 10))
	defer cancel2()
	first := waitFrame(t, frames2, func(sseFrame) bool { return true }, "first replayed frame")
	assert.Equal(t, k+1, first.id)
}

func TestSingleActiveSSE(t *testing.T) {
	ts := newTestServer(t, Options{})
	connID := initConn(t, ts)

	_, cancel := openSSE(t, ts, connID, "")
	defer cancel()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/rpc", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(ConnectionHeader, connID)
	second, err := ts.Client().Do(req)
	require.NoError(t, err)
	second.Body.Close()
	assert.Equal(t, http.StatusConflict, second.StatusCode)
}

func TestSessionEndedNotification(t *testing.T) {
	ts := newTestServer(t, Options{})
	connID := initConn(t, ts)
	sessionID := newSession(t, ts, connID)

	frames, cancel := openSSE(t, ts, connID, "")
	defer cancel()

	resp := postJSON(t, ts, connID, fmt.Sprintf(`{"jsonrpc":"2.0","id":9,"method":"_sandboxagent/session/terminate","params":{"sessionId":%q}}`, sessionID))
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["result"].(map[string]any)["terminated"])

	ended := waitFrame(t, frames, func(f sseFrame) bool {
		return strings.Contains(f.data, `"_sandboxagent/session/ended"`)
	}, "session ended notification")
	assert.Contains(t, ended.data, `"terminated_by":"daemon"`)
}

func TestSessionExtensions(t *testing.T) {
	ts := newTestServer(t, Options{})
	connID := initConn(t, ts)
	sessionID := newSession(t, ts, connID)

	resp := postJSON(t, ts, connID, `{"jsonrpc":"2.0","id":5,"method":"_sandboxagent/session/list"}`)
	body := decodeBody(t, resp)
	sessions := body["result"].(map[string]any)["sessions"].([]any)
	require.Len(t, sessions, 1)

	resp = postJSON(t, ts, connID, fmt.Sprintf(`{"jsonrpc":"2.0","id":6,"method":"_sandboxagent/session/set_metadata","params":{"sessionId":%q,"title":"demo"}}`, sessionID))
	body = decodeBody(t, resp)
	info := body["result"].(map[string]any)["session"].(map[string]any)
	assert.Equal(t, "demo", info["title"])

	resp = postJSON(t, ts, connID, fmt.Sprintf(`{"jsonrpc":"2.0","id":7,"method":"_sandboxagent/session/get","params":{"sessionId":%q}}`, sessionID))
	body = decodeBody(t, resp)
	info = body["result"].(map[string]any)["session"].(map[string]any)
	assert.Equal(t, sessionID, info["session_id"])

	resp = postJSON(t, ts, connID, `{"jsonrpc":"2.0","id":8,"method":"_sandboxagent/session/list_models","params":{"agent":"mock"}}`)
	body = decodeBody(t, resp)
	assert.Equal(t, "mock", body["result"].(map[string]any)["agent"])

	resp = postJSON(t, ts, connID, `{"jsonrpc":"2.0","id":9,"method":"_sandboxagent/agent/list"}`)
	body = decodeBody(t, resp)
	agents := body["result"].(map[string]any)["agents"].([]any)
	var sawMock bool
	for _, a := range agents {
		agent := a.(map[string]any)
		if agent["kind"] == "mock" {
			sawMock = true
			assert.Equal(t, true, agent["installed"])
		}
	}
	assert.True(t, sawMock)

	resp = postJSON(t, ts, connID, `{"jsonrpc":"2.0","id":10,"method":"_sandboxagent/nope"}`)
	body = decodeBody(t, resp)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, float64(-32600), errObj["code"])
}

func TestFSExtensions(t *testing.T) {
	ts := newTestServer(t, Options{})
	connID := initConn(t, ts)
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")

	resp := postJSON(t, ts, connID, fmt.Sprintf(`{"jsonrpc":"2.0","id":5,"method":"_sandboxagent/fs/write","params":{"path":%q,"content":"hello"}}`, path))
	body := decodeBody(t, resp)
	assert.Equal(t, float64(5), body["result"].(map[string]any)["written"])

	resp = postJSON(t, ts, connID, fmt.Sprintf(`{"jsonrpc":"2.0","id":6,"method":"_sandboxagent/fs/read","params":{"path":%q}}`, path))
	body = decodeBody(t, resp)
	result := body["result"].(map[string]any)
	assert.Equal(t, "hello", result["content"])
	assert.Equal(t, "utf-8", result["encoding"])

	resp = postJSON(t, ts, connID, fmt.Sprintf(`{"jsonrpc":"2.0","id":7,"method":"_sandboxagent/fs/list","params":{"path":%q}}`, dir))
	body = decodeBody(t, resp)
	entries := body["result"].(map[string]any)["entries"].([]any)
	require.Len(t, entries, 1)

	moved := filepath.Join(dir, "moved.txt")
	resp = postJSON(t, ts, connID, fmt.Sprintf(`{"jsonrpc":"2.0","id":8,"method":"_sandboxagent/fs/move","params":{"from":%q,"to":%q}}`, path, moved))
	decodeBody(t, resp)

	resp = postJSON(t, ts, connID, fmt.Sprintf(`{"jsonrpc":"2.0","id":9,"method":"_sandboxagent/fs/stat","params":{"path":%q}}`, moved))
	body = decodeBody(t, resp)
	assert.Equal(t, false, body["result"].(map[string]any)["isDir"])

	resp = postJSON(t, ts, connID, fmt.Sprintf(`{"jsonrpc":"2.0","id":10,"method":"_sandboxagent/fs/delete","params":{"path":%q}}`, moved))
	decodeBody(t, resp)
	_, err := os.Stat(moved)
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteConnection(t *testing.T) {
	ts := newTestServer(t, Options{})
	connID := initConn(t, ts)
	newSession(t, ts, connID)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/rpc", nil)
	require.NoError(t, err)
	req.Header.Set(ConnectionHeader, connID)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	post := postJSON(t, ts, connID, `{"jsonrpc":"2.0","id":3,"method":"session/new","params":{}}`)
	post.Body.Close()
	assert.Equal(t, http.StatusNotFound, post.StatusCode)
}

func TestBearerAuth(t *testing.T) {
	ts := newTestServer(t, Options{AuthToken: "sesame"})

	resp, err := ts.Client().Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "/health stays public")

	resp = postJSON(t, ts, "", `{"jsonrpc":"2.0","method":"initialize","params":{"_meta":{"sandboxagent.dev":{"agent":"mock"}}}}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/rpc", bytes.NewBufferString(`{"jsonrpc":"2.0","method":"initialize","params":{"protocolVersion":"1.0","_meta":{"sandboxagent.dev":{"agent":"mock"}}}}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sesame")
	authed, err := ts.Client().Do(req)
	require.NoError(t, err)
	authed.Body.Close()
	assert.Equal(t, http.StatusAccepted, authed.StatusCode)
}

func TestPermissionReplyExtension(t *testing.T) {
	ts := newTestServer(t, Options{})
	connID := initConn(t, ts)
	sessionID := newSession(t, ts, connID)

	frames, cancel := openSSE(t, ts, connID, "")
	defer cancel()
	log := &frameLog{frames: frames}

	promptDone := make(chan map[string]any, 1)
	go func() {
		resp := postJSON(t, ts, connID, promptBody(sessionID, "this needs permission", 3))
		promptDone <- decodeBody(t, resp)
	}()

	reqFrame := log.wait(t, func(f sseFrame) bool {
		return strings.Contains(f.data, `"type":"permission.requested"`)
	}, "permission.requested event")

	var envelope struct {
		Params struct {
			Data struct {
				PermissionID string `json:"permission_id"`
			} `json:"data"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal([]byte(reqFrame.data), &envelope))
	permissionID := envelope.Params.Data.PermissionID
	require.NotEmpty(t, permissionID)

	resp := postJSON(t, ts, connID, fmt.Sprintf(
		`{"jsonrpc":"2.0","id":9,"method":"_sandboxagent/permission/reply","params":{"sessionId":%q,"permissionId":%q,"action":"once"}}`,
		sessionID, permissionID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["result"].(map[string]any)["resolved"])

	log.wait(t, func(f sseFrame) bool {
		return strings.Contains(f.data, `"type":"permission.resolved"`) &&
			strings.Contains(f.data, `"status":"accept"`)
	}, "permission.resolved event")

	result := <-promptDone
	assert.Equal(t, "end_turn", result["result"].(map[string]any)["stopReason"])
}

func TestQuestionReplyExtension(t *testing.T) {
	ts := newTestServer(t, Options{})
	connID := initConn(t, ts)
	sessionID := newSession(t, ts, connID)

	frames, cancel := openSSE(t, ts, connID, "")
	defer cancel()
	log := &frameLog{frames: frames}

	promptDone := make(chan map[string]any, 1)
	go func() {
		resp := postJSON(t, ts, connID, promptBody(sessionID, "this needs question", 4))
		promptDone <- decodeBody(t, resp)
	}()

	reqFrame := log.wait(t, func(f sseFrame) bool {
		return strings.Contains(f.data, `"type":"question.requested"`)
	}, "question.requested event")

	var envelope struct {
		Params struct {
			Data struct {
				QuestionID string `json:"question_id"`
			} `json:"data"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal([]byte(reqFrame.data), &envelope))
	questionID := envelope.Params.Data.QuestionID
	require.NotEmpty(t, questionID)

	resp := postJSON(t, ts, connID, fmt.Sprintf(
		`{"jsonrpc":"2.0","id":10,"method":"_sandboxagent/question/reply","params":{"sessionId":%q,"questionId":%q,"answers":[["fast"]]}}`,
		sessionID, questionID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["result"].(map[string]any)["resolved"])

	log.wait(t, func(f sseFrame) bool {
		return strings.Contains(f.data, `"type":"question.resolved"`)
	}, "question.resolved event")

	result := <-promptDone
	assert.Equal(t, "end_turn", result["result"].(map[string]any)["stopReason"])
}
