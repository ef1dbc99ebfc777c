package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxagent/gateway/internal/acp/jsonrpc"
	"github.com/sandboxagent/gateway/internal/acp/mockagent"
)

// hitlTimeout bounds how long a prompt waits for the client to resolve a
// permission or question request.
const hitlTimeout = 120 * time.Second

// agent holds the mock's state. Prompts run in their own goroutine so the
// stdin read loop stays free to deliver the client responses they block on.
type agent struct {
	writeMu sync.Mutex
	enc     *json.Encoder

	mu       sync.Mutex
	sessions map[string]bool
	pending  map[string]chan map[string]any
	nextID   int

	wg sync.WaitGroup
}

func newAgent(out io.Writer) *agent {
	return &agent{
		enc:      json.NewEncoder(out),
		sessions: make(map[string]bool),
		pending:  make(map[string]chan map[string]any),
	}
}

// handle dispatches one incoming envelope.
func (a *agent) handle(msg map[string]any) {
	switch jsonrpc.Classify(msg) {
	case jsonrpc.KindRequest:
		method, _ := msg["method"].(string)
		if method == jsonrpc.MethodSessionPrompt {
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				params, _ := msg["params"].(map[string]any)
				a.write(a.runPrompt(msg["id"], params))
			}()
			return
		}
		a.write(a.handleRequest(msg))
	case jsonrpc.KindNotification:
		// session/cancel is the only notification the mock receives; the
		// synchronous prompt model leaves nothing to cancel.
	case jsonrpc.KindResponse:
		a.resolveClientResponse(msg)
	}
}

// wait unblocks pending round-trips and waits for in-flight prompts to
// write their responses. Called once stdin reaches EOF.
func (a *agent) wait() {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[string]chan map[string]any)
	a.mu.Unlock()
	for _, waiter := range pending {
		close(waiter)
	}
	a.wg.Wait()
}

func (a *agent) write(frame map[string]any) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = a.enc.Encode(frame)
}

func (a *agent) handleRequest(msg map[string]any) map[string]any {
	id := msg["id"]
	method, _ := msg["method"].(string)

	switch method {
	case jsonrpc.MethodInitialize:
		return result(id, map[string]any{
			"protocolVersion": "1.0",
			"agentCapabilities": map[string]any{
				"loadSession":   false,
				"promptStreams": true,
			},
		})
	case jsonrpc.MethodSessionNew:
		sessionID := "mock-" + uuid.NewString()
		a.mu.Lock()
		a.sessions[sessionID] = true
		a.mu.Unlock()
		return result(id, map[string]any{"sessionId": sessionID})
	case jsonrpc.MethodSessionLoad, jsonrpc.MethodSessionSetModel:
		return result(id, map[string]any{})
	default:
		return rpcError(id, jsonrpc.MethodNotFound, fmt.Sprintf("method %q not supported", method))
	}
}

// runPrompt executes one turn: chunks are written before the response so
// wire order matches what real agents produce.
func (a *agent) runPrompt(id any, params map[string]any) map[string]any {
	sessionID, _ := params["sessionId"].(string)
	a.mu.Lock()
	known := a.sessions[sessionID]
	a.mu.Unlock()
	if !known {
		return rpcError(id, -32001, fmt.Sprintf("unknown session %q", sessionID))
	}

	text := promptText(params)
	switch {
	case strings.Contains(text, mockagent.TriggerError):
		return rpcError(id, -32000, "mock agent failure: "+text)

	case strings.Contains(text, mockagent.TriggerPermission):
		outcome, ok := a.roundTrip(jsonrpc.MethodRequestPermission, map[string]any{
			"sessionId": sessionID,
			"toolCall": map[string]any{
				"toolCallId": "mock-tool-" + uuid.NewString(),
				"title":      "write_file",
				"kind":       "edit",
			},
			"options": []map[string]any{
				{"optionId": "allow_once", "name": "Allow once", "kind": "allow_once"},
				{"optionId": "allow_always", "name": "Always allow", "kind": "allow_always"},
				{"optionId": "reject_once", "name": "Reject", "kind": "reject_once"},
			},
		})
		if !ok {
			return rpcError(id, -32011, "permission request was never resolved")
		}
		if outcomeKind(outcome) == "cancelled" {
			return result(id, map[string]any{"stopReason": "cancelled"})
		}
		a.chunk(sessionID, "mock: permission granted, proceeding")
		return result(id, map[string]any{"stopReason": "end_turn"})

	case strings.Contains(text, mockagent.TriggerQuestion):
		_, ok := a.roundTrip(mockagent.MethodRequestQuestion, map[string]any{
			"sessionId": sessionID,
			"prompt":    "mock: which approach should I take?",
			"options":   []string{"fast", "thorough"},
		})
		if !ok {
			return rpcError(id, -32011, "question request was never resolved")
		}
		a.chunk(sessionID, "mock: noted, continuing")
		return result(id, map[string]any{"stopReason": "end_turn"})

	default:
		a.chunk(sessionID, "mock: ")
		for _, piece := range splitChunks(text, 2) {
			a.chunk(sessionID, piece)
		}
		return result(id, map[string]any{"stopReason": "end_turn"})
	}
}

// roundTrip writes an agent-to-client request and blocks until the matching
// response envelope arrives on stdin.
func (a *agent) roundTrip(method string, params map[string]any) (map[string]any, bool) {
	a.mu.Lock()
	a.nextID++
	reqID := fmt.Sprintf("mock-req-%d", a.nextID)
	waiter := make(chan map[string]any, 1)
	key, _ := jsonrpc.CanonicalID(reqID)
	a.pending[key] = waiter
	a.mu.Unlock()

	a.write(map[string]any{
		"jsonrpc": jsonrpc.Version,
		"id":      reqID,
		"method":  method,
		"params":  params,
	})

	timer := time.NewTimer(hitlTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-waiter:
		return resp, ok
	case <-timer.C:
		a.mu.Lock()
		delete(a.pending, key)
		a.mu.Unlock()
		return nil, false
	}
}

func (a *agent) resolveClientResponse(msg map[string]any) {
	key, err := jsonrpc.CanonicalID(msg["id"])
	if err != nil {
		return
	}
	a.mu.Lock()
	waiter, ok := a.pending[key]
	delete(a.pending, key)
	a.mu.Unlock()
	if ok {
		waiter <- msg
	}
}

func (a *agent) chunk(sessionID, text string) {
	a.write(map[string]any{
		"jsonrpc": jsonrpc.Version,
		"method":  jsonrpc.NotificationSessionUpdate,
		"params": map[string]any{
			"sessionId": sessionID,
			"update": map[string]any{
				"sessionUpdate": "agent_message_chunk",
				"content":       map[string]any{"type": "text", "text": text},
			},
		},
	})
}

func result(id any, res map[string]any) map[string]any {
	return map[string]any{"jsonrpc": jsonrpc.Version, "id": id, "result": res}
}

func rpcError(id any, code int, message string) map[string]any {
	return map[string]any{
		"jsonrpc": jsonrpc.Version,
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	}
}

// promptText concatenates the text parts of a prompt.
func promptText(params map[string]any) string {
	parts, _ := params["prompt"].([]any)
	var sb strings.Builder
	for _, p := range parts {
		part, ok := p.(map[string]any)
		if !ok || part["type"] != "text" {
			continue
		}
		if text, ok := part["text"].(string); ok {
			sb.WriteString(text)
		}
	}
	return sb.String()
}

// splitChunks breaks text into up to n pieces so prompts stream as multiple
// deltas the way real agents do.
func splitChunks(text string, n int) []string {
	if n <= 1 || len(text) <= n {
		return []string{text}
	}
	size := (len(text) + n - 1) / n
	var out []string
	for start := 0; start < len(text); start += size {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		out = append(out, text[start:end])
	}
	return out
}

// outcomeKind digs the outcome discriminator out of a permission response:
// {result: {outcome: {outcome: "selected"|"cancelled", optionId?}}}.
func outcomeKind(resp map[string]any) string {
	res, _ := resp["result"].(map[string]any)
	outcome, _ := res["outcome"].(map[string]any)
	kind, _ := outcome["outcome"].(string)
	return kind
}
