// Package mockagent is the built-in in-process agent. It speaks the same
// line-level ACP semantics as a real subprocess adapter, so every layer above
// the proxy treats it identically: prompts stream agent_message_chunk
// notifications, trigger phrases drive permission and question round-trips,
// and responses are broadcast into the replay ring. Tests and offline use
// depend on its event sequences being indistinguishable in shape from a real
// agent's.
package mockagent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sandboxagent/gateway/internal/acp/adapter"
	"github.com/sandboxagent/gateway/internal/acp/jsonrpc"
	"github.com/sandboxagent/gateway/internal/common/logger"
	"go.uber.org/zap"
)

// Trigger phrases recognized in prompt text.
const (
	TriggerPermission = "needs permission"
	TriggerQuestion   = "needs question"
	TriggerError      = "fail please"
)

// MethodRequestQuestion is the agent-to-client question request. ACP has no
// native question method; the mock uses this gateway extension so question
// flows can be exercised end to end.
const MethodRequestQuestion = "session/request_question"

// hitlTimeout bounds how long a prompt waits for the client to resolve a
// permission or question request.
const hitlTimeout = 120 * time.Second

// Options configures the mock agent.
type Options struct {
	Logger *logger.Logger
}

// Agent is the in-process mock runtime.
type Agent struct {
	stream *stream
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]bool
	pending  map[string]chan map[string]any // agent->client requests by canonical id
	nextID   int
	exited   bool
}

// New creates a started mock agent.
func New(opts Options) *Agent {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Agent{
		stream:   newStream(),
		logger:   log.WithFields(zap.String("component", "mockagent")),
		sessions: make(map[string]bool),
		pending:  make(map[string]chan map[string]any),
	}
}

// Post handles one client-to-agent message, mirroring adapter.Post semantics.
func (a *Agent) Post(ctx context.Context, payload map[string]any) (adapter.PostOutcome, error) {
	a.mu.Lock()
	exited := a.exited
	a.mu.Unlock()
	if exited {
		return adapter.PostOutcome{}, &adapter.Error{Kind: adapter.ErrShutdown}
	}

	switch jsonrpc.Classify(payload) {
	case jsonrpc.KindRequest:
		resp := a.handleRequest(ctx, payload)
		a.stream.publish(resp)
		return adapter.PostOutcome{Response: resp}, nil
	case jsonrpc.KindNotification:
		a.handleNotification(payload)
		return adapter.PostOutcome{Accepted: true}, nil
	case jsonrpc.KindResponse:
		a.resolveClientResponse(payload)
		return adapter.PostOutcome{Accepted: true}, nil
	default:
		return adapter.PostOutcome{}, &adapter.Error{Kind: adapter.ErrInvalidEnvelope}
	}
}

// Subscribe mirrors adapter.Subscribe over the mock's stream.
func (a *Agent) Subscribe(lastEventID uint64) ([]adapter.StreamMessage, <-chan adapter.StreamMessage, func()) {
	return a.stream.subscribe(lastEventID)
}

// Shutdown stops the mock. Idempotent.
func (a *Agent) Shutdown(context.Context) error {
	a.mu.Lock()
	already := a.exited
	a.exited = true
	pending := a.pending
	a.pending = make(map[string]chan map[string]any)
	a.mu.Unlock()

	if already {
		return nil
	}
	for _, waiter := range pending {
		close(waiter)
	}
	a.stream.publish(map[string]any{
		"jsonrpc": jsonrpc.Version,
		"method":  jsonrpc.NotificationAgentExited,
		"params":  map[string]any{"success": true, "code": 0},
	})
	a.stream.close()
	return nil
}

// Exited reports whether the mock was shut down.
func (a *Agent) Exited() (bool, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exited, 0
}

// Stderr returns an empty snapshot; the mock has no process stderr.
func (a *Agent) Stderr() adapter.StderrSnapshot {
	return adapter.StderrSnapshot{}
}

func (a *Agent) handleRequest(ctx context.Context, payload map[string]any) map[string]any {
	id := payload["id"]
	method, _ := payload["method"].(string)
	params, _ := payload["params"].(map[string]any)

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
	case jsonrpc.MethodSessionLoad:
		return result(id, map[string]any{})
	case jsonrpc.MethodSessionSetModel:
		return result(id, map[string]any{})
	case jsonrpc.MethodSessionPrompt:
		return a.runPrompt(ctx, id, params)
	default:
		return rpcError(id, jsonrpc.MethodNotFound, fmt.Sprintf("method %q not supported", method))
	}
}

func (a *Agent) handleNotification(payload map[string]any) {
	method, _ := payload["method"].(string)
	if method == jsonrpc.MethodSessionCancel {
		a.logger.Debug("prompt cancel requested")
	}
}

// runPrompt executes one turn synchronously: notifications are published
// before the response returns, preserving wire order for subscribers.
func (a *Agent) runPrompt(ctx context.Context, id any, params map[string]any) map[string]any {
	sessionID, _ := params["sessionId"].(string)
	a.mu.Lock()
	known := a.sessions[sessionID]
	a.mu.Unlock()
	if !known {
		return rpcError(id, -32001, fmt.Sprintf("unknown session %q", sessionID))
	}

	text := promptText(params)
	switch {
	case strings.Contains(text, TriggerError):
		return rpcError(id, -32000, "mock agent failure: "+text)

	case strings.Contains(text, TriggerPermission):
		outcome, ok := a.roundTrip(ctx, jsonrpc.MethodRequestPermission, map[string]any{
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

	case strings.Contains(text, TriggerQuestion):
		_, ok := a.roundTrip(ctx, MethodRequestQuestion, map[string]any{
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
		// First chunk carries the mock prefix so clients can recognize the
		// stream; the rest of the text follows in smaller deltas.
		a.chunk(sessionID, "mock: ")
		for _, piece := range splitChunks(text, 2) {
			a.chunk(sessionID, piece)
		}
		return result(id, map[string]any{"stopReason": "end_turn"})
	}
}

// roundTrip publishes an agent-to-client request and blocks until the client
// posts the matching response envelope.
func (a *Agent) roundTrip(ctx context.Context, method string, params map[string]any) (map[string]any, bool) {
	a.mu.Lock()
	a.nextID++
	reqID := fmt.Sprintf("mock-req-%d", a.nextID)
	waiter := make(chan map[string]any, 1)
	key, _ := jsonrpc.CanonicalID(reqID)
	a.pending[key] = waiter
	a.mu.Unlock()

	a.stream.publish(map[string]any{
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
	case <-ctx.Done():
	}

	a.mu.Lock()
	delete(a.pending, key)
	a.mu.Unlock()
	return nil, false
}

func (a *Agent) resolveClientResponse(payload map[string]any) {
	key, err := jsonrpc.CanonicalID(payload["id"])
	if err != nil {
		return
	}
	a.mu.Lock()
	waiter, ok := a.pending[key]
	delete(a.pending, key)
	a.mu.Unlock()
	if ok {
		waiter <- payload
	}
}

func (a *Agent) chunk(sessionID, text string) {
	a.stream.publish(map[string]any{
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
