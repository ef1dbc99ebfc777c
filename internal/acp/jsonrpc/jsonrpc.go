// Package jsonrpc implements the JSON-RPC 2.0 envelope handling for ACP
// (Agent Client Protocol) traffic: message classification, validation, and
// request-id canonicalization for the pending-request table.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the only accepted value of the "jsonrpc" field.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ACP methods routed by the gateway.
const (
	MethodInitialize        = "initialize"
	MethodSessionNew        = "session/new"
	MethodSessionLoad       = "session/load"
	MethodSessionPrompt     = "session/prompt"
	MethodSessionCancel     = "session/cancel"
	MethodSessionSetModel   = "session/set_model"
	MethodRequestPermission = "session/request_permission"

	NotificationSessionUpdate = "session/update"
)

// Synthetic notifications the adapter injects into its own stream.
const (
	NotificationInvalidStdout = "_adapter/invalid_stdout"
	NotificationAgentExited   = "_adapter/agent_exited"
)

// Kind classifies a JSON-RPC message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response represents a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Request represents a JSON-RPC 2.0 request or notification envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest builds a request envelope with the given id, method, and params.
// Params must marshal cleanly; nil params are omitted.
func NewRequest(id any, method string, params any) (map[string]any, error) {
	msg := map[string]any{"jsonrpc": Version, "method": method}
	if id != nil {
		msg["id"] = id
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		msg["params"] = json.RawMessage(raw)
	}
	return msg, nil
}

// Classify determines the kind of a decoded JSON-RPC object.
//
// A message with "method" is a request (has "id") or a notification (no "id");
// it must not also carry "result" or "error". A message without "method" is a
// response when it has "id" and one of "result"/"error". Anything else is
// invalid.
func Classify(msg map[string]any) Kind {
	if v, ok := msg["jsonrpc"]; !ok || v != Version {
		return KindInvalid
	}

	_, hasMethod := msg["method"]
	_, hasID := msg["id"]
	_, hasResult := msg["result"]
	_, hasError := msg["error"]

	if hasMethod {
		if hasResult || hasError {
			return KindInvalid
		}
		if m, ok := msg["method"].(string); !ok || m == "" {
			return KindInvalid
		}
		if hasID {
			return KindRequest
		}
		return KindNotification
	}

	if hasID && (hasResult || hasError) {
		return KindResponse
	}
	return KindInvalid
}

// CanonicalID returns the canonical map key for a JSON-RPC request id: the
// exact JSON serialization of the id value. String "7" and number 7 serialize
// differently (`"7"` vs `7`) and therefore never collide. Null ids canonicalize
// to "null".
func CanonicalID(id any) (string, error) {
	raw, err := json.Marshal(id)
	if err != nil {
		return "", fmt.Errorf("marshal id: %w", err)
	}
	return string(bytes.TrimSpace(raw)), nil
}

// CanonicalRawID returns the canonical key for an id captured as raw JSON.
// The raw bytes are normalized through a decode/encode round trip so that
// whitespace variants of the same value map to one key.
func CanonicalRawID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "null", nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("parse id: %w", err)
	}
	return CanonicalID(v)
}
