// Package convert normalizes native agent dialects into universal events.
// One converter instance serves one session and may keep streaming state
// (open items); converters never block and never reorder events.
package convert

import (
	"encoding/json"

	"github.com/sandboxagent/gateway/internal/agent/registry"
	"github.com/sandboxagent/gateway/internal/schema"
)

// Conversion is one universal event produced from a native message, before
// the session manager stamps ids, sequence, and time.
type Conversion struct {
	Type            schema.EventType
	Data            any
	Synthetic       bool
	NativeSessionID string
	Raw             json.RawMessage
}

// Converter turns one native wire message into zero or more conversions, in
// order.
type Converter interface {
	Convert(raw json.RawMessage) []Conversion
	// Flush completes items the converter still holds open, used when a turn
	// closes so no item is left in_progress forever.
	Flush(nativeSessionID string) []Conversion
}

// ForDialect returns a fresh converter for the dialect. Unknown dialects fall
// back to the ACP converter, which degrades unknown traffic to agent.unparsed.
func ForDialect(d registry.Dialect) Converter {
	switch d {
	case registry.DialectStreamJSON:
		return newStreamJSON()
	case registry.DialectCodex:
		return newCodex()
	default:
		return newACP()
	}
}

// unparsed wraps a raw payload that no mapping rule matched.
func unparsed(raw json.RawMessage, reason string) []Conversion {
	return []Conversion{{
		Type: schema.EventAgentUnparsed,
		Data: schema.UnparsedData{Reason: reason},
		Raw:  raw,
	}}
}

// adapterSynthetics handles the adapter-injected notifications shared by all
// dialects. ok is false when the message is not one of them.
func adapterSynthetics(method string, params map[string]any, raw json.RawMessage) ([]Conversion, bool) {
	switch method {
	case "_adapter/invalid_stdout":
		msg, _ := params["error"].(string)
		if msg == "" {
			msg = "agent produced invalid stdout"
		}
		return []Conversion{{
			Type:      schema.EventError,
			Data:      schema.ErrorData{Message: msg, Details: params["raw"]},
			Synthetic: true,
			Raw:       raw,
		}}, true
	case "_adapter/agent_exited":
		code := 0
		if f, ok := params["code"].(float64); ok {
			code = int(f)
		}
		success, _ := params["success"].(bool)
		reason := schema.EndError
		if success {
			reason = schema.EndCompleted
		}
		return []Conversion{{
			Type: schema.EventSessionEnded,
			Data: schema.SessionEndedData{
				Reason:       reason,
				TerminatedBy: schema.ByAgent,
				ExitCode:     &code,
			},
			Synthetic: true,
			Raw:       raw,
		}}, true
	}
	return nil, false
}

func decodeMessage(raw json.RawMessage) (map[string]any, map[string]any, string, bool) {
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, nil, "", false
	}
	method, _ := msg["method"].(string)
	params, _ := msg["params"].(map[string]any)
	return msg, params, method, true
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func rawOf(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
