package convert

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sandboxagent/gateway/internal/schema"
)

// streamJSONConverter normalizes the claude CLI's stream-json dialect. Text
// arrives twice on that wire: incrementally through stream_event deltas and
// complete in the final assistant message. Deltas open the item; the
// assistant message closes it with the authoritative content.
type streamJSONConverter struct {
	messageItem string
}

func newStreamJSON() *streamJSONConverter {
	return &streamJSONConverter{}
}

func (c *streamJSONConverter) Convert(raw json.RawMessage) []Conversion {
	msg, params, method, ok := decodeMessage(raw)
	if !ok {
		return unparsed(raw, "not a JSON object")
	}
	if convs, handled := adapterSynthetics(method, params, raw); handled {
		return convs
	}

	nativeSession := str(msg, "session_id")
	switch str(msg, "type") {
	case "system":
		if str(msg, "subtype") == "init" {
			return []Conversion{{
				Type:            schema.EventSessionStarted,
				NativeSessionID: nativeSession,
				Data: schema.SessionStartedData{
					NativeSessionID: nativeSession,
					Agent:           "claude",
					Cwd:             str(msg, "cwd"),
				},
				Raw: raw,
			}}
		}
		return nil
	case "stream_event":
		return c.convertStreamEvent(msg, nativeSession)
	case "assistant":
		return c.convertAssistant(msg, nativeSession)
	case "user":
		return c.convertToolResults(msg, nativeSession)
	case "result":
		if isErr, _ := msg["is_error"].(bool); isErr {
			return []Conversion{{
				Type:            schema.EventError,
				NativeSessionID: nativeSession,
				Data:            schema.ErrorData{Message: str(msg, "result")},
				Raw:             raw,
			}}
		}
		// Successful results mark turn completion, which the session manager
		// derives from its own prompt round-trip.
		return nil
	case "control_request", "control_response":
		return nil
	default:
		return unparsed(raw, "unknown stream-json type "+str(msg, "type"))
	}
}

func (c *streamJSONConverter) convertStreamEvent(msg map[string]any, nativeSession string) []Conversion {
	event, _ := msg["event"].(map[string]any)
	if str(event, "type") != "content_block_delta" {
		return nil
	}
	delta, _ := event["delta"].(map[string]any)

	var part schema.ContentPart
	switch str(delta, "type") {
	case "text_delta":
		part = schema.TextPart(str(delta, "text"))
	case "thinking_delta":
		part = schema.ContentPart{
			Type:       schema.PartReasoning,
			Text:       str(delta, "thinking"),
			Visibility: schema.VisibilityPrivate,
		}
	default:
		return nil
	}

	var out []Conversion
	if c.messageItem == "" {
		c.messageItem = uuid.NewString()
		out = append(out, Conversion{
			Type:            schema.EventItemStarted,
			NativeSessionID: nativeSession,
			Data: schema.Item{
				ItemID: c.messageItem,
				Kind:   schema.ItemMessage,
				Role:   schema.RoleAssistant,
				Status: schema.StateInProgress,
			},
		})
	}
	out = append(out, Conversion{
		Type:            schema.EventItemDelta,
		NativeSessionID: nativeSession,
		Data: schema.Item{
			ItemID:  c.messageItem,
			Kind:    schema.ItemMessage,
			Role:    schema.RoleAssistant,
			Content: []schema.ContentPart{part},
			Status:  schema.StateInProgress,
		},
	})
	return out
}

func (c *streamJSONConverter) convertAssistant(msg map[string]any, nativeSession string) []Conversion {
	message, _ := msg["message"].(map[string]any)
	blocks, _ := message["content"].([]any)

	var textParts []schema.ContentPart
	var toolCalls []schema.ContentPart
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok {
			continue
		}
		switch str(block, "type") {
		case "text":
			textParts = append(textParts, schema.TextPart(str(block, "text")))
		case "thinking":
			textParts = append(textParts, schema.ContentPart{
				Type:       schema.PartReasoning,
				Text:       str(block, "thinking"),
				Visibility: schema.VisibilityPrivate,
			})
		case "tool_use":
			toolCalls = append(toolCalls, schema.ContentPart{
				Type:      schema.PartToolCall,
				Name:      str(block, "name"),
				CallID:    str(block, "id"),
				Arguments: rawOf(block["input"]),
			})
		}
	}

	var out []Conversion
	if len(textParts) > 0 || c.messageItem != "" {
		itemID := c.messageItem
		if itemID == "" {
			itemID = uuid.NewString()
			out = append(out, Conversion{
				Type:            schema.EventItemStarted,
				NativeSessionID: nativeSession,
				Data: schema.Item{
					ItemID: itemID,
					Kind:   schema.ItemMessage,
					Role:   schema.RoleAssistant,
					Status: schema.StateInProgress,
				},
			})
		}
		c.messageItem = ""
		out = append(out, Conversion{
			Type:            schema.EventItemCompleted,
			NativeSessionID: nativeSession,
			Data: schema.Item{
				ItemID:       itemID,
				NativeItemID: str(message, "id"),
				Kind:         schema.ItemMessage,
				Role:         schema.RoleAssistant,
				Content:      textParts,
				Status:       schema.StateCompleted,
			},
		})
	}

	for _, call := range toolCalls {
		out = append(out, Conversion{
			Type:            schema.EventItemStarted,
			NativeSessionID: nativeSession,
			Data: schema.Item{
				ItemID:       uuid.NewString(),
				NativeItemID: call.CallID,
				Kind:         schema.ItemToolCall,
				Role:         schema.RoleAssistant,
				Content:      []schema.ContentPart{call},
				Status:       schema.StateInProgress,
			},
		})
	}
	return out
}

func (c *streamJSONConverter) convertToolResults(msg map[string]any, nativeSession string) []Conversion {
	message, _ := msg["message"].(map[string]any)
	blocks, _ := message["content"].([]any)

	var out []Conversion
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok || str(block, "type") != "tool_result" {
			continue
		}
		callID := str(block, "tool_use_id")
		status := schema.StateCompleted
		if isErr, _ := block["is_error"].(bool); isErr {
			status = schema.StateFailed
		}
		out = append(out, Conversion{
			Type:            schema.EventItemCompleted,
			NativeSessionID: nativeSession,
			Data: schema.Item{
				ItemID:       uuid.NewString(),
				NativeItemID: callID,
				Kind:         schema.ItemToolResult,
				Role:         schema.RoleTool,
				Content: []schema.ContentPart{{
					Type:   schema.PartToolResult,
					CallID: callID,
					Output: rawOf(block["content"]),
				}},
				Status: status,
			},
		})
	}
	return out
}

// Flush completes the open streaming message, if any.
func (c *streamJSONConverter) Flush(nativeSession string) []Conversion {
	if c.messageItem == "" {
		return nil
	}
	itemID := c.messageItem
	c.messageItem = ""
	return []Conversion{{
		Type:            schema.EventItemCompleted,
		NativeSessionID: nativeSession,
		Data: schema.Item{
			ItemID: itemID,
			Kind:   schema.ItemMessage,
			Role:   schema.RoleAssistant,
			Status: schema.StateCompleted,
		},
	}}
}
