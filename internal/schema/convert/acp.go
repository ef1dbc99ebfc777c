package convert

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sandboxagent/gateway/internal/schema"
)

// acpConverter normalizes ACP (Agent Client Protocol) traffic: session/update
// notifications, session/request_permission requests, and the adapter's
// synthetic notifications.
type acpConverter struct {
	// Open streaming items, so chunk notifications attach to one item.
	messageItem   string
	reasoningItem string
	// Native toolCallId → universal item id, for started/update pairing.
	toolItems map[string]string
}

func newACP() *acpConverter {
	return &acpConverter{toolItems: make(map[string]string)}
}

func (c *acpConverter) Convert(raw json.RawMessage) []Conversion {
	msg, params, method, ok := decodeMessage(raw)
	if !ok {
		return unparsed(raw, "not a JSON object")
	}
	if convs, handled := adapterSynthetics(method, params, raw); handled {
		return convs
	}

	switch method {
	case "session/update":
		return c.convertUpdate(params, raw)
	case "session/request_permission":
		return c.convertPermissionRequest(msg, params, raw)
	case "session/request_question":
		return c.convertQuestionRequest(msg, params, raw)
	case "":
		// Plain responses carry turn completion; the session manager pairs
		// them with the prompt it issued, so nothing is emitted here.
		if _, isResponse := msg["result"]; isResponse {
			return nil
		}
		if _, isError := msg["error"]; isError {
			return nil
		}
		return unparsed(raw, "message without method")
	default:
		return unparsed(raw, "unknown method "+method)
	}
}

func (c *acpConverter) convertUpdate(params map[string]any, raw json.RawMessage) []Conversion {
	nativeSession := str(params, "sessionId")
	update, _ := params["update"].(map[string]any)
	if update == nil {
		return unparsed(raw, "session/update without update payload")
	}

	tag := str(update, "sessionUpdate")
	switch tag {
	case "agent_message_chunk":
		return c.chunk(&c.messageItem, schema.ItemMessage, chunkText(update), schema.ContentPart{}, nativeSession)
	case "agent_thought_chunk":
		part := schema.ContentPart{Type: schema.PartReasoning, Text: chunkText(update), Visibility: schema.VisibilityPublic}
		return c.chunk(&c.reasoningItem, schema.ItemReasoning, "", part, nativeSession)
	case "user_message_chunk":
		// Echo of the user's own prompt; already represented by the turn.
		return nil
	case "tool_call":
		return c.toolCall(update, nativeSession)
	case "tool_call_update":
		return c.toolCallUpdate(update, nativeSession)
	case "plan":
		return []Conversion{{
			Type:            schema.EventItemStarted,
			NativeSessionID: nativeSession,
			Data: schema.Item{
				ItemID: uuid.NewString(),
				Kind:   schema.ItemStatus,
				Role:   schema.RoleAssistant,
				Status: schema.StateCompleted,
				Content: []schema.ContentPart{{
					Type:  schema.PartJSON,
					Label: "plan",
					JSON:  rawOf(update["entries"]),
				}},
			},
		}}
	case "current_mode_update", "available_commands_update":
		// Mode and command tables are surfaced through the registry, not the
		// event stream.
		return nil
	default:
		return unparsed(raw, "unknown session update "+tag)
	}
}

// chunk emits item.started on the first chunk of a streaming item and an
// item.delta for every chunk.
func (c *acpConverter) chunk(open *string, kind schema.ItemKind, text string, part schema.ContentPart, nativeSession string) []Conversion {
	if part.Type == "" {
		part = schema.TextPart(text)
	}

	var out []Conversion
	if *open == "" {
		*open = uuid.NewString()
		out = append(out, Conversion{
			Type:            schema.EventItemStarted,
			NativeSessionID: nativeSession,
			Data: schema.Item{
				ItemID: *open,
				Kind:   kind,
				Role:   schema.RoleAssistant,
				Status: schema.StateInProgress,
			},
		})
	}
	out = append(out, Conversion{
		Type:            schema.EventItemDelta,
		NativeSessionID: nativeSession,
		Data: schema.Item{
			ItemID:  *open,
			Kind:    kind,
			Role:    schema.RoleAssistant,
			Content: []schema.ContentPart{part},
			Status:  schema.StateInProgress,
		},
	})
	return out
}

func (c *acpConverter) toolCall(update map[string]any, nativeSession string) []Conversion {
	// A tool call closes any open streaming message: ACP interleaves chunks
	// and tool calls, and the next chunk starts a new item.
	convs := c.closeOpenItems(nativeSession)

	callID := str(update, "toolCallId")
	itemID := uuid.NewString()
	c.toolItems[callID] = itemID

	convs = append(convs, Conversion{
		Type:            schema.EventItemStarted,
		NativeSessionID: nativeSession,
		Data: schema.Item{
			ItemID:       itemID,
			NativeItemID: callID,
			Kind:         schema.ItemToolCall,
			Role:         schema.RoleAssistant,
			Status:       schema.StateInProgress,
			Content: []schema.ContentPart{{
				Type:      schema.PartToolCall,
				Name:      str(update, "title"),
				CallID:    callID,
				Arguments: rawOf(update["rawInput"]),
			}},
		},
	})
	return convs
}

func (c *acpConverter) toolCallUpdate(update map[string]any, nativeSession string) []Conversion {
	callID := str(update, "toolCallId")
	status := str(update, "status")
	if status != "completed" && status != "failed" {
		// Intermediate progress; no universal event until terminal.
		return nil
	}

	itemID := c.toolItems[callID]
	if itemID == "" {
		itemID = uuid.NewString()
	}
	delete(c.toolItems, callID)

	state := schema.StateCompleted
	if status == "failed" {
		state = schema.StateFailed
	}

	parts := []schema.ContentPart{{
		Type:   schema.PartToolResult,
		CallID: callID,
		Output: rawOf(update["rawOutput"]),
	}}
	parts = append(parts, fileRefParts(update)...)

	return []Conversion{{
		Type:            schema.EventItemCompleted,
		NativeSessionID: nativeSession,
		Data: schema.Item{
			ItemID:       itemID,
			NativeItemID: callID,
			ParentID:     itemID,
			Kind:         schema.ItemToolResult,
			Role:         schema.RoleTool,
			Content:      parts,
			Status:       state,
		},
	}}
}

// closeOpenItems completes any in-flight streaming items. Called when the
// stream moves on to a different construct.
func (c *acpConverter) closeOpenItems(nativeSession string) []Conversion {
	var out []Conversion
	for _, it := range []struct {
		id   *string
		kind schema.ItemKind
	}{
		{&c.messageItem, schema.ItemMessage},
		{&c.reasoningItem, schema.ItemReasoning},
	} {
		if *it.id == "" {
			continue
		}
		out = append(out, Conversion{
			Type:            schema.EventItemCompleted,
			NativeSessionID: nativeSession,
			Data: schema.Item{
				ItemID: *it.id,
				Kind:   it.kind,
				Role:   schema.RoleAssistant,
				Status: schema.StateCompleted,
			},
		})
		*it.id = ""
	}
	return out
}

// Flush completes all open streaming items, used by the session manager when
// a turn ends.
func (c *acpConverter) Flush(nativeSession string) []Conversion {
	return c.closeOpenItems(nativeSession)
}

func (c *acpConverter) convertPermissionRequest(msg, params map[string]any, raw json.RawMessage) []Conversion {
	toolCall, _ := params["toolCall"].(map[string]any)
	action := str(toolCall, "title")
	if action == "" {
		action = str(toolCall, "toolCallId")
	}

	meta := map[string]any{
		"rpc_id":  msg["id"],
		"options": params["options"],
	}
	if toolCall != nil {
		meta["tool_call"] = toolCall
	}

	return []Conversion{{
		Type:            schema.EventPermissionRequested,
		NativeSessionID: str(params, "sessionId"),
		Data: schema.PermissionRequestData{
			PermissionID: uuid.NewString(),
			Action:       action,
			Metadata:     meta,
		},
		Raw: raw,
	}}
}

func (c *acpConverter) convertQuestionRequest(msg, params map[string]any, raw json.RawMessage) []Conversion {
	var options []string
	if opts, ok := params["options"].([]any); ok {
		for _, o := range opts {
			if s, ok := o.(string); ok {
				options = append(options, s)
			}
		}
	}
	return []Conversion{{
		Type:            schema.EventQuestionRequested,
		NativeSessionID: str(params, "sessionId"),
		Data: schema.QuestionRequestData{
			QuestionID: uuid.NewString(),
			Prompt:     str(params, "prompt"),
			Options:    options,
			Metadata:   map[string]any{"rpc_id": msg["id"]},
		},
		Raw: raw,
	}}
}

func chunkText(update map[string]any) string {
	content, _ := update["content"].(map[string]any)
	return str(content, "text")
}

// fileRefParts extracts file change references from tool call content.
func fileRefParts(update map[string]any) []schema.ContentPart {
	var parts []schema.ContentPart

	if entries, ok := update["content"].([]any); ok {
		for _, e := range entries {
			entry, ok := e.(map[string]any)
			if !ok || str(entry, "type") != "diff" {
				continue
			}
			parts = append(parts, schema.ContentPart{
				Type:   schema.PartFileRef,
				Path:   str(entry, "path"),
				Action: schema.FileWrite,
				Diff:   str(entry, "newText"),
			})
		}
	}

	if locs, ok := update["locations"].([]any); ok {
		for _, l := range locs {
			loc, ok := l.(map[string]any)
			if !ok {
				continue
			}
			parts = append(parts, schema.ContentPart{
				Type:   schema.PartFileRef,
				Path:   str(loc, "path"),
				Action: schema.FileRead,
			})
		}
	}
	return parts
}
