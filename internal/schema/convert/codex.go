package convert

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sandboxagent/gateway/internal/schema"
)

// codexConverter normalizes the codex app-server dialect: thread/turn/item
// notifications with per-item delta streams.
type codexConverter struct {
	// Native item id → universal item id and kind, for delta/completed pairing.
	items map[string]codexItem
}

type codexItem struct {
	id   string
	kind schema.ItemKind
}

func newCodex() *codexConverter {
	return &codexConverter{items: make(map[string]codexItem)}
}

func (c *codexConverter) Convert(raw json.RawMessage) []Conversion {
	msg, params, method, ok := decodeMessage(raw)
	if !ok {
		return unparsed(raw, "not a JSON object")
	}
	if convs, handled := adapterSynthetics(method, params, raw); handled {
		return convs
	}

	switch method {
	case "thread/started":
		thread, _ := params["thread"].(map[string]any)
		threadID := str(thread, "id")
		return []Conversion{{
			Type:            schema.EventSessionStarted,
			NativeSessionID: threadID,
			Data: schema.SessionStartedData{
				NativeSessionID: threadID,
				Agent:           "codex",
			},
			Raw: raw,
		}}
	case "item/started":
		return c.itemStarted(params)
	case "item/completed":
		return c.itemCompleted(params)
	case "item/agentMessage/delta":
		return c.delta(params, schema.TextPart(str(params, "delta")))
	case "item/reasoning/summaryTextDelta":
		return c.delta(params, schema.ContentPart{
			Type: schema.PartReasoning, Text: str(params, "delta"), Visibility: schema.VisibilityPublic,
		})
	case "item/reasoning/textDelta":
		return c.delta(params, schema.ContentPart{
			Type: schema.PartReasoning, Text: str(params, "delta"), Visibility: schema.VisibilityPrivate,
		})
	case "item/commandExecution/outputDelta":
		return c.delta(params, schema.ContentPart{
			Type: schema.PartStatus, Label: "output", Detail: str(params, "delta"),
		})
	case "item/commandExecution/requestApproval":
		return []Conversion{{
			Type: schema.EventPermissionRequested,
			Data: schema.PermissionRequestData{
				PermissionID: uuid.NewString(),
				Action:       str(params, "command"),
				Metadata:     map[string]any{"item_id": params["itemId"], "rpc_id": msg["id"]},
			},
			Raw: raw,
		}}
	case "item/fileChange/requestApproval":
		return []Conversion{{
			Type: schema.EventPermissionRequested,
			Data: schema.PermissionRequestData{
				PermissionID: uuid.NewString(),
				Action:       "file_change",
				Metadata:     map[string]any{"item_id": params["itemId"], "rpc_id": msg["id"], "changes": params["changes"]},
			},
			Raw: raw,
		}}
	case "error":
		return []Conversion{{
			Type: schema.EventError,
			Data: schema.ErrorData{Message: str(params, "message")},
			Raw:  raw,
		}}
	case "turn/started", "turn/completed", "turn/diff/updated", "turn/plan/updated",
		"token_count", "thread/tokenUsage/updated", "context_compacted",
		"account/updated", "account/login/completed":
		// Turn pairing is owned by the session manager; accounting traffic is
		// not part of the universal stream.
		return nil
	case "":
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

func (c *codexConverter) itemStarted(params map[string]any) []Conversion {
	item, _ := params["item"].(map[string]any)
	nativeID := str(item, "id")
	kind, role := codexKind(str(item, "type"))

	entry := codexItem{id: uuid.NewString(), kind: kind}
	c.items[nativeID] = entry

	var content []schema.ContentPart
	if kind == schema.ItemToolCall {
		content = []schema.ContentPart{{
			Type:      schema.PartToolCall,
			Name:      str(item, "type"),
			CallID:    nativeID,
			Arguments: rawOf(item),
		}}
	}

	return []Conversion{{
		Type: schema.EventItemStarted,
		Data: schema.Item{
			ItemID:       entry.id,
			NativeItemID: nativeID,
			Kind:         kind,
			Role:         role,
			Content:      content,
			Status:       schema.StateInProgress,
		},
	}}
}

func (c *codexConverter) itemCompleted(params map[string]any) []Conversion {
	item, _ := params["item"].(map[string]any)
	nativeID := str(item, "id")
	kind, role := codexKind(str(item, "type"))

	entry, tracked := c.items[nativeID]
	if !tracked {
		entry = codexItem{id: uuid.NewString(), kind: kind}
	}
	delete(c.items, nativeID)

	status := schema.StateCompleted
	var content []schema.ContentPart
	switch entry.kind {
	case schema.ItemToolCall:
		// Command and file-change items complete as tool results.
		kind = schema.ItemToolResult
		role = schema.RoleTool
		if code, ok := item["exitCode"].(float64); ok && code != 0 {
			status = schema.StateFailed
		}
		content = []schema.ContentPart{{
			Type:   schema.PartToolResult,
			CallID: nativeID,
			Output: rawOf(item),
		}}
		content = append(content, codexFileChanges(item)...)
	case schema.ItemMessage:
		content = []schema.ContentPart{schema.TextPart(codexText(item))}
	case schema.ItemReasoning:
		content = []schema.ContentPart{{
			Type:       schema.PartReasoning,
			Text:       codexText(item),
			Visibility: schema.VisibilityPublic,
		}}
	}

	return []Conversion{{
		Type: schema.EventItemCompleted,
		Data: schema.Item{
			ItemID:       entry.id,
			NativeItemID: nativeID,
			Kind:         kind,
			Role:         role,
			Content:      content,
			Status:       status,
		},
	}}
}

func (c *codexConverter) delta(params map[string]any, part schema.ContentPart) []Conversion {
	nativeID := str(params, "itemId")
	entry, tracked := c.items[nativeID]
	if !tracked {
		// Delta before item/started; open the item so ordering holds.
		kind := schema.ItemMessage
		if part.Type == schema.PartReasoning {
			kind = schema.ItemReasoning
		}
		entry = codexItem{id: uuid.NewString(), kind: kind}
		c.items[nativeID] = entry
		return []Conversion{
			{
				Type: schema.EventItemStarted,
				Data: schema.Item{
					ItemID: entry.id, NativeItemID: nativeID,
					Kind: entry.kind, Role: schema.RoleAssistant, Status: schema.StateInProgress,
				},
			},
			{
				Type: schema.EventItemDelta,
				Data: schema.Item{
					ItemID: entry.id, NativeItemID: nativeID,
					Kind: entry.kind, Role: schema.RoleAssistant,
					Content: []schema.ContentPart{part}, Status: schema.StateInProgress,
				},
			},
		}
	}

	return []Conversion{{
		Type: schema.EventItemDelta,
		Data: schema.Item{
			ItemID: entry.id, NativeItemID: nativeID,
			Kind: entry.kind, Role: schema.RoleAssistant,
			Content: []schema.ContentPart{part}, Status: schema.StateInProgress,
		},
	}}
}

// Flush completes items still open when a turn closes.
func (c *codexConverter) Flush(string) []Conversion {
	var out []Conversion
	for nativeID, entry := range c.items {
		out = append(out, Conversion{
			Type: schema.EventItemCompleted,
			Data: schema.Item{
				ItemID: entry.id, NativeItemID: nativeID,
				Kind: entry.kind, Role: schema.RoleAssistant, Status: schema.StateCompleted,
			},
		})
		delete(c.items, nativeID)
	}
	return out
}

func codexKind(itemType string) (schema.ItemKind, schema.Role) {
	switch itemType {
	case "agentMessage", "agent_message":
		return schema.ItemMessage, schema.RoleAssistant
	case "reasoning":
		return schema.ItemReasoning, schema.RoleAssistant
	case "commandExecution", "command_execution", "fileChange", "file_change",
		"mcpToolCall", "mcp_tool_call", "webSearch", "web_search":
		return schema.ItemToolCall, schema.RoleAssistant
	case "userMessage", "user_message":
		return schema.ItemMessage, schema.RoleUser
	default:
		return schema.ItemStatus, schema.RoleSystem
	}
}

func codexText(item map[string]any) string {
	if s, ok := item["text"].(string); ok {
		return s
	}
	if s, ok := item["content"].(string); ok {
		return s
	}
	return ""
}

func codexFileChanges(item map[string]any) []schema.ContentPart {
	changes, ok := item["changes"].([]any)
	if !ok {
		return nil
	}
	var parts []schema.ContentPart
	for _, ch := range changes {
		change, ok := ch.(map[string]any)
		if !ok {
			continue
		}
		action := schema.FileWrite
		switch str(change, "kind") {
		case "add", "create":
			action = schema.FileCreate
		case "delete":
			action = schema.FileDelete
		}
		parts = append(parts, schema.ContentPart{
			Type:   schema.PartFileRef,
			Path:   str(change, "path"),
			Action: action,
			Diff:   str(change, "diff"),
		})
	}
	return parts
}
