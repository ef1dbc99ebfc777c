// Package schema defines the universal event model: the gateway-normalized
// representation of agent activity emitted on per-session buses. The event
// type set is closed; converters map each agent's native dialect onto it and
// anything they cannot express becomes agent.unparsed with the raw payload
// preserved.
package schema

import (
	"encoding/json"
	"time"
)

// EventType enumerates the universal event types. The set is closed.
type EventType string

const (
	EventSessionStarted      EventType = "session.started"
	EventSessionEnded        EventType = "session.ended"
	EventItemStarted         EventType = "item.started"
	EventItemDelta           EventType = "item.delta"
	EventItemCompleted       EventType = "item.completed"
	EventTurnStarted         EventType = "turn.started"
	EventTurnEnded           EventType = "turn.ended"
	EventPermissionRequested EventType = "permission.requested"
	EventPermissionResolved  EventType = "permission.resolved"
	EventQuestionRequested   EventType = "question.requested"
	EventQuestionResolved    EventType = "question.resolved"
	EventError               EventType = "error"
	EventAgentUnparsed       EventType = "agent.unparsed"
)

// Source identifies where an event originated.
type Source struct {
	Agent   string `json:"agent"`
	Sandbox string `json:"sandbox,omitempty"`
}

// Event is one universal event on a session's bus. Sequence is strictly
// increasing per session starting at 1; Synthetic marks events injected by
// the gateway rather than derived from agent output.
type Event struct {
	EventID         string          `json:"event_id"`
	Sequence        uint64          `json:"sequence"`
	Time            string          `json:"time"`
	SessionID       string          `json:"session_id"`
	NativeSessionID string          `json:"native_session_id,omitempty"`
	Source          Source          `json:"source"`
	Synthetic       bool            `json:"synthetic"`
	Type            EventType       `json:"type"`
	Data            any             `json:"data,omitempty"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

// Now returns the event timestamp format used across the gateway.
func Now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// ItemKind enumerates item kinds.
type ItemKind string

const (
	ItemMessage    ItemKind = "message"
	ItemToolCall   ItemKind = "tool_call"
	ItemToolResult ItemKind = "tool_result"
	ItemReasoning  ItemKind = "reasoning"
	ItemStatus     ItemKind = "status"
)

// Role enumerates item author roles.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ItemState enumerates item lifecycle states.
type ItemState string

const (
	StateInProgress ItemState = "in_progress"
	StateCompleted  ItemState = "completed"
	StateFailed     ItemState = "failed"
)

// Item is the payload of item.* events.
type Item struct {
	ItemID       string        `json:"item_id"`
	NativeItemID string        `json:"native_item_id,omitempty"`
	ParentID     string        `json:"parent_id,omitempty"`
	Kind         ItemKind      `json:"kind"`
	Role         Role          `json:"role,omitempty"`
	Content      []ContentPart `json:"content,omitempty"`
	Status       ItemState     `json:"status"`
}

// PartType tags ContentPart variants.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartReasoning  PartType = "reasoning"
	PartFileRef    PartType = "file_ref"
	PartImage      PartType = "image"
	PartStatus     PartType = "status"
	PartJSON       PartType = "json"
)

// Visibility of reasoning content. Set from the native distinction between
// summaries and chain-of-thought, never inferred.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// FileAction enumerates FileRef actions.
type FileAction string

const (
	FileRead   FileAction = "read"
	FileWrite  FileAction = "write"
	FileCreate FileAction = "create"
	FileDelete FileAction = "delete"
)

// ContentPart is one tagged content variant. Type selects which fields are
// populated.
type ContentPart struct {
	Type PartType `json:"type"`

	// text, reasoning
	Text       string     `json:"text,omitempty"`
	Visibility Visibility `json:"visibility,omitempty"`

	// tool_call, tool_result
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`

	// file_ref, image
	Path   string     `json:"path,omitempty"`
	Action FileAction `json:"action,omitempty"`
	Diff   string     `json:"diff,omitempty"`
	Mime   string     `json:"mime,omitempty"`

	// status
	Label  string `json:"label,omitempty"`
	Detail string `json:"detail,omitempty"`

	// json
	JSON json.RawMessage `json:"json,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart { return ContentPart{Type: PartText, Text: text} }

// TurnData is the payload of turn.started / turn.ended.
type TurnData struct {
	TurnID     string `json:"turn_id"`
	StopReason string `json:"stop_reason,omitempty"`
}

// SessionStartedData is the payload of session.started.
type SessionStartedData struct {
	NativeSessionID string         `json:"native_session_id,omitempty"`
	Agent           string         `json:"agent"`
	Cwd             string         `json:"cwd,omitempty"`
	Meta            map[string]any `json:"meta,omitempty"`
}

// EndReason enumerates why a session ended.
type EndReason string

const (
	EndCompleted  EndReason = "completed"
	EndError      EndReason = "error"
	EndTerminated EndReason = "terminated"
)

// TerminatedBy identifies who ended the session.
type TerminatedBy string

const (
	ByAgent  TerminatedBy = "agent"
	ByDaemon TerminatedBy = "daemon"
)

// SessionEndedData is the payload of session.ended and of the
// _sandboxagent/session/ended notification.
type SessionEndedData struct {
	Reason       EndReason    `json:"reason"`
	TerminatedBy TerminatedBy `json:"terminated_by"`
	Message      string       `json:"message,omitempty"`
	ExitCode     *int         `json:"exit_code,omitempty"`
	Stderr       any          `json:"stderr,omitempty"`
}

// PermissionRequestData is the payload of permission.requested.
type PermissionRequestData struct {
	PermissionID string         `json:"permission_id"`
	Action       string         `json:"action"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// PermissionStatus enumerates resolution outcomes.
type PermissionStatus string

const (
	PermissionAccept           PermissionStatus = "accept"
	PermissionAcceptForSession PermissionStatus = "accept_for_session"
	PermissionReject           PermissionStatus = "reject"
)

// PermissionResolvedData is the payload of permission.resolved.
type PermissionResolvedData struct {
	PermissionID string           `json:"permission_id"`
	Status       PermissionStatus `json:"status"`
}

// QuestionRequestData is the payload of question.requested.
type QuestionRequestData struct {
	QuestionID string         `json:"question_id"`
	Prompt     string         `json:"prompt"`
	Options    []string       `json:"options,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// QuestionResolvedData is the payload of question.resolved.
type QuestionResolvedData struct {
	QuestionID string     `json:"question_id"`
	Answers    [][]string `json:"answers,omitempty"`
	Rejected   bool       `json:"rejected,omitempty"`
}

// ErrorData is the payload of error events.
type ErrorData struct {
	Message string `json:"message"`
	Code    *int   `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// UnparsedData is the payload of agent.unparsed.
type UnparsedData struct {
	Reason string `json:"reason,omitempty"`
}
