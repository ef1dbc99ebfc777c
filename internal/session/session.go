package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sandboxagent/gateway/internal/agent/registry"
	"github.com/sandboxagent/gateway/internal/schema"
	"github.com/sandboxagent/gateway/internal/schema/convert"
)

// Session is the manager's record of one conversation. The public session id
// equals the agent's native id, so prompt envelopes pass through without id
// rewriting.
type Session struct {
	ID              string
	ConnectionID    string
	Agent           registry.Kind
	NativeSessionID string
	Cwd             string
	CreatedAt       time.Time

	bus      *EventBus
	stopPump func()

	// Converter state is shared between the stream pump and flush paths.
	convMu    sync.Mutex
	converter convert.Converter

	mu        sync.Mutex
	updatedAt time.Time
	title     string
	hints     map[string]string
	meta      map[string]any
	ended     bool
	endedData *schema.SessionEndedData

	// Turn state. openTurn is empty between turns; promptKey is the canonical
	// JSON-RPC id of the in-flight prompt, matched against broadcast response
	// envelopes so turn.ended lands after every streamed item.
	openTurn  string
	promptKey string

	// Actions the client approved for the whole session.
	alwaysAllowed map[string]bool
}

// Info is a read-only snapshot of a session record.
type Info struct {
	SessionID        string                   `json:"session_id"`
	ConnectionID     string                   `json:"connection_id"`
	Agent            string                   `json:"agent"`
	NativeSessionID  string                   `json:"native_session_id"`
	Title            string                   `json:"title,omitempty"`
	Cwd              string                   `json:"cwd,omitempty"`
	CreatedAt        time.Time                `json:"created_at"`
	UpdatedAt        time.Time                `json:"updated_at"`
	Ended            bool                     `json:"ended"`
	EndedData        *schema.SessionEndedData `json:"ended_data,omitempty"`
	EventCount       uint64                   `json:"event_count"`
	Hints            map[string]string        `json:"hints,omitempty"`
	SandboxMeta      map[string]any           `json:"sandbox_meta,omitempty"`
	PermissionAlways []string                 `json:"permission_always_actions,omitempty"`
}

func (s *Session) snapshot() *Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := &Info{
		SessionID:       s.ID,
		ConnectionID:    s.ConnectionID,
		Agent:           string(s.Agent),
		NativeSessionID: s.NativeSessionID,
		Title:           s.title,
		Cwd:             s.Cwd,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.updatedAt,
		Ended:           s.ended,
		EndedData:       s.endedData,
		EventCount:      s.bus.Seq(),
	}
	if len(s.hints) > 0 {
		info.Hints = make(map[string]string, len(s.hints))
		for k, v := range s.hints {
			info.Hints[k] = v
		}
	}
	if len(s.meta) > 0 {
		info.SandboxMeta = make(map[string]any, len(s.meta))
		for k, v := range s.meta {
			info.SandboxMeta[k] = v
		}
	}
	for action := range s.alwaysAllowed {
		info.PermissionAlways = append(info.PermissionAlways, action)
	}
	return info
}

func (s *Session) touch() {
	s.mu.Lock()
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

// markEnded records the terminal state. Returns false when the session had
// already ended, so session.ended is emitted exactly once.
func (s *Session) markEnded(data *schema.SessionEndedData) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.ended = true
	s.endedData = data
	s.updatedAt = time.Now()
	return true
}

func (s *Session) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// beginTurn opens a turn if none is in flight.
func (s *Session) beginTurn(turnID, promptKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openTurn != "" {
		return false
	}
	s.openTurn = turnID
	s.promptKey = promptKey
	return true
}

// closeTurn clears the open turn and returns its id. Idempotent: a second
// call reports no turn so turn.ended is never emitted twice.
func (s *Session) closeTurn() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openTurn == "" {
		return "", false
	}
	turnID := s.openTurn
	s.openTurn = ""
	s.promptKey = ""
	return turnID, true
}

func (s *Session) currentPromptKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promptKey
}

func (s *Session) allowAlways(action string) {
	s.mu.Lock()
	s.alwaysAllowed[action] = true
	s.mu.Unlock()
}

func (s *Session) isAlwaysAllowed(action string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alwaysAllowed[action]
}

func (s *Session) convert(raw json.RawMessage) []convert.Conversion {
	s.convMu.Lock()
	defer s.convMu.Unlock()
	return s.converter.Convert(raw)
}

func (s *Session) flushItems() []convert.Conversion {
	s.convMu.Lock()
	defer s.convMu.Unlock()
	return s.converter.Flush(s.NativeSessionID)
}
