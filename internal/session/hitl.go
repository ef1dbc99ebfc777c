package session

import (
	"context"

	"github.com/sandboxagent/gateway/internal/acp/jsonrpc"
	"github.com/sandboxagent/gateway/internal/common/problem"
	"github.com/sandboxagent/gateway/internal/schema"
	"go.uber.org/zap"
)

// PermissionReply is the client's answer to a permission request.
type PermissionReply string

const (
	ReplyOnce   PermissionReply = "once"
	ReplyAlways PermissionReply = "always"
	ReplyReject PermissionReply = "reject"
)

// pendingHITL is one unresolved agent-to-client request.
type pendingHITL struct {
	sessionID string
	id        string
	action    string
	question  bool
	rpcID     any
	rpcKey    string
}

// registerPending indexes an agent-to-client request under both its public id
// and the canonical JSON-RPC id of the agent's request envelope.
func (m *Manager) registerPending(s *Session, id, action string, metadata map[string]any, question bool) *pendingHITL {
	if id == "" {
		return nil
	}
	p := &pendingHITL{
		sessionID: s.ID,
		id:        id,
		action:    action,
		question:  question,
	}
	if metadata != nil {
		p.rpcID = metadata["rpc_id"]
	}
	if key, err := jsonrpc.CanonicalID(p.rpcID); err == nil {
		p.rpcKey = key
	}

	m.mu.Lock()
	if question {
		m.questions[id] = p
	} else {
		m.perms[id] = p
	}
	if p.rpcKey != "" {
		m.rpcIndex[p.rpcKey] = p
	}
	m.mu.Unlock()
	return p
}

func (m *Manager) removePending(p *pendingHITL) {
	m.mu.Lock()
	if p.question {
		delete(m.questions, p.id)
	} else {
		delete(m.perms, p.id)
	}
	if p.rpcKey != "" {
		delete(m.rpcIndex, p.rpcKey)
	}
	m.mu.Unlock()
}

func (m *Manager) purgePending(sessionID string) {
	m.mu.Lock()
	for id, p := range m.perms {
		if p.sessionID == sessionID {
			delete(m.perms, id)
			delete(m.rpcIndex, p.rpcKey)
		}
	}
	for id, p := range m.questions {
		if p.sessionID == sessionID {
			delete(m.questions, id)
			delete(m.rpcIndex, p.rpcKey)
		}
	}
	m.mu.Unlock()
}

// ReplyPermission resolves a pending permission request on behalf of the
// client. "always" additionally whitelists the action for the rest of the
// session. Resolution always ends the open turn synthetically.
func (m *Manager) ReplyPermission(ctx context.Context, sessionID, permissionID string, reply PermissionReply) error {
	var status schema.PermissionStatus
	var optionID string
	switch reply {
	case ReplyOnce:
		status, optionID = schema.PermissionAccept, "allow_once"
	case ReplyAlways:
		status, optionID = schema.PermissionAcceptForSession, "allow_always"
	case ReplyReject:
		status = schema.PermissionReject
	default:
		return problem.Newf(problem.KindInvalidRequest, "unknown permission reply %q", reply)
	}

	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	p, ok := m.perms[permissionID]
	m.mu.Unlock()
	if !ok || p.sessionID != sessionID {
		return problem.Newf(problem.KindInvalidRequest, "no pending permission %q", permissionID)
	}

	if reply == ReplyAlways {
		s.allowAlways(p.action)
	}
	return m.resolvePermission(ctx, s, p, status, optionID, true)
}

// ReplyQuestion resolves a pending question with the client's answers.
func (m *Manager) ReplyQuestion(ctx context.Context, sessionID, questionID string, answers [][]string) error {
	s, p, err := m.takeQuestion(sessionID, questionID)
	if err != nil {
		return err
	}

	m.emit(s, schema.Event{
		Type:      schema.EventQuestionResolved,
		Synthetic: true,
		Data:      schema.QuestionResolvedData{QuestionID: p.id, Answers: answers},
	})
	err = m.replyToAgent(ctx, s, p.rpcID, map[string]any{"answers": answers})
	m.endTurn(s, stopQuestion)
	return err
}

// RejectQuestion resolves a pending question as declined.
func (m *Manager) RejectQuestion(ctx context.Context, sessionID, questionID string) error {
	s, p, err := m.takeQuestion(sessionID, questionID)
	if err != nil {
		return err
	}

	m.emit(s, schema.Event{
		Type:      schema.EventQuestionResolved,
		Synthetic: true,
		Data:      schema.QuestionResolvedData{QuestionID: p.id, Rejected: true},
	})
	err = m.replyToAgent(ctx, s, p.rpcID, map[string]any{
		"outcome": map[string]any{"outcome": "cancelled"},
	})
	m.endTurn(s, stopQuestion)
	return err
}

func (m *Manager) takeQuestion(sessionID, questionID string) (*Session, *pendingHITL, error) {
	if questionID == "" {
		return nil, nil, problem.New(problem.KindInvalidRequest, "question id is required")
	}
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	p, ok := m.questions[questionID]
	m.mu.Unlock()
	if !ok || p.sessionID != sessionID {
		return nil, nil, problem.Newf(problem.KindInvalidRequest, "no pending question %q", questionID)
	}
	m.removePending(p)
	return s, p, nil
}

// HandleClientResponse inspects a client-posted JSON-RPC response envelope.
// When its id matches a pending permission or question, the gateway emits the
// matching resolved event and synthetic turn.ended and reports true; the
// caller still forwards the envelope to the agent either way.
func (m *Manager) HandleClientResponse(payload map[string]any) bool {
	key, err := jsonrpc.CanonicalID(payload["id"])
	if err != nil {
		return false
	}

	m.mu.Lock()
	p, ok := m.rpcIndex[key]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.removePending(p)

	s, err := m.lookup(p.sessionID)
	if err != nil {
		return false
	}

	result, _ := payload["result"].(map[string]any)
	if p.question {
		answers := decodeAnswers(result["answers"])
		rejected := outcomeOf(result) == "cancelled"
		m.emit(s, schema.Event{
			Type:      schema.EventQuestionResolved,
			Synthetic: true,
			Data:      schema.QuestionResolvedData{QuestionID: p.id, Answers: answers, Rejected: rejected},
		})
		m.endTurn(s, stopQuestion)
		return true
	}

	status := schema.PermissionAccept
	switch {
	case outcomeOf(result) == "cancelled":
		status = schema.PermissionReject
	case optionOf(result) == "allow_always":
		status = schema.PermissionAcceptForSession
		s.allowAlways(p.action)
	}
	m.emit(s, schema.Event{
		Type:      schema.EventPermissionResolved,
		Synthetic: true,
		Data:      schema.PermissionResolvedData{PermissionID: p.id, Status: status},
	})
	m.endTurn(s, stopPermission)
	return true
}

// resolvePermission emits permission.resolved, answers the agent's request,
// and optionally ends the turn.
func (m *Manager) resolvePermission(ctx context.Context, s *Session, p *pendingHITL, status schema.PermissionStatus, optionID string, endTurn bool) error {
	m.removePending(p)

	m.emit(s, schema.Event{
		Type:      schema.EventPermissionResolved,
		Synthetic: true,
		Data:      schema.PermissionResolvedData{PermissionID: p.id, Status: status},
	})

	var result map[string]any
	if status == schema.PermissionReject {
		result = map[string]any{"outcome": map[string]any{"outcome": "cancelled"}}
	} else {
		result = map[string]any{"outcome": map[string]any{"outcome": "selected", "optionId": optionID}}
	}
	err := m.replyToAgent(ctx, s, p.rpcID, result)

	if endTurn {
		m.endTurn(s, stopPermission)
	}
	return err
}

// replyToAgent posts a JSON-RPC response envelope answering an agent-to-client
// request.
func (m *Manager) replyToAgent(ctx context.Context, s *Session, rpcID any, result map[string]any) error {
	if rpcID == nil {
		m.logger.Warn("pending request carried no rpc id, agent not answered",
			zap.String("session_id", s.ID))
		return nil
	}
	envelope := map[string]any{
		"jsonrpc": jsonrpc.Version,
		"id":      rpcID,
		"result":  result,
	}
	_, err := m.gw.Post(ctx, s.ConnectionID, "", envelope)
	return err
}

func outcomeOf(result map[string]any) string {
	outcome, _ := result["outcome"].(map[string]any)
	kind, _ := outcome["outcome"].(string)
	return kind
}

func optionOf(result map[string]any) string {
	outcome, _ := result["outcome"].(map[string]any)
	opt, _ := outcome["optionId"].(string)
	return opt
}

func decodeAnswers(v any) [][]string {
	rows, ok := v.([]any)
	if !ok {
		return nil
	}
	var out [][]string
	for _, r := range rows {
		cols, ok := r.([]any)
		if !ok {
			continue
		}
		var row []string
		for _, c := range cols {
			if s, ok := c.(string); ok {
				row = append(row, s)
			}
		}
		out = append(out, row)
	}
	return out
}
