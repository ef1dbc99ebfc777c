package session

import (
	"context"
	"encoding/json"

	"github.com/sandboxagent/gateway/internal/acp/adapter"
	"github.com/sandboxagent/gateway/internal/acp/jsonrpc"
	"github.com/sandboxagent/gateway/internal/schema"
	"github.com/sandboxagent/gateway/internal/schema/convert"
	"go.uber.org/zap"
)

// pump drains the agent's broadcast stream for one session, normalizing each
// message and dispatching the resulting universal events in wire order.
func (m *Manager) pump(s *Session, ch <-chan adapter.StreamMessage) {
	for msg := range ch {
		m.handleStreamMessage(s, msg.Payload)
	}
	// Stream closed without an exit notification: the adapter subscription was
	// dropped or the runtime vanished. End the session if it is still live.
	m.endSession(s, &schema.SessionEndedData{
		Reason:       schema.EndError,
		TerminatedBy: schema.ByAgent,
		Message:      "agent stream closed",
	}, true)
}

func (m *Manager) handleStreamMessage(s *Session, raw json.RawMessage) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil && jsonrpc.Classify(obj) == jsonrpc.KindResponse {
		// Response envelopes are broadcast in stream order; the one answering
		// the in-flight prompt closes the turn after every item it streamed.
		if key, err := jsonrpc.CanonicalID(obj["id"]); err == nil && key == s.currentPromptKey() {
			m.finishTurn(s, obj, raw)
		}
		return
	}

	for _, conv := range s.convert(raw) {
		m.dispatch(s, conv)
	}
}

// finishTurn flushes open items and closes the turn with the agent's stop
// reason, or with an error event when the agent answered the prompt with an
// error envelope.
func (m *Manager) finishTurn(s *Session, resp map[string]any, raw json.RawMessage) {
	m.flush(s)

	if errObj, ok := resp["error"].(map[string]any); ok {
		data := schema.ErrorData{}
		data.Message, _ = errObj["message"].(string)
		if f, ok := errObj["code"].(float64); ok {
			code := int(f)
			data.Code = &code
		}
		data.Details = errObj["data"]
		m.emit(s, schema.Event{Type: schema.EventError, Data: data, Raw: raw})
		m.endTurn(s, stopError)
		return
	}

	stopReason := "end_turn"
	if result, ok := resp["result"].(map[string]any); ok {
		if sr, ok := result["stopReason"].(string); ok && sr != "" {
			stopReason = sr
		}
	}
	m.endTurn(s, stopReason)
}

// dispatch routes one conversion: events pass through to the session bus,
// human-in-the-loop requests additionally register pending entries, and
// session termination runs the ended path.
func (m *Manager) dispatch(s *Session, conv convert.Conversion) {
	if conv.NativeSessionID != "" && conv.NativeSessionID != s.NativeSessionID {
		return
	}

	switch conv.Type {
	case schema.EventPermissionRequested:
		m.dispatchPermission(s, conv)
	case schema.EventQuestionRequested:
		m.dispatchQuestion(s, conv)
	case schema.EventSessionEnded:
		data, _ := conv.Data.(schema.SessionEndedData)
		m.endSession(s, &data, conv.Synthetic)
	default:
		m.emit(s, schema.Event{
			Type:      conv.Type,
			Synthetic: conv.Synthetic,
			Data:      conv.Data,
			Raw:       conv.Raw,
		})
	}
}

func (m *Manager) dispatchPermission(s *Session, conv convert.Conversion) {
	data, ok := conv.Data.(schema.PermissionRequestData)
	if !ok {
		return
	}
	p := m.registerPending(s, data.PermissionID, data.Action, data.Metadata, false)
	m.emit(s, schema.Event{Type: conv.Type, Synthetic: conv.Synthetic, Data: conv.Data, Raw: conv.Raw})

	if p != nil && s.isAlwaysAllowed(data.Action) {
		// The client already granted this action for the session; answer the
		// agent without surfacing a new decision, and leave the turn open.
		if err := m.resolvePermission(context.Background(), s, p, schema.PermissionAcceptForSession, "allow_always", false); err != nil {
			m.logger.Warn("auto-resolve of always-allowed action failed",
				zap.String("session_id", s.ID),
				zap.String("action", data.Action),
				zap.Error(err))
		}
	}
}

func (m *Manager) dispatchQuestion(s *Session, conv convert.Conversion) {
	data, ok := conv.Data.(schema.QuestionRequestData)
	if !ok {
		return
	}
	m.registerPending(s, data.QuestionID, data.Prompt, data.Metadata, true)
	m.emit(s, schema.Event{Type: conv.Type, Synthetic: conv.Synthetic, Data: conv.Data, Raw: conv.Raw})
}

// endSession marks the session ended exactly once, attaches the agent's
// stderr snapshot to the diagnostics, closes any open turn, and emits
// session.ended.
func (m *Manager) endSession(s *Session, data *schema.SessionEndedData, synthetic bool) {
	if rt := m.gw.AdapterFor(s.Agent); rt != nil {
		if snap := rt.Stderr(); snap.TotalLines > 0 {
			data.Stderr = snap
		}
	}
	if !s.markEnded(data) {
		return
	}

	m.purgePending(s.ID)
	m.endTurn(s, stopAborted)
	m.emit(s, schema.Event{Type: schema.EventSessionEnded, Synthetic: synthetic, Data: *data})

	m.logger.Info("session ended",
		zap.String("session_id", s.ID),
		zap.String("reason", string(data.Reason)))
	if m.onEnded != nil {
		m.onEnded(s.snapshot(), *data)
	}
}
