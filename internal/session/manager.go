// Package session tracks conversations across agents: it creates sessions
// through the proxy, taps the agent's native stream, normalizes it into
// universal events on a per-session bus, and mediates human-in-the-loop
// permission and question round-trips. Synthetic events it injects are always
// marked as such; agent-derived events never are.
package session

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sandboxagent/gateway/internal/acp/adapter"
	"github.com/sandboxagent/gateway/internal/acp/jsonrpc"
	"github.com/sandboxagent/gateway/internal/acp/proxy"
	"github.com/sandboxagent/gateway/internal/agent/registry"
	"github.com/sandboxagent/gateway/internal/common/logger"
	"github.com/sandboxagent/gateway/internal/common/problem"
	"github.com/sandboxagent/gateway/internal/events/bus"
	"github.com/sandboxagent/gateway/internal/schema"
	"github.com/sandboxagent/gateway/internal/schema/convert"
	"go.uber.org/zap"
)

// Stop reasons stamped on synthetic turn.ended events.
const (
	stopError      = "error"
	stopAborted    = "aborted"
	stopPermission = "permission_resolved"
	stopQuestion   = "question_resolved"
)

// Gateway is the slice of the proxy the manager depends on.
type Gateway interface {
	Post(ctx context.Context, connID string, bootstrapAgent string, payload map[string]any) (adapter.PostOutcome, error)
	AdapterFor(kind registry.Kind) proxy.Runtime
}

// Options configures a Manager.
type Options struct {
	Logger *logger.Logger
	// Mirror receives every emitted event on agent.stream.<session_id>.
	Mirror bus.Bus
	// OnEvent fires for every emitted event with the owning connection id.
	// The HTTP surface injects these into the connection stream.
	OnEvent func(connID string, ev *schema.Event)
	// OnSessionEnded fires after session.ended is emitted, while the record
	// still exists. Used to push the ended notification onto connections.
	OnSessionEnded func(info *Info, data schema.SessionEndedData)
}

// Manager owns the session table, per-session event buses, and the pending
// human-in-the-loop request index.
type Manager struct {
	gw       Gateway
	registry *registry.Registry
	mirror   bus.Bus
	logger   *logger.Logger
	onEvent  func(connID string, ev *schema.Event)
	onEnded  func(info *Info, data schema.SessionEndedData)

	mu        sync.Mutex
	sessions  map[string]*Session
	perms     map[string]*pendingHITL
	questions map[string]*pendingHITL
	// rpcIndex maps the canonical JSON-RPC id of an agent-to-client request to
	// its pending entry, so a client-posted response envelope resolves it.
	rpcIndex map[string]*pendingHITL
}

// NewManager creates a session manager over the given gateway.
func NewManager(gw Gateway, reg *registry.Registry, opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		gw:        gw,
		registry:  reg,
		mirror:    opts.Mirror,
		logger:    log.WithFields(zap.String("component", "session")),
		onEvent:   opts.OnEvent,
		onEnded:   opts.OnSessionEnded,
		sessions:  make(map[string]*Session),
		perms:     make(map[string]*pendingHITL),
		questions: make(map[string]*pendingHITL),
		rpcIndex:  make(map[string]*pendingHITL),
	}
}

// CreateSession forwards the client's session/new envelope to the agent and,
// on success, materializes the session record, emits session.started, and
// starts the stream pump. The agent's response envelope is returned verbatim;
// an agent error envelope creates no session.
func (m *Manager) CreateSession(ctx context.Context, connID, agentName string, envelope map[string]any) (map[string]any, error) {
	def, ok := m.registry.Lookup(agentName)
	if !ok {
		return nil, problem.Newf(problem.KindUnsupportedAgent, "unknown agent %q", agentName)
	}

	out, err := m.gw.Post(ctx, connID, agentName, envelope)
	if err != nil {
		return nil, err
	}
	resp := out.Response
	if resp == nil {
		return nil, problem.New(problem.KindStreamError, "agent returned no response to session/new")
	}
	if _, isErr := resp["error"]; isErr {
		return resp, nil
	}

	result, _ := resp["result"].(map[string]any)
	nativeID, _ := result["sessionId"].(string)
	if nativeID == "" {
		m.logger.Warn("session/new response carried no session id", zap.String("agent", agentName))
		return resp, nil
	}

	params, _ := envelope["params"].(map[string]any)
	cwd, _ := params["cwd"].(string)
	if cwd == "" {
		cwd = "/"
	}

	s := &Session{
		ID:              nativeID,
		ConnectionID:    connID,
		Agent:           def.Kind,
		NativeSessionID: nativeID,
		Cwd:             cwd,
		CreatedAt:       time.Now(),
		bus:             NewEventBus(),
		converter:       convert.ForDialect(def.Dialect),
		alwaysAllowed:   make(map[string]bool),
	}
	s.updatedAt = s.CreatedAt
	s.hints = make(map[string]string)
	s.meta = make(map[string]any)

	m.mu.Lock()
	if _, exists := m.sessions[s.ID]; exists {
		m.mu.Unlock()
		return nil, problem.Newf(problem.KindSessionAlreadyExists, "session %s already exists", s.ID)
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.emit(s, schema.Event{
		Type: schema.EventSessionStarted,
		Data: schema.SessionStartedData{
			NativeSessionID: nativeID,
			Agent:           string(def.Kind),
			Cwd:             cwd,
		},
	})

	if rt := m.gw.AdapterFor(def.Kind); rt != nil {
		// Live tap only: nothing before session/new concerns this session.
		_, ch, cancel := rt.Subscribe(math.MaxUint64)
		s.stopPump = cancel
		go m.pump(s, ch)
	}

	m.logger.WithSessionID(s.ID).WithAgent(string(def.Kind)).Info("session created",
		zap.String("connection_id", connID))
	return resp, nil
}

// SendMessage forwards the client's session/prompt envelope as one turn. The
// synthetic turn.started is emitted before the prompt is posted; turn.ended is
// emitted by the stream pump when the agent's response envelope appears, so it
// lands after every streamed item of the turn.
func (m *Manager) SendMessage(ctx context.Context, sessionID string, envelope map[string]any) (map[string]any, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	if s.isEnded() {
		return nil, problem.Newf(problem.KindSessionNotFound, "session %s has ended", sessionID)
	}
	if jsonrpc.Classify(envelope) != jsonrpc.KindRequest {
		return nil, problem.New(problem.KindInvalidRequest, "session/prompt must be a request with an id")
	}

	if params, ok := envelope["params"].(map[string]any); ok {
		if _, has := params["sessionId"]; !has {
			params["sessionId"] = s.NativeSessionID
		}
	}

	promptKey, err := jsonrpc.CanonicalID(envelope["id"])
	if err != nil {
		return nil, problem.Wrap(problem.KindInvalidRequest, "unserializable request id", err)
	}

	turnID := uuid.NewString()
	if !s.beginTurn(turnID, promptKey) {
		return nil, problem.Newf(problem.KindConflict, "session %s already has a turn in progress", sessionID)
	}
	m.emit(s, schema.Event{
		Type:      schema.EventTurnStarted,
		Synthetic: true,
		Data:      schema.TurnData{TurnID: turnID},
	})

	out, err := m.gw.Post(ctx, s.ConnectionID, "", envelope)
	if err != nil {
		// No response envelope will reach the pump; close the turn here.
		m.emit(s, schema.Event{
			Type:      schema.EventError,
			Synthetic: true,
			Data:      schema.ErrorData{Message: err.Error()},
		})
		m.flush(s)
		m.endTurn(s, stopError)
		return nil, err
	}
	return out.Response, nil
}

// DeleteSession terminates a session: best-effort cancel to the agent, a
// synthetic session.ended, and removal of the record, its bus, and any
// pending human-in-the-loop requests.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return problem.Newf(problem.KindSessionNotFound, "session %s not found", sessionID)
	}

	m.purgePending(sessionID)

	if !s.isEnded() {
		cancelEnv, _ := jsonrpc.NewRequest(nil, jsonrpc.MethodSessionCancel, map[string]any{"sessionId": s.NativeSessionID})
		if _, err := m.gw.Post(ctx, s.ConnectionID, "", cancelEnv); err != nil {
			m.logger.Debug("session cancel not delivered", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	m.endTurn(s, stopAborted)
	data := schema.SessionEndedData{
		Reason:       schema.EndTerminated,
		TerminatedBy: schema.ByDaemon,
	}
	if s.markEnded(&data) {
		m.emit(s, schema.Event{Type: schema.EventSessionEnded, Synthetic: true, Data: data})
		if m.onEnded != nil {
			m.onEnded(s.snapshot(), data)
		}
	}

	if s.stopPump != nil {
		s.stopPump()
	}
	s.bus.Close()
	m.logger.Info("session deleted", zap.String("session_id", sessionID))
	return nil
}

// DetachSession stops tracking a session without cancelling it agent-side:
// the record, bus, and pending requests go away, the agent keeps running.
func (m *Manager) DetachSession(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return problem.Newf(problem.KindSessionNotFound, "session %s not found", sessionID)
	}

	m.purgePending(sessionID)
	if s.stopPump != nil {
		s.stopPump()
	}
	s.bus.Close()
	m.logger.Info("session detached", zap.String("session_id", sessionID))
	return nil
}

// SessionsForConnection returns the ids of sessions bound to a connection.
func (m *Manager) SessionsForConnection(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, s := range m.sessions {
		if s.ConnectionID == connID {
			out = append(out, id)
		}
	}
	return out
}

// Subscribe attaches to a session's event stream, replaying ring events with
// sequence greater than afterSeq.
func (m *Manager) Subscribe(sessionID string, afterSeq uint64) ([]*schema.Event, <-chan *schema.Event, func(), error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, nil, nil, err
	}
	replay, ch, cancel := s.bus.Subscribe(afterSeq)
	return replay, ch, cancel, nil
}

// Get returns a snapshot of one session.
func (m *Manager) Get(sessionID string) (*Info, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return s.snapshot(), nil
}

// List returns snapshots of all sessions.
func (m *Manager) List() []*Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]*Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// SetTitle updates the session's display title.
func (m *Manager) SetTitle(sessionID, title string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.title = title
	s.updatedAt = time.Now()
	s.mu.Unlock()
	return nil
}

// SetOverrides records model and mode hints and merges sandbox metadata. A
// model override is forwarded to the agent as session/set_model.
func (m *Manager) SetOverrides(ctx context.Context, sessionID, model, mode string, meta map[string]any) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if model != "" {
		s.hints["model"] = model
	}
	if mode != "" {
		s.hints["mode"] = mode
	}
	for k, v := range meta {
		s.meta[k] = v
	}
	s.updatedAt = time.Now()
	s.mu.Unlock()

	if model == "" {
		return nil
	}
	env, err := jsonrpc.NewRequest(uuid.NewString(), jsonrpc.MethodSessionSetModel, map[string]any{
		"sessionId": s.NativeSessionID,
		"modelId":   model,
	})
	if err != nil {
		return problem.Wrap(problem.KindInvalidRequest, "build set_model request", err)
	}
	out, err := m.gw.Post(ctx, s.ConnectionID, "", env)
	if err != nil {
		return err
	}
	if errObj, ok := out.Response["error"].(map[string]any); ok {
		msg, _ := errObj["message"].(string)
		return problem.Newf(problem.KindStreamError, "agent rejected model override: %s", msg)
	}
	return nil
}

func (m *Manager) lookup(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, problem.Newf(problem.KindSessionNotFound, "session %s not found", sessionID)
	}
	return s, nil
}

// emit stamps and publishes one event on the session bus and mirrors it to
// the events bus.
func (m *Manager) emit(s *Session, ev schema.Event) {
	ev.SessionID = s.ID
	if ev.NativeSessionID == "" {
		ev.NativeSessionID = s.NativeSessionID
	}
	ev.Source = schema.Source{Agent: string(s.Agent)}

	stamped := s.bus.Emit(ev)
	if stamped == nil {
		return
	}
	s.touch()

	if m.onEvent != nil {
		m.onEvent(s.ConnectionID, stamped)
	}
	if m.mirror != nil {
		if err := m.mirror.Publish(context.Background(), bus.SubjectForSession(s.ID), stamped); err != nil {
			m.logger.Debug("event mirror publish failed", zap.Error(err))
		}
	}
}

// endTurn emits the synthetic turn.ended if a turn is open. Idempotent.
func (m *Manager) endTurn(s *Session, stopReason string) {
	turnID, ok := s.closeTurn()
	if !ok {
		return
	}
	m.emit(s, schema.Event{
		Type:      schema.EventTurnEnded,
		Synthetic: true,
		Data:      schema.TurnData{TurnID: turnID, StopReason: stopReason},
	})
}

// flush completes converter items still open and emits them.
func (m *Manager) flush(s *Session) {
	for _, conv := range s.flushItems() {
		m.dispatch(s, conv)
	}
}
