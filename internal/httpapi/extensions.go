package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/sandboxagent/gateway/internal/common/problem"
	"github.com/sandboxagent/gateway/internal/session"
)

// extensionPrefix marks methods the gateway answers itself; they never reach
// an agent.
const extensionPrefix = "_sandboxagent/"

// dispatchExtension routes one extension method. The returned value becomes
// the JSON-RPC result.
func (s *Server) dispatchExtension(c *gin.Context, cn *conn, method string, msg map[string]any) (any, error) {
	ctx := c.Request.Context()
	params, _ := msg["params"].(map[string]any)

	switch method {
	case "_sandboxagent/session/list":
		return gin.H{"sessions": s.sessions.List()}, nil

	case "_sandboxagent/session/get":
		sessionID, _ := params["sessionId"].(string)
		info, err := s.sessions.Get(sessionID)
		if err != nil {
			return nil, err
		}
		return gin.H{"session": info}, nil

	case "_sandboxagent/session/terminate":
		sessionID, _ := params["sessionId"].(string)
		if err := s.sessions.DeleteSession(ctx, sessionID); err != nil {
			return nil, err
		}
		return gin.H{"terminated": true}, nil

	case "_sandboxagent/session/detach":
		sessionID, _ := params["sessionId"].(string)
		if err := s.sessions.DetachSession(sessionID); err != nil {
			return nil, err
		}
		return gin.H{"detached": true}, nil

	case "_sandboxagent/session/list_models":
		agent, _ := params["agent"].(string)
		if agent == "" {
			agent = cn.agent
		}
		def, ok := s.registry.Lookup(agent)
		if !ok {
			return nil, problem.Newf(problem.KindUnsupportedAgent, "unknown agent %q", agent)
		}
		return gin.H{"agent": def.Kind, "models": def.Models, "modes": def.Modes}, nil

	case "_sandboxagent/session/set_metadata":
		return s.setMetadata(c, params)

	case "_sandboxagent/permission/reply":
		sessionID, _ := params["sessionId"].(string)
		permissionID, _ := params["permissionId"].(string)
		action, _ := params["action"].(string)
		if err := s.sessions.ReplyPermission(ctx, sessionID, permissionID, session.PermissionReply(action)); err != nil {
			return nil, err
		}
		return gin.H{"resolved": true}, nil

	case "_sandboxagent/question/reply":
		sessionID, _ := params["sessionId"].(string)
		questionID, _ := params["questionId"].(string)
		if reject, _ := params["reject"].(bool); reject {
			if err := s.sessions.RejectQuestion(ctx, sessionID, questionID); err != nil {
				return nil, err
			}
			return gin.H{"resolved": true}, nil
		}
		if err := s.sessions.ReplyQuestion(ctx, sessionID, questionID, parseAnswers(params["answers"])); err != nil {
			return nil, err
		}
		return gin.H{"resolved": true}, nil

	case "_sandboxagent/agent/list":
		return s.listAgents(), nil

	case "_sandboxagent/agent/install":
		agent, _ := params["agent"].(string)
		def, ok := s.registry.Lookup(agent)
		if !ok {
			return nil, problem.Newf(problem.KindUnsupportedAgent, "unknown agent %q", agent)
		}
		if err := s.installer.Install(ctx, def); err != nil {
			return nil, err
		}
		return gin.H{"installed": true}, nil

	case "_sandboxagent/fs/list", "_sandboxagent/fs/read", "_sandboxagent/fs/write",
		"_sandboxagent/fs/delete", "_sandboxagent/fs/mkdir", "_sandboxagent/fs/move",
		"_sandboxagent/fs/stat", "_sandboxagent/fs/upload_batch":
		return s.dispatchFS(method, params)

	default:
		return nil, problem.Newf(problem.KindInvalidRequest, "unknown extension method %q", method)
	}
}

func (s *Server) setMetadata(c *gin.Context, params map[string]any) (any, error) {
	sessionID, _ := params["sessionId"].(string)
	if title, ok := params["title"].(string); ok {
		if err := s.sessions.SetTitle(sessionID, title); err != nil {
			return nil, err
		}
	}
	model, _ := params["model"].(string)
	mode, _ := params["mode"].(string)
	meta, _ := params["meta"].(map[string]any)
	if model != "" || mode != "" || len(meta) > 0 {
		if err := s.sessions.SetOverrides(c.Request.Context(), sessionID, model, mode, meta); err != nil {
			return nil, err
		}
	}
	info, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return gin.H{"session": info}, nil
}

// parseAnswers decodes the answers parameter: a list of answer groups, each
// a list of selected option strings.
func parseAnswers(raw any) [][]string {
	groups, _ := raw.([]any)
	out := make([][]string, 0, len(groups))
	for _, g := range groups {
		items, _ := g.([]any)
		group := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				group = append(group, s)
			}
		}
		out = append(out, group)
	}
	return out
}

func (s *Server) listAgents() any {
	defs := s.registry.List()
	agents := make([]gin.H, 0, len(defs))
	for _, def := range defs {
		agents = append(agents, gin.H{
			"kind":         def.Kind,
			"displayName":  def.DisplayName,
			"dialect":      def.Dialect,
			"installed":    s.installer.Installed(def),
			"capabilities": def.Capabilities,
			"modes":        def.Modes,
			"models":       def.Models,
		})
	}
	return gin.H{"agents": agents}
}
