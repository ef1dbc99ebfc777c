package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sandboxagent/gateway/internal/acp/jsonrpc"
	"github.com/sandboxagent/gateway/internal/common/problem"
	"go.uber.org/zap"
)

// handlePost accepts exactly one JSON-RPC message per request.
func (s *Server) handlePost(c *gin.Context) {
	if !hasJSONContentType(c.GetHeader("Content-Type")) {
		renderProblem(c, problem.New(problem.KindUnsupportedMediaType, "Content-Type must be application/json"))
		return
	}
	if !accepts(c.GetHeader("Accept"), "application/json") {
		renderProblem(c, problem.New(problem.KindNotAcceptable, "endpoint produces application/json"))
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		renderProblem(c, problem.Wrap(problem.KindInvalidRequest, "read request body", err))
		return
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		renderProblem(c, problem.Wrap(problem.KindInvalidRequest, "body is not valid JSON", err))
		return
	}
	msg, ok := decoded.(map[string]any)
	if !ok {
		renderProblem(c, problem.New(problem.KindInvalidRequest, "body must be a single JSON-RPC object"))
		return
	}
	kind := jsonrpc.Classify(msg)
	if kind == jsonrpc.KindInvalid {
		renderProblem(c, problem.New(problem.KindInvalidRequest, "message is not a valid JSON-RPC 2.0 envelope"))
		return
	}

	connID := c.GetHeader(ConnectionHeader)
	method, _ := msg["method"].(string)

	if connID == "" {
		// Only the bootstrap initialize notification may arrive without a
		// connection id; it creates the connection.
		if kind != jsonrpc.KindNotification || method != jsonrpc.MethodInitialize {
			renderProblem(c, problem.Newf(problem.KindInvalidRequest, "%s header is required", ConnectionHeader))
			return
		}
		params, _ := msg["params"].(map[string]any)
		agent := metaAgent(params)
		if agent == "" {
			renderProblem(c, problem.New(problem.KindInvalidRequest, "initialize must name an agent in params._meta"))
			return
		}
		cn, err := s.createConn(c, agent, msg)
		if err != nil {
			renderProblem(c, err)
			return
		}
		c.Header(ConnectionHeader, cn.id)
		c.Status(http.StatusAccepted)
		return
	}

	cn, ok := s.lookupConn(connID)
	if !ok {
		renderProblem(c, problem.Newf(problem.KindClientNotFound, "connection %s not found", connID))
		return
	}
	c.Header(ConnectionHeader, cn.id)

	switch kind {
	case jsonrpc.KindResponse:
		// A client-posted response answers an agent-to-client request. The
		// session manager records the resolution; the envelope is forwarded
		// to the agent either way.
		s.sessions.HandleClientResponse(msg)
		if _, err := s.proxy.Post(c.Request.Context(), cn.id, "", msg); err != nil {
			renderProblem(c, err)
			return
		}
		c.Status(http.StatusAccepted)

	case jsonrpc.KindNotification:
		if strings.HasPrefix(method, extensionPrefix) {
			if _, err := s.dispatchExtension(c, cn, method, msg); err != nil {
				renderProblem(c, err)
				return
			}
			c.Status(http.StatusAccepted)
			return
		}
		if _, err := s.proxy.Post(c.Request.Context(), cn.id, "", msg); err != nil {
			renderProblem(c, err)
			return
		}
		c.Status(http.StatusAccepted)

	case jsonrpc.KindRequest:
		s.handleRequest(c, cn, method, msg)
	}
}

// handleRequest answers one JSON-RPC request, either from the gateway itself
// (extensions, session lifecycle) or by forwarding to the agent.
func (s *Server) handleRequest(c *gin.Context, cn *conn, method string, msg map[string]any) {
	id := msg["id"]
	params, _ := msg["params"].(map[string]any)

	if strings.HasPrefix(method, extensionPrefix) {
		result, err := s.dispatchExtension(c, cn, method, msg)
		if err != nil {
			renderRPCError(c, id, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"jsonrpc": "2.0", "id": id, "result": result})
		return
	}

	switch method {
	case jsonrpc.MethodSessionNew:
		agent := metaAgent(params)
		if agent == "" {
			agent = cn.agent
		}
		resp, err := s.sessions.CreateSession(c.Request.Context(), cn.id, agent, msg)
		if err != nil {
			renderRPCError(c, id, err)
			return
		}
		c.JSON(http.StatusOK, resp)

	case jsonrpc.MethodSessionPrompt:
		sessionID, _ := params["sessionId"].(string)
		resp, err := s.sessions.SendMessage(c.Request.Context(), sessionID, msg)
		if err != nil {
			renderRPCError(c, id, err)
			return
		}
		c.JSON(http.StatusOK, resp)

	default:
		out, err := s.proxy.Post(c.Request.Context(), cn.id, "", msg)
		if err != nil {
			renderRPCError(c, id, err)
			return
		}
		c.JSON(http.StatusOK, out.Response)
	}
}

// handleSSE serves the connection stream as server-sent events.
func (s *Server) handleSSE(c *gin.Context) {
	cn, ok := s.lookupConn(c.GetHeader(ConnectionHeader))
	if !ok {
		renderProblem(c, problem.New(problem.KindClientNotFound, "unknown connection"))
		return
	}
	if !accepts(c.GetHeader("Accept"), "text/event-stream") {
		renderProblem(c, problem.New(problem.KindNotAcceptable, "endpoint produces text/event-stream"))
		return
	}

	lastEventID := uint64(0)
	if raw := c.GetHeader("Last-Event-ID"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			renderProblem(c, problem.New(problem.KindInvalidRequest, "Last-Event-ID must be a non-negative integer"))
			return
		}
		lastEventID = v
	}

	if !cn.stream.claimSSE() {
		renderProblem(c, problem.Newf(problem.KindConflict, "connection %s already has an active stream", cn.id))
		return
	}
	defer cn.stream.releaseSSE()

	replay, live, cancel := cn.stream.subscribe(lastEventID)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	write := func(f frame) bool {
		if _, err := fmt.Fprintf(c.Writer, "event: message\nid: %d\ndata: %s\n\n", f.Seq, f.Data); err != nil {
			return false
		}
		c.Writer.Flush()
		return true
	}

	for _, f := range replay {
		if !write(f) {
			return
		}
	}
	ctx := c.Request.Context()
	for {
		select {
		case f, ok := <-live:
			if !ok {
				return
			}
			if !write(f) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleDelete tears down a connection: its sessions, the proxy instance,
// and the connection stream.
func (s *Server) handleDelete(c *gin.Context) {
	connID := c.GetHeader(ConnectionHeader)
	cn, ok := s.lookupConn(connID)
	if !ok {
		renderProblem(c, problem.Newf(problem.KindClientNotFound, "connection %s not found", connID))
		return
	}

	ctx := c.Request.Context()
	for _, sessionID := range s.sessions.SessionsForConnection(cn.id) {
		if err := s.sessions.DeleteSession(ctx, sessionID); err != nil {
			s.logger.Warn("session teardown failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	if cn.stopTap != nil {
		cn.stopTap()
	}
	if err := s.proxy.Delete(ctx, cn.id); err != nil {
		s.logger.Warn("proxy delete failed", zap.String("connection_id", cn.id), zap.Error(err))
	}
	cn.stream.close()

	s.mu.Lock()
	delete(s.conns, cn.id)
	s.mu.Unlock()

	c.Status(http.StatusNoContent)
}

// handleWS mirrors the connection stream over a websocket. The SSE slot is
// not claimed, so a mirror can run alongside the SSE stream.
func (s *Server) handleWS(c *gin.Context) {
	cn, ok := s.lookupConn(c.GetHeader(ConnectionHeader))
	if !ok {
		if cn, ok = s.lookupConn(c.Query("connection_id")); !ok {
			renderProblem(c, problem.New(problem.KindClientNotFound, "unknown connection"))
			return
		}
	}

	lastEventID := uint64(0)
	if raw := c.Query("last_event_id"); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			lastEventID = v
		}
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	replay, live, cancel := cn.stream.subscribe(lastEventID)
	defer cancel()

	// Reader loop only to observe the close handshake.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, f := range replay {
		if err := ws.WriteJSON(f); err != nil {
			return
		}
	}
	for {
		select {
		case f, ok := <-live:
			if !ok {
				return
			}
			if err := ws.WriteJSON(f); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func metaAgent(params map[string]any) string {
	meta, _ := params["_meta"].(map[string]any)
	ns, _ := meta["sandboxagent.dev"].(map[string]any)
	agent, _ := ns["agent"].(string)
	return agent
}

func hasJSONContentType(header string) bool {
	mediaType := strings.TrimSpace(strings.Split(header, ";")[0])
	return strings.EqualFold(mediaType, "application/json")
}

// accepts implements the minimal Accept matching the surface needs: empty
// accepts everything, */* and type/* wildcards are honored.
func accepts(header, produced string) bool {
	if header == "" {
		return true
	}
	prodParts := strings.SplitN(produced, "/", 2)
	for _, part := range strings.Split(header, ",") {
		mediaType := strings.TrimSpace(strings.Split(part, ";")[0])
		if mediaType == "*/*" || strings.EqualFold(mediaType, produced) {
			return true
		}
		accParts := strings.SplitN(mediaType, "/", 2)
		if len(accParts) == 2 && accParts[1] == "*" && strings.EqualFold(accParts[0], prodParts[0]) {
			return true
		}
	}
	return false
}
