// Package httpapi is the gateway's HTTP surface: a single /rpc path speaking
// JSON-RPC 2.0 over POST, SSE over GET, connection teardown over DELETE, plus
// a websocket mirror of the same frames and a public /health. Extension
// methods in the _sandboxagent namespace are answered here; everything else
// is forwarded to the agent through the proxy.
package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sandboxagent/gateway/internal/acp/proxy"
	"github.com/sandboxagent/gateway/internal/agent/install"
	"github.com/sandboxagent/gateway/internal/agent/registry"
	"github.com/sandboxagent/gateway/internal/common/httpmw"
	"github.com/sandboxagent/gateway/internal/common/logger"
	"github.com/sandboxagent/gateway/internal/common/problem"
	"github.com/sandboxagent/gateway/internal/events/bus"
	"github.com/sandboxagent/gateway/internal/schema"
	"github.com/sandboxagent/gateway/internal/session"
	"go.uber.org/zap"
)

// ConnectionHeader carries the connection id on every call after the first
// initialize.
const ConnectionHeader = "X-ACP-Connection-Id"

// Gateway-owned notification methods injected into connection streams.
const (
	methodEvent        = "_sandboxagent/event"
	methodSessionEnded = "_sandboxagent/session/ended"
)

// Options configures the HTTP surface.
type Options struct {
	AuthToken        string
	CORSAllowOrigins []string
	CORSAllowHeaders []string
	// Mirror is handed to the session manager for bus publishing.
	Mirror bus.Bus
	Logger *logger.Logger
}

// conn is one ACP client connection.
type conn struct {
	id      string
	agent   string
	created time.Time
	stream  *connStream
	stopTap func()
}

// Server wires the proxy, session manager, registry, and installer behind
// the /rpc surface.
type Server struct {
	proxy     *proxy.Proxy
	registry  *registry.Registry
	installer *install.Installer
	sessions  *session.Manager
	logger    *logger.Logger
	opts      Options
	upgrader  websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*conn
}

// New creates the HTTP surface and its session manager.
func New(p *proxy.Proxy, reg *registry.Registry, inst *install.Installer, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	s := &Server{
		proxy:     p,
		registry:  reg,
		installer: inst,
		logger:    log.WithFields(zap.String("component", "httpapi")),
		opts:      opts,
		conns:     make(map[string]*conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.sessions = session.NewManager(p, reg, session.Options{
		Logger:         log,
		Mirror:         opts.Mirror,
		OnEvent:        s.injectEvent,
		OnSessionEnded: s.notifySessionEnded,
	})
	return s
}

// Sessions exposes the session manager, for the daemon and tests.
func (s *Server) Sessions() *session.Manager { return s.sessions }

// Router builds the gin engine with the gateway's middleware stack.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(
		gin.Recovery(),
		httpmw.RequestLogger(s.logger, "sandboxagent"),
		httpmw.CORS(s.opts.CORSAllowOrigins, s.opts.CORSAllowHeaders),
		httpmw.BearerAuth(s.opts.AuthToken),
	)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/rpc", s.handlePost)
	r.GET("/rpc", s.handleSSE)
	r.DELETE("/rpc", s.handleDelete)
	r.GET("/rpc/ws", s.handleWS)
	return r
}

func (s *Server) lookupConn(connID string) (*conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cn, ok := s.conns[connID]
	return cn, ok
}

// createConn materializes a connection: registers it, bootstraps the proxy
// instance with the initialize envelope, and starts the tap copying the
// agent's broadcast stream into the connection stream.
func (s *Server) createConn(c *gin.Context, agent string, envelope map[string]any) (*conn, error) {
	connID := uuid.NewString()
	if _, err := s.proxy.Post(c.Request.Context(), connID, agent, envelope); err != nil {
		return nil, err
	}

	cn := &conn{
		id:      connID,
		agent:   agent,
		created: time.Now(),
		stream:  newConnStream(),
	}

	replay, ch, cancel, err := s.proxy.Subscribe(connID, 0)
	if err != nil {
		return nil, err
	}
	cn.stopTap = cancel
	go func() {
		for _, msg := range replay {
			cn.stream.publish(msg.Payload)
		}
		for msg := range ch {
			cn.stream.publish(msg.Payload)
		}
	}()

	s.mu.Lock()
	s.conns[connID] = cn
	s.mu.Unlock()

	s.logger.Info("connection created", zap.String("connection_id", connID), zap.String("agent", agent))
	return cn, nil
}

// injectEvent publishes a universal event into the owning connection stream
// as a gateway notification frame.
func (s *Server) injectEvent(connID string, ev *schema.Event) {
	cn, ok := s.lookupConn(connID)
	if !ok {
		return
	}
	raw, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  methodEvent,
		"params":  ev,
	})
	if err != nil {
		return
	}
	cn.stream.publish(raw)
}

// notifySessionEnded pushes the session-ended notification onto the
// connection stream.
func (s *Server) notifySessionEnded(info *session.Info, data schema.SessionEndedData) {
	cn, ok := s.lookupConn(info.ConnectionID)
	if !ok {
		return
	}
	params := map[string]any{
		"session_id":    info.SessionID,
		"reason":        data.Reason,
		"terminated_by": data.TerminatedBy,
	}
	if data.Message != "" {
		params["message"] = data.Message
	}
	if data.ExitCode != nil {
		params["exit_code"] = *data.ExitCode
	}
	if data.Stderr != nil {
		params["stderr"] = data.Stderr
	}
	raw, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  methodSessionEnded,
		"params":  params,
	})
	if err != nil {
		return
	}
	cn.stream.publish(raw)
}

// renderProblem writes an RFC 7807 document with the problem's HTTP status.
func renderProblem(c *gin.Context, err error) {
	p := problem.From(err)
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(p.HTTPStatus(), p.Doc())
}

// renderRPCError answers a JSON-RPC request with an error envelope when the
// problem has a protocol code, and with a problem document otherwise.
func renderRPCError(c *gin.Context, id any, err error) {
	p := problem.From(err)
	code, ok := p.RPCCode()
	if !ok || id == nil {
		renderProblem(c, err)
		return
	}
	msg := p.Title()
	if p.Detail != "" {
		msg = p.Detail
	}
	c.JSON(http.StatusOK, gin.H{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   gin.H{"code": code, "message": msg},
	})
}
