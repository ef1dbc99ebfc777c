// Package proxy multiplexes gateway connections onto agent adapters. It holds
// at most one adapter per agent kind, materializes per-connection state on
// first use, gates launches on install state, and maps adapter failures onto
// the gateway's error taxonomy.
package proxy

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/sandboxagent/gateway/internal/acp/adapter"
	"github.com/sandboxagent/gateway/internal/acp/mockagent"
	"github.com/sandboxagent/gateway/internal/agent/install"
	"github.com/sandboxagent/gateway/internal/agent/registry"
	"github.com/sandboxagent/gateway/internal/common/logger"
	"github.com/sandboxagent/gateway/internal/common/problem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Runtime is the agent surface the proxy multiplexes over: the subprocess
// adapter for real agents, or the in-process mock.
type Runtime interface {
	Post(ctx context.Context, payload map[string]any) (adapter.PostOutcome, error)
	Subscribe(lastEventID uint64) ([]adapter.StreamMessage, <-chan adapter.StreamMessage, func())
	Shutdown(ctx context.Context) error
	Exited() (bool, int)
	Stderr() adapter.StderrSnapshot
}

// Instance is the per-connection state: which agent kind the connection is
// bound to and whether an SSE stream is currently attached.
type Instance struct {
	ConnectionID string
	Agent        registry.Kind
	CreatedAt    time.Time

	mu        sync.Mutex
	sseActive bool
}

// Options configures a proxy.
type Options struct {
	// RequirePreinstall, when true, refuses to auto-install missing agent
	// binaries and fails posts with AgentNotInstalled instead.
	RequirePreinstall bool
	// RequestTimeout is passed through to each adapter.
	RequestTimeout time.Duration
	Logger         *logger.Logger
}

// Proxy owns the adapter pool and the connection table.
type Proxy struct {
	registry  *registry.Registry
	installer *install.Installer
	opts      Options
	logger    *logger.Logger

	mu        sync.Mutex
	adapters  map[registry.Kind]Runtime
	instances map[string]*Instance

	// Serialization tables. Install is serialized per agent kind, instance
	// creation per connection id. Neither lock is held across adapter I/O.
	installMu map[registry.Kind]*sync.Mutex
	createMu  map[string]*sync.Mutex
}

// New creates a proxy over the given registry and installer.
func New(reg *registry.Registry, inst *install.Installer, opts Options) *Proxy {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Proxy{
		registry:  reg,
		installer: inst,
		opts:      opts,
		logger:    log.WithFields(zap.String("component", "proxy")),
		adapters:  make(map[registry.Kind]Runtime),
		instances: make(map[string]*Instance),
		installMu: make(map[registry.Kind]*sync.Mutex),
		createMu:  make(map[string]*sync.Mutex),
	}
}

// Post resolves the instance for connID, creating it (and the agent adapter)
// on first use, then forwards payload to the adapter. bootstrapAgent is
// required on first use and must agree with the bound agent afterwards.
func (p *Proxy) Post(ctx context.Context, connID string, bootstrapAgent string, payload map[string]any) (adapter.PostOutcome, error) {
	ctx, span := otel.Tracer("sandboxagent/proxy").Start(ctx, "proxy.post",
		trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("connection_id", connID))
	defer span.End()

	inst, err := p.resolveInstance(ctx, connID, bootstrapAgent)
	if err != nil {
		return adapter.PostOutcome{}, err
	}

	a := p.adapterFor(inst.Agent)
	if a == nil {
		return adapter.PostOutcome{}, problem.Newf(problem.KindStreamError, "no adapter for agent %s", inst.Agent)
	}

	out, err := a.Post(ctx, payload)
	if err != nil {
		return adapter.PostOutcome{}, mapAdapterError(err)
	}
	if out.Response != nil {
		p.annotateError(inst.Agent, out.Response)
	}
	return out, nil
}

// Subscribe attaches the connection's single SSE stream to its adapter,
// replaying ring entries past lastEventID. A second concurrent subscribe on
// the same connection returns Conflict. The returned cancel releases the
// stream slot.
func (p *Proxy) Subscribe(connID string, lastEventID uint64) ([]adapter.StreamMessage, <-chan adapter.StreamMessage, func(), error) {
	p.mu.Lock()
	inst, ok := p.instances[connID]
	p.mu.Unlock()
	if !ok {
		return nil, nil, nil, problem.Newf(problem.KindClientNotFound, "connection %s not found", connID)
	}

	inst.mu.Lock()
	if inst.sseActive {
		inst.mu.Unlock()
		return nil, nil, nil, problem.Newf(problem.KindConflict, "connection %s already has an active stream", connID)
	}
	inst.sseActive = true
	inst.mu.Unlock()

	a := p.adapterFor(inst.Agent)
	if a == nil {
		inst.release()
		return nil, nil, nil, problem.Newf(problem.KindStreamError, "no adapter for agent %s", inst.Agent)
	}

	replay, ch, cancelSub := a.Subscribe(lastEventID)
	cancel := func() {
		cancelSub()
		inst.release()
	}
	return replay, ch, cancel, nil
}

// Delete removes the connection instance. The agent adapter is shut down when
// no other connection references it.
func (p *Proxy) Delete(ctx context.Context, connID string) error {
	p.mu.Lock()
	inst, ok := p.instances[connID]
	if !ok {
		p.mu.Unlock()
		return problem.Newf(problem.KindClientNotFound, "connection %s not found", connID)
	}
	delete(p.instances, connID)
	delete(p.createMu, connID)

	var orphaned Runtime
	if !p.kindReferencedLocked(inst.Agent) {
		orphaned = p.adapters[inst.Agent]
		delete(p.adapters, inst.Agent)
	}
	p.mu.Unlock()

	p.logger.Info("connection deleted", zap.String("connection_id", connID), zap.String("agent", string(inst.Agent)))
	if orphaned != nil {
		return orphaned.Shutdown(ctx)
	}
	return nil
}

// ShutdownAll drains every connection and shuts down every adapter.
func (p *Proxy) ShutdownAll(ctx context.Context) error {
	p.mu.Lock()
	adapters := make([]Runtime, 0, len(p.adapters))
	for _, a := range p.adapters {
		adapters = append(adapters, a)
	}
	p.adapters = make(map[registry.Kind]Runtime)
	p.instances = make(map[string]*Instance)
	p.createMu = make(map[string]*sync.Mutex)
	p.mu.Unlock()

	var firstErr error
	for _, a := range adapters {
		if err := a.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Lookup returns the instance bound to connID, if any.
func (p *Proxy) Lookup(connID string) (*Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[connID]
	return inst, ok
}

// Instances returns a snapshot of all connection instances.
func (p *Proxy) Instances() []*Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		out = append(out, inst)
	}
	return out
}

// AdapterFor exposes the running runtime for an agent kind, for diagnostics
// (stderr snapshots, exit state). Returns nil when none is running.
func (p *Proxy) AdapterFor(kind registry.Kind) Runtime {
	return p.adapterFor(kind)
}

func (p *Proxy) adapterFor(kind registry.Kind) Runtime {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.adapters[kind]
}

func (inst *Instance) release() {
	inst.mu.Lock()
	inst.sseActive = false
	inst.mu.Unlock()
}

// resolveInstance returns the existing instance for connID or creates one.
// Creation is double-checked under the per-connection mutex so two racing
// first posts produce a single instance.
func (p *Proxy) resolveInstance(ctx context.Context, connID string, bootstrapAgent string) (*Instance, error) {
	p.mu.Lock()
	if inst, ok := p.instances[connID]; ok {
		p.mu.Unlock()
		return checkBootstrap(inst, bootstrapAgent)
	}
	cmu, ok := p.createMu[connID]
	if !ok {
		cmu = &sync.Mutex{}
		p.createMu[connID] = cmu
	}
	p.mu.Unlock()

	cmu.Lock()
	defer cmu.Unlock()

	p.mu.Lock()
	if inst, ok := p.instances[connID]; ok {
		p.mu.Unlock()
		return checkBootstrap(inst, bootstrapAgent)
	}
	p.mu.Unlock()

	if bootstrapAgent == "" {
		return nil, problem.New(problem.KindInvalidRequest, "connection has no instance and no agent was specified")
	}
	def, ok := p.registry.Lookup(bootstrapAgent)
	if !ok {
		return nil, problem.Newf(problem.KindUnsupportedAgent, "unknown agent %q", bootstrapAgent)
	}

	if err := p.ensureInstalled(ctx, def); err != nil {
		return nil, err
	}
	if err := p.ensureAdapter(ctx, def); err != nil {
		return nil, err
	}

	inst := &Instance{ConnectionID: connID, Agent: def.Kind, CreatedAt: time.Now()}
	p.mu.Lock()
	p.instances[connID] = inst
	p.mu.Unlock()

	p.logger.Info("connection bound",
		zap.String("connection_id", connID),
		zap.String("agent", string(def.Kind)))
	return inst, nil
}

func checkBootstrap(inst *Instance, bootstrapAgent string) (*Instance, error) {
	if bootstrapAgent != "" && registry.Kind(bootstrapAgent) != inst.Agent {
		return nil, problem.Newf(problem.KindConflict,
			"connection is bound to agent %s, not %s", inst.Agent, bootstrapAgent)
	}
	return inst, nil
}

// ensureInstalled serializes install checks per agent kind. With
// RequirePreinstall set a missing binary is an error; otherwise the agent's
// installer runs.
func (p *Proxy) ensureInstalled(ctx context.Context, def *registry.Definition) error {
	p.mu.Lock()
	imu, ok := p.installMu[def.Kind]
	if !ok {
		imu = &sync.Mutex{}
		p.installMu[def.Kind] = imu
	}
	p.mu.Unlock()

	imu.Lock()
	defer imu.Unlock()

	if p.installer.Installed(def) {
		return nil
	}
	if p.opts.RequirePreinstall {
		return problem.Newf(problem.KindAgentNotInstalled,
			"agent %s is not installed and preinstall is required", def.Kind)
	}
	return p.installer.Install(ctx, def)
}

// ensureAdapter starts the per-kind adapter if none is running. An adapter
// whose subprocess already exited is not restarted; posts against it surface
// a stream error until every connection referencing the kind is deleted.
func (p *Proxy) ensureAdapter(ctx context.Context, def *registry.Definition) error {
	p.mu.Lock()
	if _, ok := p.adapters[def.Kind]; ok {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	a, err := p.startRuntime(ctx, def)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if _, ok := p.adapters[def.Kind]; ok {
		p.mu.Unlock()
		// Lost a race with another connection bootstrapping the same kind.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	}
	p.adapters[def.Kind] = a
	p.mu.Unlock()
	return nil
}

// startRuntime launches the agent. The mock agent runs in process unless an
// overlay points its binary hint at something actually on PATH.
func (p *Proxy) startRuntime(ctx context.Context, def *registry.Definition) (Runtime, error) {
	log := p.logger.WithAgent(string(def.Kind))

	if def.Kind == registry.KindMock {
		if _, err := exec.LookPath(def.BinaryHint); err != nil {
			return mockagent.New(mockagent.Options{Logger: log}), nil
		}
	}

	spec, err := p.installer.ResolveAgentProcess(ctx, def)
	if err != nil {
		return nil, err
	}
	a, err := adapter.Start(spec, adapter.Options{
		RequestTimeout: p.opts.RequestTimeout,
		Logger:         log,
	})
	if err != nil {
		return nil, mapAdapterError(err)
	}
	return a, nil
}

func (p *Proxy) kindReferencedLocked(kind registry.Kind) bool {
	for _, inst := range p.instances {
		if inst.Agent == kind {
			return true
		}
	}
	return false
}

// mapAdapterError translates adapter failure kinds onto the taxonomy.
func mapAdapterError(err error) error {
	kind, ok := adapter.KindOf(err)
	if !ok {
		return problem.From(err)
	}
	switch kind {
	case adapter.ErrInvalidEnvelope, adapter.ErrSerialize:
		return problem.Wrap(problem.KindInvalidRequest, err.Error(), err)
	case adapter.ErrTimeout:
		return problem.Wrap(problem.KindTimeout, err.Error(), err)
	default:
		return problem.Wrap(problem.KindStreamError, err.Error(), err)
	}
}
