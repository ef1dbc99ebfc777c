// Package install locates agent binaries and produces launch specs.
// The gateway does not download archives itself; installation is delegated to
// each agent's own installer command when one is known, and is gated by the
// requirePreinstall config.
package install

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/sandboxagent/gateway/internal/agent/credentials"
	"github.com/sandboxagent/gateway/internal/agent/registry"
	"github.com/sandboxagent/gateway/internal/common/logger"
	"github.com/sandboxagent/gateway/internal/common/problem"
	"go.uber.org/zap"
)

// LaunchSpec is the immutable description of how to start one agent
// subprocess: program path, argv, and environment map.
type LaunchSpec struct {
	Program string
	Args    []string
	Env     map[string]string
}

// credentialKeys maps agent kinds to the env vars their binaries expect.
var credentialKeys = map[registry.Kind][]string{
	registry.KindClaude:   {"ANTHROPIC_API_KEY"},
	registry.KindCodex:    {"OPENAI_API_KEY"},
	registry.KindOpenCode: {"ANTHROPIC_API_KEY", "OPENAI_API_KEY"},
	registry.KindAmp:      {"AMP_API_KEY"},
	registry.KindCursor:   {"CURSOR_API_KEY"},
}

// installers maps agent kinds to the command that installs their binary.
var installers = map[registry.Kind][]string{
	registry.KindClaude:   {"npm", "install", "-g", "@zed-industries/claude-code-acp"},
	registry.KindCodex:    {"npm", "install", "-g", "@openai/codex"},
	registry.KindOpenCode: {"npm", "install", "-g", "opencode-ai"},
	registry.KindAmp:      {"npm", "install", "-g", "@sourcegraph/amp"},
	registry.KindCursor:   {"npm", "install", "-g", "cursor-agent"},
}

// Installer resolves and installs agent binaries.
type Installer struct {
	registry *registry.Registry
	creds    *credentials.Manager
	logger   *logger.Logger
}

// New creates an installer over the given registry and credential manager.
func New(reg *registry.Registry, creds *credentials.Manager, log *logger.Logger) *Installer {
	return &Installer{
		registry: reg,
		creds:    creds,
		logger:   log.WithFields(zap.String("component", "installer")),
	}
}

// Installed reports whether the agent's binary is present. Agents that do not
// require a native binary (mock) are always installed.
func (i *Installer) Installed(def *registry.Definition) bool {
	if !def.RequiresBinary {
		return true
	}
	_, err := exec.LookPath(def.BinaryHint)
	return err == nil
}

// Install ensures the agent binary is present, running the agent's installer
// command when it is missing. Returns InstallFailed with the stderr tail on
// failure.
func (i *Installer) Install(ctx context.Context, def *registry.Definition) error {
	if i.Installed(def) {
		return nil
	}

	cmdline, ok := installers[def.Kind]
	if !ok {
		return problem.Newf(problem.KindInstallFailed, "no installer known for agent %s", def.Kind)
	}

	i.logger.Info("installing agent binary",
		zap.String("agent", string(def.Kind)),
		zap.Strings("command", cmdline))

	cmd := exec.CommandContext(ctx, cmdline[0], cmdline[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		tail := stderrTail(stderr.String(), 10)
		i.logger.Error("agent install failed",
			zap.String("agent", string(def.Kind)),
			zap.Error(err))
		return problem.Newf(problem.KindInstallFailed, "install %s: %v: %s", def.Kind, err, tail)
	}

	if !i.Installed(def) {
		return problem.Newf(problem.KindInstallFailed, "installer for %s succeeded but binary %s is still missing", def.Kind, def.BinaryHint)
	}
	return nil
}

// ResolveAgentProcess produces the launch spec for an agent kind: binary from
// PATH per the registry hint, argv from the registry, environment from the
// gateway's environment enriched with discovered credentials.
func (i *Installer) ResolveAgentProcess(ctx context.Context, def *registry.Definition) (*LaunchSpec, error) {
	program := def.BinaryHint
	if def.RequiresBinary {
		path, err := exec.LookPath(def.BinaryHint)
		if err != nil {
			return nil, problem.Newf(problem.KindAgentNotInstalled, "agent %s binary %q not found", def.Kind, def.BinaryHint)
		}
		program = path
	}

	env := make(map[string]string)
	for _, entry := range os.Environ() {
		if k, v, ok := strings.Cut(entry, "="); ok {
			env[k] = v
		}
	}
	for k, v := range i.creds.EnvFor(ctx, credentialKeys[def.Kind]) {
		env[k] = v
	}

	return &LaunchSpec{
		Program: program,
		Args:    append([]string(nil), def.Args...),
		Env:     env,
	}, nil
}

// stderrTail returns the last n lines of s.
func stderrTail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
