// Package registry defines the closed set of agent kinds the gateway can
// serve, together with their static capability tables and launch hints.
// Capabilities are lookup tables, not discovered at runtime.
package registry

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Kind identifies one supported agent. The set is closed; anything else is
// rejected with UnsupportedAgent before a subprocess is ever considered.
type Kind string

const (
	KindClaude   Kind = "claude"
	KindCodex    Kind = "codex"
	KindOpenCode Kind = "opencode"
	KindAmp      Kind = "amp"
	KindPi       Kind = "pi"
	KindCursor   Kind = "cursor"
	KindMock     Kind = "mock"
)

// Dialect identifies the native event dialect an agent speaks, which selects
// the converter used to normalize its stream.
type Dialect string

const (
	DialectACP        Dialect = "acp"
	DialectStreamJSON Dialect = "stream-json"
	DialectCodex      Dialect = "codex"
)

// Capabilities is the static feature table for one agent kind.
type Capabilities struct {
	StreamingDeltas bool `json:"streamingDeltas" yaml:"streamingDeltas"`
	Permissions     bool `json:"permissions" yaml:"permissions"`
	Questions       bool `json:"questions" yaml:"questions"`
	PlanMode        bool `json:"planMode" yaml:"planMode"`
	ToolCalls       bool `json:"toolCalls" yaml:"toolCalls"`
	Images          bool `json:"images" yaml:"images"`
	LoadSession     bool `json:"loadSession" yaml:"loadSession"`
}

// Definition describes one agent kind: identity, launch hints, capabilities,
// and dialog modes.
type Definition struct {
	Kind           Kind         `json:"kind" yaml:"kind"`
	DisplayName    string       `json:"displayName" yaml:"displayName"`
	BinaryHint     string       `json:"binaryHint" yaml:"binaryHint"`
	Args           []string     `json:"args" yaml:"args"`
	RequiresBinary bool         `json:"requiresBinary" yaml:"requiresBinary"`
	Dialect        Dialect      `json:"dialect" yaml:"dialect"`
	Capabilities   Capabilities `json:"capabilities" yaml:"capabilities"`
	Modes          []string     `json:"modes" yaml:"modes"`
	Models         []string     `json:"models" yaml:"models"`
}

// Registry resolves agent kinds to definitions. An optional yaml overlay can
// override launch hints of the built-in table; it can never add new kinds.
type Registry struct {
	mu   sync.RWMutex
	defs map[Kind]*Definition
}

// New builds a registry from the built-in definitions.
func New() *Registry {
	defs := make(map[Kind]*Definition)
	for _, d := range defaultDefinitions() {
		defs[d.Kind] = d
	}
	return &Registry{defs: defs}
}

// overlayEntry is the yaml shape for one overridable definition.
type overlayEntry struct {
	BinaryHint string   `yaml:"binaryHint"`
	Args       []string `yaml:"args"`
	Models     []string `yaml:"models"`
}

// LoadOverlay applies launch-hint overrides from the given agents.yaml file.
// Entries for unknown kinds are rejected so typos surface early.
func (r *Registry) LoadOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read registry overlay: %w", err)
	}

	var overlay map[string]overlayEntry
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse registry overlay: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, entry := range overlay {
		def, ok := r.defs[Kind(name)]
		if !ok {
			return fmt.Errorf("registry overlay references unknown agent %q", name)
		}
		if entry.BinaryHint != "" {
			def.BinaryHint = entry.BinaryHint
		}
		if len(entry.Args) > 0 {
			def.Args = append([]string(nil), entry.Args...)
		}
		if len(entry.Models) > 0 {
			def.Models = append([]string(nil), entry.Models...)
		}
	}
	return nil
}

// Lookup returns the definition for the given agent name, or false when the
// name is not in the closed set.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[Kind(name)]
	if !ok {
		return nil, false
	}
	cp := *def
	return &cp, true
}

// List returns all definitions sorted by kind.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.defs))
	for _, d := range r.defs {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
