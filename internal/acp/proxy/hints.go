package proxy

import (
	"strings"

	"github.com/sandboxagent/gateway/internal/agent/registry"
)

// hintPattern maps a substring observed in an agent error message to an
// actionable hint for the user.
type hintPattern struct {
	match string
	hint  string
}

// errorHints holds known failure patterns per agent kind. Matching is
// case-insensitive substring search over error.message.
var errorHints = map[registry.Kind][]hintPattern{
	registry.KindClaude: {
		{"api key", "Set ANTHROPIC_API_KEY in the gateway environment or ~/.sandboxagent/credentials.json."},
		{"401", "Authentication failed. Check ANTHROPIC_API_KEY."},
		{"rate limit", "Anthropic rate limit reached. Retry later or use a different key."},
	},
	registry.KindCodex: {
		{"api key", "Set OPENAI_API_KEY in the gateway environment or ~/.sandboxagent/credentials.json."},
		{"401", "Authentication failed. Check OPENAI_API_KEY."},
	},
	registry.KindOpenCode: {
		{"api key", "OpenCode needs a provider key. Set ANTHROPIC_API_KEY or OPENAI_API_KEY."},
	},
	registry.KindAmp: {
		{"api key", "Set AMP_API_KEY in the gateway environment."},
		{"not logged in", "Run `amp login` or set AMP_API_KEY."},
	},
	registry.KindCursor: {
		{"api key", "Set CURSOR_API_KEY in the gateway environment."},
	},
}

// annotateError appends a hint to error.data.hint when the response envelope
// carries an error matching a known pattern. error.code and error.message are
// never touched; envelopes without errors pass through unchanged.
func (p *Proxy) annotateError(kind registry.Kind, resp map[string]any) {
	errObj, ok := resp["error"].(map[string]any)
	if !ok {
		return
	}
	message, _ := errObj["message"].(string)
	if message == "" {
		return
	}

	lower := strings.ToLower(message)
	for _, pat := range errorHints[kind] {
		if !strings.Contains(lower, pat.match) {
			continue
		}
		data, ok := errObj["data"].(map[string]any)
		if !ok {
			data = make(map[string]any)
			errObj["data"] = data
		}
		if _, exists := data["hint"]; !exists {
			data["hint"] = pat.hint
		}
		return
	}
}
