package registry

// defaultDefinitions returns the built-in agent table.
func defaultDefinitions() []*Definition {
	return []*Definition{
		{
			Kind:           KindClaude,
			DisplayName:    "Claude Code",
			BinaryHint:     "claude-code-acp",
			RequiresBinary: true,
			Dialect:        DialectACP,
			Capabilities: Capabilities{
				StreamingDeltas: true,
				Permissions:     true,
				Questions:       true,
				PlanMode:        true,
				ToolCalls:       true,
				Images:          true,
				LoadSession:     true,
			},
			Modes:  []string{"default", "plan", "accept-edits", "bypass-permissions"},
			Models: []string{"claude-sonnet", "claude-opus", "claude-haiku"},
		},
		{
			Kind:           KindCodex,
			DisplayName:    "OpenAI Codex",
			BinaryHint:     "codex",
			Args:           []string{"app-server"},
			RequiresBinary: true,
			Dialect:        DialectCodex,
			Capabilities: Capabilities{
				StreamingDeltas: true,
				Permissions:     true,
				ToolCalls:       true,
			},
			Modes:  []string{"read-only", "auto", "full-access"},
			Models: []string{"gpt-5-codex", "gpt-5"},
		},
		{
			Kind:           KindOpenCode,
			DisplayName:    "OpenCode",
			BinaryHint:     "opencode",
			Args:           []string{"acp"},
			RequiresBinary: true,
			Dialect:        DialectACP,
			Capabilities: Capabilities{
				StreamingDeltas: true,
				Permissions:     true,
				Questions:       true,
				ToolCalls:       true,
				LoadSession:     true,
			},
			Modes: []string{"build", "plan"},
		},
		{
			Kind:           KindAmp,
			DisplayName:    "Amp",
			BinaryHint:     "amp",
			Args:           []string{"--acp"},
			RequiresBinary: true,
			Dialect:        DialectACP,
			Capabilities: Capabilities{
				Permissions: true,
				ToolCalls:   true,
			},
			Modes: []string{"default"},
		},
		{
			Kind:           KindPi,
			DisplayName:    "Pi",
			BinaryHint:     "pi",
			Args:           []string{"--acp"},
			RequiresBinary: true,
			Dialect:        DialectACP,
			Capabilities: Capabilities{
				StreamingDeltas: true,
				ToolCalls:       true,
			},
			Modes: []string{"default"},
		},
		{
			Kind:           KindCursor,
			DisplayName:    "Cursor Agent",
			BinaryHint:     "cursor-agent",
			Args:           []string{"--acp"},
			RequiresBinary: true,
			Dialect:        DialectACP,
			Capabilities: Capabilities{
				StreamingDeltas: true,
				Permissions:     true,
				ToolCalls:       true,
			},
			Modes: []string{"default"},
		},
		{
			// The mock agent ships with the gateway and is always installed.
			Kind:           KindMock,
			DisplayName:    "Mock Agent",
			BinaryHint:     "sandboxagent-mock",
			RequiresBinary: false,
			Dialect:        DialectACP,
			Capabilities: Capabilities{
				StreamingDeltas: true,
				Permissions:     true,
				Questions:       true,
				ToolCalls:       true,
			},
			Modes:  []string{"default"},
			Models: []string{"mock-default", "mock-fast", "mock-slow"},
		},
	}
}
