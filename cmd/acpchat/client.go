package main

import (
	"context"
	"fmt"
	"os"

	acp "github.com/coder/acp-go-sdk"
)

// chatClient implements acp.Client for the terminal. Agent text streams to
// stdout; everything else is narrated on stderr. Permission requests are
// approved with the first allow option so turns never stall.
type chatClient struct{}

func (c *chatClient) SessionUpdate(_ context.Context, n acp.SessionNotification) error {
	u := n.Update
	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text != nil {
			fmt.Print(u.AgentMessageChunk.Content.Text.Text)
		}
	case u.AgentThoughtChunk != nil:
		if u.AgentThoughtChunk.Content.Text != nil {
			fmt.Fprintf(os.Stderr, "\033[2m%s\033[0m", u.AgentThoughtChunk.Content.Text.Text)
		}
	case u.ToolCall != nil:
		fmt.Fprintf(os.Stderr, "\n[tool %s: %s (%s)]\n", u.ToolCall.ToolCallId, u.ToolCall.Title, u.ToolCall.Status)
	case u.ToolCallUpdate != nil:
		if u.ToolCallUpdate.Status != nil {
			fmt.Fprintf(os.Stderr, "[tool %s: %s]\n", u.ToolCallUpdate.ToolCallId, *u.ToolCallUpdate.Status)
		}
	}
	return nil
}

func (c *chatClient) RequestPermission(_ context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	title := ""
	if p.ToolCall.Title != nil {
		title = *p.ToolCall.Title
	}
	if optionID := findAllowOptionID(p.Options); optionID != "" {
		fmt.Fprintf(os.Stderr, "\n[permission: %s -> approved]\n", title)
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{
				Selected: &acp.RequestPermissionOutcomeSelected{Outcome: "selected", OptionId: optionID},
			},
		}, nil
	}
	fmt.Fprintf(os.Stderr, "\n[permission: %s -> no allow option, cancelled]\n", title)
	return acp.RequestPermissionResponse{
		Outcome: acp.NewRequestPermissionOutcomeCancelled(),
	}, nil
}

// findAllowOptionID prefers allow-once over allow-always.
func findAllowOptionID(options []acp.PermissionOption) acp.PermissionOptionId {
	var allowAlways acp.PermissionOptionId
	for _, opt := range options {
		switch opt.Kind {
		case acp.PermissionOptionKindAllowOnce:
			return opt.OptionId
		case acp.PermissionOptionKindAllowAlways:
			if allowAlways == "" {
				allowAlways = opt.OptionId
			}
		}
	}
	return allowAlways
}

func (c *chatClient) ReadTextFile(_ context.Context, _ acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	return acp.ReadTextFileResponse{}, fmt.Errorf("fs.readTextFile not supported")
}

func (c *chatClient) WriteTextFile(_ context.Context, _ acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	return acp.WriteTextFileResponse{}, fmt.Errorf("fs.writeTextFile not supported")
}

func (c *chatClient) CreateTerminal(_ context.Context, _ acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, fmt.Errorf("terminal not supported")
}

func (c *chatClient) KillTerminalCommand(_ context.Context, _ acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, fmt.Errorf("terminal not supported")
}

func (c *chatClient) TerminalOutput(_ context.Context, _ acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, fmt.Errorf("terminal not supported")
}

func (c *chatClient) ReleaseTerminal(_ context.Context, _ acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, fmt.Errorf("terminal not supported")
}

func (c *chatClient) WaitForTerminalExit(_ context.Context, _ acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, fmt.Errorf("terminal not supported")
}

var _ acp.Client = (*chatClient)(nil)
