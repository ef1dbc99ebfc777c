// Package main implements acpchat, a terminal client for talking to an
// agent binary directly over ACP, bypassing the gateway. It is a debugging
// tool: launch hints come from the same registry the gateway uses, so what
// acpchat sees is what the gateway's subprocess adapter would see.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	acp "github.com/coder/acp-go-sdk"

	"github.com/sandboxagent/gateway/internal/agent/registry"
)

func main() {
	agentKind := flag.String("agent", "mock", "agent kind to launch (see registry)")
	cwd := flag.String("cwd", ".", "working directory for the session")
	flag.Parse()

	if err := run(*agentKind, *cwd); err != nil {
		fmt.Fprintf(os.Stderr, "acpchat: %v\n", err)
		os.Exit(1)
	}
}

func run(agentKind, cwd string) error {
	reg := registry.New()
	def, ok := reg.Lookup(agentKind)
	if !ok {
		return fmt.Errorf("unknown agent %q", agentKind)
	}
	if _, err := exec.LookPath(def.BinaryHint); err != nil {
		return fmt.Errorf("agent binary %q not found on PATH", def.BinaryHint)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := exec.CommandContext(ctx, def.BinaryHint, def.Args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", def.BinaryHint, err)
	}
	defer func() {
		stdin.Close()
		cmd.Wait()
	}()

	conn := acp.NewClientSideConnection(&chatClient{}, stdin, stdout)

	initResp, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersion(acp.ProtocolVersionNumber),
		ClientInfo: &acp.Implementation{
			Name:    "acpchat",
			Version: "1.0.0",
		},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	fmt.Fprintf(os.Stderr, "connected to %s (protocol %v)\n", def.DisplayName, initResp.ProtocolVersion)

	sessResp, err := conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        cwd,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		return fmt.Errorf("session/new: %w", err)
	}
	fmt.Fprintf(os.Stderr, "session %s ready, type a prompt (ctrl-d to quit)\n", sessResp.SessionId)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		resp, err := conn.Prompt(ctx, acp.PromptRequest{
			SessionId: sessResp.SessionId,
			Prompt:    []acp.ContentBlock{acp.TextBlock(input)},
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "prompt failed: %v\n", err)
			continue
		}
		fmt.Fprintf(os.Stderr, "\n[%s]\n", resp.StopReason)
	}
	return scanner.Err()
}
