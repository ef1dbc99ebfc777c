package adapter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sandboxagent/gateway/internal/acp/jsonrpc"
	"go.uber.org/zap"
)

// maxLineBytes bounds a single stdout line. Agents stream large tool results
// as one JSON object per line, so this is generous.
const maxLineBytes = 16 * 1024 * 1024

// stdinWriter serializes writes to the subprocess stdin. One message per line,
// newline-terminated, written under a mutex so concurrent Posts never
// interleave bytes.
type stdinWriter struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

func newStdinWriter(w io.WriteCloser) *stdinWriter {
	return &stdinWriter{w: w}
}

func (s *stdinWriter) writeLine(raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stdin closed")
	}
	if _, err := s.w.Write(raw); err != nil {
		return err
	}
	_, err := s.w.Write([]byte{'\n'})
	return err
}

func (s *stdinWriter) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.w.Close()
	}
}

// readStdout pumps the subprocess stdout line by line. Each line is parsed as
// a JSON-RPC message: responses are handed to their pending waiter and then
// broadcast; requests and notifications are broadcast; unparseable lines
// become a synthesized _adapter/invalid_stdout notification so stream
// consumers see the corruption instead of a silent gap.
func (a *Adapter) readStdout(r io.Reader) {
	defer a.wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		a.stateMu.Lock()
		if !a.firstStdout {
			a.firstStdout = true
			a.stateMu.Unlock()
			a.logger.Debug("first stdout line observed")
		} else {
			a.stateMu.Unlock()
		}

		var msg map[string]any
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			a.logger.Warn("invalid stdout line from agent", zap.String("line", truncate(line, 512)))
			a.publishObject(map[string]any{
				"jsonrpc": jsonrpc.Version,
				"method":  jsonrpc.NotificationInvalidStdout,
				"params":  map[string]any{"error": err.Error(), "raw": truncate(line, 4096)},
			})
			continue
		}

		if jsonrpc.Classify(msg) == jsonrpc.KindResponse {
			a.deliverResponse(msg)
		}
		a.publish(json.RawMessage(line))
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		a.logger.Warn("stdout pump ended", zap.Error(err))
	}
}

// deliverResponse routes a response envelope to its pending waiter. Orphan
// responses (no waiter, typically a timed-out request answering late) are
// logged and still broadcast by the caller so stream subscribers observe them.
func (a *Adapter) deliverResponse(msg map[string]any) {
	key, err := jsonrpc.CanonicalID(msg["id"])
	if err != nil {
		a.logger.Warn("response with unserializable id", zap.Error(err))
		return
	}

	a.pendingMu.Lock()
	waiter, ok := a.pending[key]
	if ok {
		delete(a.pending, key)
	}
	a.pendingMu.Unlock()

	if !ok {
		a.logger.Debug("orphan response from agent", zap.String("id", key))
		return
	}
	waiter <- msg
}

// readStderr captures the subprocess stderr head/tail and mirrors each line to
// the gateway log at debug level.
func (a *Adapter) readStderr(r io.Reader) {
	defer a.wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		a.stderr.append(line)
		a.logger.Debug("agent stderr", zap.String("line", truncate(line, 512)))
	}
}

// waitForExit reaps the subprocess, records its exit code, drains pending
// waiters, and synthesizes the _adapter/agent_exited notification as the
// final stream entry.
func (a *Adapter) waitForExit() {
	err := a.cmd.Wait()
	a.wg.Wait()

	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(interface{ ExitCode() int }); ok {
			code = exitErr.ExitCode()
		}
	}

	a.stateMu.Lock()
	a.exited = true
	a.exitCode = code
	wasShutdown := a.shutdown
	a.stateMu.Unlock()

	// Requests in flight will never be answered; closing the waiters surfaces
	// a timeout-class error to each caller.
	a.pendingMu.Lock()
	for key, waiter := range a.pending {
		close(waiter)
		delete(a.pending, key)
	}
	a.pendingMu.Unlock()

	a.publishObject(map[string]any{
		"jsonrpc": jsonrpc.Version,
		"method":  jsonrpc.NotificationAgentExited,
		"params":  map[string]any{"success": code == 0, "code": code},
	})

	if wasShutdown || code == 0 {
		a.logger.Info("agent subprocess exited", zap.Int("code", code))
	} else {
		a.logger.Warn("agent subprocess exited unexpectedly", zap.Int("code", code))
	}

	a.stdin.close()
	close(a.done)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
