// Package adapter owns one agent subprocess speaking line-delimited JSON-RPC
// 2.0 over stdio. It multiplexes requests from many gateway connections onto
// the single stdin pipe, routes responses back to waiters by request id, and
// broadcasts every agent-originated message into a bounded replay ring that
// SSE subscribers can resume from.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/sandboxagent/gateway/internal/acp/jsonrpc"
	"github.com/sandboxagent/gateway/internal/agent/install"
	"github.com/sandboxagent/gateway/internal/common/logger"
	"go.uber.org/zap"
)

const (
	// RingBufferSize bounds the replay ring. Subscribers that reconnect with a
	// Last-Event-ID older than the ring's head silently lose the gap.
	RingBufferSize = 1024

	// BroadcastCapacity is the buffer of each subscriber channel. A subscriber
	// that falls this far behind is dropped from the live stream; the ring
	// covers its catch-up on reconnect.
	BroadcastCapacity = 512

	// DefaultRequestTimeout bounds how long Post waits for a response before
	// abandoning the pending entry. The subprocess is not killed on timeout.
	DefaultRequestTimeout = 120 * time.Second
)

// StreamMessage is one agent-originated JSON-RPC message with its position in
// the adapter's stream. Sequence is monotonic from 1 with no gaps.
type StreamMessage struct {
	Sequence uint64
	Payload  json.RawMessage
}

// PostOutcome is the result of posting a payload to the agent. Exactly one of
// the fields is meaningful: Response carries the full response envelope for a
// request; Accepted is true for notifications and responses forwarded
// fire-and-forget.
type PostOutcome struct {
	Response map[string]any
	Accepted bool
}

// Options tunes a single adapter.
type Options struct {
	// RequestTimeout overrides DefaultRequestTimeout when positive.
	RequestTimeout time.Duration
	// Logger, when nil, falls back to the process default.
	Logger *logger.Logger
}

// Adapter runs one agent subprocess and pumps its stdio.
type Adapter struct {
	cmd     *exec.Cmd
	stdin   *stdinWriter
	timeout time.Duration
	logger  *logger.Logger

	pendingMu sync.Mutex
	pending   map[string]chan map[string]any

	streamMu sync.Mutex
	seq      uint64
	ring     []StreamMessage
	subs     map[int]chan StreamMessage
	nextSub  int

	stderr *stderrCapture

	stateMu     sync.Mutex
	exited      bool
	exitCode    int
	shutdown    bool
	firstStdout bool
	startedAt   time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// Start spawns the subprocess described by spec and begins pumping its stdout,
// stderr, and exit status. The returned adapter is live until the subprocess
// exits or Shutdown is called.
func Start(spec *install.LaunchSpec, opts Options) (*Adapter, error) {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "adapter"), zap.String("program", spec.Program))

	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Env = flattenEnv(spec.Env)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, newError(ErrMissingStdin, err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, newError(ErrMissingStdout, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, newError(ErrMissingStderr, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, newError(ErrSpawn, err)
	}

	a := &Adapter{
		cmd:       cmd,
		stdin:     newStdinWriter(stdinPipe),
		timeout:   timeout,
		logger:    log.WithFields(zap.Int("pid", cmd.Process.Pid)),
		pending:   make(map[string]chan map[string]any),
		subs:      make(map[int]chan StreamMessage),
		stderr:    newStderrCapture(),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	a.wg.Add(2)
	go a.readStdout(stdoutPipe)
	go a.readStderr(stderrPipe)
	go a.waitForExit()

	a.logger.Info("agent subprocess started", zap.Strings("args", spec.Args))
	return a, nil
}

// Pid returns the subprocess pid.
func (a *Adapter) Pid() int { return a.cmd.Process.Pid }

// StartedAt returns when the subprocess was spawned.
func (a *Adapter) StartedAt() time.Time { return a.startedAt }

// Exited reports whether the subprocess has terminated, with its exit code.
func (a *Adapter) Exited() (bool, int) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.exited, a.exitCode
}

// SeenStdout reports whether any stdout line has been observed yet. Used as a
// liveness hint in agent diagnostics.
func (a *Adapter) SeenStdout() bool {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.firstStdout
}

// Stderr returns a snapshot of the captured stderr head/tail.
func (a *Adapter) Stderr() StderrSnapshot { return a.stderr.snapshot() }

// Done is closed when the subprocess has exited and the pumps have drained.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// Post validates payload as a JSON-RPC envelope and writes it to the agent's
// stdin. Requests block until the matching response arrives or the timeout
// elapses; notifications and responses are fire-and-forget.
func (a *Adapter) Post(ctx context.Context, payload map[string]any) (PostOutcome, error) {
	if closed, err := a.closedErr(); closed {
		return PostOutcome{}, err
	}

	kind := jsonrpc.Classify(payload)
	switch kind {
	case jsonrpc.KindRequest:
		return a.postRequest(ctx, payload)
	case jsonrpc.KindNotification, jsonrpc.KindResponse:
		if err := a.writeLine(payload); err != nil {
			return PostOutcome{}, err
		}
		return PostOutcome{Accepted: true}, nil
	default:
		return PostOutcome{}, newError(ErrInvalidEnvelope, fmt.Errorf("payload is not a JSON-RPC request, notification, or response"))
	}
}

func (a *Adapter) postRequest(ctx context.Context, payload map[string]any) (PostOutcome, error) {
	key, err := jsonrpc.CanonicalID(payload["id"])
	if err != nil {
		return PostOutcome{}, newError(ErrSerialize, err)
	}

	waiter := make(chan map[string]any, 1)
	a.pendingMu.Lock()
	if _, dup := a.pending[key]; dup {
		a.pendingMu.Unlock()
		return PostOutcome{}, newError(ErrInvalidEnvelope, fmt.Errorf("request id %s already in flight", key))
	}
	a.pending[key] = waiter
	a.pendingMu.Unlock()

	if err := a.writeLine(payload); err != nil {
		a.dropPending(key)
		return PostOutcome{}, err
	}

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-waiter:
		if !ok {
			// Drained on exit or shutdown; the agent will never answer.
			return PostOutcome{}, newError(ErrTimeout, fmt.Errorf("agent exited before responding to %s", key))
		}
		return PostOutcome{Response: resp}, nil
	case <-timer.C:
		a.dropPending(key)
		return PostOutcome{}, newError(ErrTimeout, fmt.Errorf("no response to %s within %s", key, a.timeout))
	case <-ctx.Done():
		a.dropPending(key)
		return PostOutcome{}, newError(ErrTimeout, ctx.Err())
	}
}

// Subscribe registers a live subscriber and replays ring entries with sequence
// greater than lastEventID. The replay slice and the registration are taken
// under one lock acquisition, so no message falls between them. cancel must be
// called when the subscriber goes away.
func (a *Adapter) Subscribe(lastEventID uint64) (replay []StreamMessage, ch <-chan StreamMessage, cancel func()) {
	live := make(chan StreamMessage, BroadcastCapacity)

	a.streamMu.Lock()
	for _, msg := range a.ring {
		if msg.Sequence > lastEventID {
			replay = append(replay, msg)
		}
	}
	id := a.nextSub
	a.nextSub++
	a.subs[id] = live
	a.streamMu.Unlock()

	cancel = func() {
		a.streamMu.Lock()
		if sub, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(sub)
		}
		a.streamMu.Unlock()
	}
	return replay, live, cancel
}

// Shutdown closes stdin, waits up to the context deadline for the subprocess
// to exit, then kills it. Safe to call more than once.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.stateMu.Lock()
	if a.shutdown {
		a.stateMu.Unlock()
		<-a.done
		return nil
	}
	a.shutdown = true
	a.stateMu.Unlock()

	a.logger.Info("shutting down agent subprocess")
	a.stdin.close()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
	}

	if err := a.cmd.Process.Kill(); err != nil {
		a.logger.Warn("kill agent subprocess", zap.Error(err))
	}
	<-a.done
	return nil
}

func (a *Adapter) closedErr() (bool, error) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if a.shutdown {
		return true, newError(ErrShutdown, fmt.Errorf("adapter is shut down"))
	}
	if a.exited {
		return true, newError(ErrShutdown, fmt.Errorf("agent exited with code %d", a.exitCode))
	}
	return false, nil
}

func (a *Adapter) writeLine(payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return newError(ErrSerialize, err)
	}
	if err := a.stdin.writeLine(raw); err != nil {
		return newError(ErrWrite, err)
	}
	return nil
}

func (a *Adapter) dropPending(key string) {
	a.pendingMu.Lock()
	delete(a.pending, key)
	a.pendingMu.Unlock()
}

// publish assigns the next sequence, appends to the ring, and fans out to live
// subscribers. Subscribers whose buffers are full are dropped; they resume via
// the ring on reconnect.
func (a *Adapter) publish(raw json.RawMessage) StreamMessage {
	a.streamMu.Lock()
	a.seq++
	msg := StreamMessage{Sequence: a.seq, Payload: raw}
	a.ring = append(a.ring, msg)
	if len(a.ring) > RingBufferSize {
		a.ring = a.ring[1:]
	}
	var lagged []int
	for id, sub := range a.subs {
		select {
		case sub <- msg:
		default:
			lagged = append(lagged, id)
		}
	}
	for _, id := range lagged {
		close(a.subs[id])
		delete(a.subs, id)
	}
	a.streamMu.Unlock()

	if len(lagged) > 0 {
		a.logger.Warn("dropped lagged stream subscribers", zap.Int("count", len(lagged)))
	}
	return msg
}

// publishObject marshals a synthesized envelope and publishes it.
func (a *Adapter) publishObject(payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		a.logger.Error("marshal synthesized notification", zap.Error(err))
		return
	}
	a.publish(raw)
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
