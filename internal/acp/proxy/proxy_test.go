package proxy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sandboxagent/gateway/internal/agent/credentials"
	"github.com/sandboxagent/gateway/internal/agent/install"
	"github.com/sandboxagent/gateway/internal/agent/registry"
	"github.com/sandboxagent/gateway/internal/common/logger"
	"github.com/sandboxagent/gateway/internal/common/problem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testProxy wires the mock agent to a shell one-liner so no real agent binary
// is needed. The script answers every request with a response for id 1.
func testProxy(t *testing.T, opts Options) *Proxy {
	t.Helper()

	overlay := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(overlay, []byte(`
mock:
  binaryHint: /bin/sh
  args: ["-c", "while IFS= read -r line; do printf '{\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"ok\":true}}\n'; done"]
`), 0o644))

	reg := registry.New()
	require.NoError(t, reg.LoadOverlay(overlay))

	log := logger.Default()
	inst := install.New(reg, credentials.NewManager(log, credentials.NewEnvProvider()), log)
	if opts.Logger == nil {
		opts.Logger = log
	}
	p := New(reg, inst, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.ShutdownAll(ctx)
	})
	return p
}

func notification() map[string]any {
	return map[string]any{"jsonrpc": "2.0", "method": "session/cancel", "params": map[string]any{}}
}

func TestPostBootstrapsInstance(t *testing.T) {
	p := testProxy(t, Options{})

	out, err := p.Post(context.Background(), "c1", "mock", notification())
	require.NoError(t, err)
	assert.True(t, out.Accepted)

	inst, ok := p.Lookup("c1")
	require.True(t, ok)
	assert.Equal(t, registry.KindMock, inst.Agent)
	require.NotNil(t, p.AdapterFor(registry.KindMock))

	// Subsequent posts may omit the agent.
	_, err = p.Post(context.Background(), "c1", "", notification())
	require.NoError(t, err)
}

func TestPostAgentMismatchIsConflict(t *testing.T) {
	p := testProxy(t, Options{})

	_, err := p.Post(context.Background(), "c1", "mock", notification())
	require.NoError(t, err)

	_, err = p.Post(context.Background(), "c1", "codex", notification())
	assert.True(t, problem.IsKind(err, problem.KindConflict))
}

func TestPostWithoutBootstrapAgent(t *testing.T) {
	p := testProxy(t, Options{})
	_, err := p.Post(context.Background(), "fresh", "", notification())
	assert.True(t, problem.IsKind(err, problem.KindInvalidRequest))
}

func TestPostUnknownAgent(t *testing.T) {
	p := testProxy(t, Options{})
	_, err := p.Post(context.Background(), "c1", "skynet", notification())
	assert.True(t, problem.IsKind(err, problem.KindUnsupportedAgent))
}

func TestRequirePreinstallGatesLaunch(t *testing.T) {
	p := testProxy(t, Options{RequirePreinstall: true})

	// claude's binary is not on PATH in the test environment.
	_, err := p.Post(context.Background(), "c1", "claude", notification())
	assert.True(t, problem.IsKind(err, problem.KindAgentNotInstalled))

	// mock counts as installed regardless of gating.
	_, err = p.Post(context.Background(), "c2", "mock", notification())
	assert.NoError(t, err)
}

func TestErrorMapping(t *testing.T) {
	p := testProxy(t, Options{RequestTimeout: 60 * time.Second})

	_, err := p.Post(context.Background(), "c1", "mock", map[string]any{"jsonrpc": "2.0"})
	assert.True(t, problem.IsKind(err, problem.KindInvalidRequest), "invalid envelope maps to InvalidRequest")

	timeoutProxy := testProxy(t, Options{RequestTimeout: 100 * time.Millisecond})
	// A request whose id the script never echoes back times out.
	_, err = timeoutProxy.Post(context.Background(), "c1", "mock", map[string]any{
		"jsonrpc": "2.0", "id": 99, "method": "session/prompt",
	})
	assert.True(t, problem.IsKind(err, problem.KindTimeout))
}

func TestSubscribeSingleStreamPerConnection(t *testing.T) {
	p := testProxy(t, Options{})
	_, err := p.Post(context.Background(), "c1", "mock", notification())
	require.NoError(t, err)

	_, _, cancel, err := p.Subscribe("c1", 0)
	require.NoError(t, err)

	_, _, _, err = p.Subscribe("c1", 0)
	assert.True(t, problem.IsKind(err, problem.KindConflict))

	cancel()
	_, _, cancel2, err := p.Subscribe("c1", 0)
	require.NoError(t, err)
	cancel2()
}

func TestSubscribeUnknownConnection(t *testing.T) {
	p := testProxy(t, Options{})
	_, _, _, err := p.Subscribe("nope", 0)
	assert.True(t, problem.IsKind(err, problem.KindClientNotFound))
}

func TestDeleteConnection(t *testing.T) {
	p := testProxy(t, Options{})
	_, err := p.Post(context.Background(), "c1", "mock", notification())
	require.NoError(t, err)

	require.NoError(t, p.Delete(context.Background(), "c1"))
	_, ok := p.Lookup("c1")
	assert.False(t, ok)
	assert.Nil(t, p.AdapterFor(registry.KindMock), "last reference shuts the adapter down")

	err = p.Delete(context.Background(), "c1")
	assert.True(t, problem.IsKind(err, problem.KindClientNotFound))

	// The connection id can be bound again afterwards.
	_, err = p.Post(context.Background(), "c1", "mock", notification())
	require.NoError(t, err)
}

func TestAdapterSharedAcrossConnections(t *testing.T) {
	p := testProxy(t, Options{})
	_, err := p.Post(context.Background(), "c1", "mock", notification())
	require.NoError(t, err)
	_, err = p.Post(context.Background(), "c2", "mock", notification())
	require.NoError(t, err)

	a := p.AdapterFor(registry.KindMock)
	require.NotNil(t, a)

	// Deleting one connection keeps the shared adapter alive.
	require.NoError(t, p.Delete(context.Background(), "c1"))
	assert.Same(t, a, p.AdapterFor(registry.KindMock))

	require.NoError(t, p.Delete(context.Background(), "c2"))
	assert.Nil(t, p.AdapterFor(registry.KindMock))
}

func TestConcurrentBootstrapCreatesOneInstance(t *testing.T) {
	p := testProxy(t, Options{})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.Post(context.Background(), "c1", "mock", notification())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, p.Instances(), 1)
}

func TestAnnotateError(t *testing.T) {
	p := testProxy(t, Options{})

	resp := map[string]any{
		"jsonrpc": "2.0", "id": 1,
		"error": map[string]any{"code": -32000, "message": "Invalid API key provided"},
	}
	p.annotateError(registry.KindClaude, resp)

	errObj := resp["error"].(map[string]any)
	assert.Equal(t, -32000, errObj["code"], "code is never mutated")
	assert.Equal(t, "Invalid API key provided", errObj["message"], "message is never mutated")
	data := errObj["data"].(map[string]any)
	assert.Contains(t, data["hint"], "ANTHROPIC_API_KEY")

	// Success envelopes and unknown patterns pass through untouched.
	okResp := map[string]any{"jsonrpc": "2.0", "id": 2, "result": map[string]any{}}
	p.annotateError(registry.KindClaude, okResp)
	_, hasErr := okResp["error"]
	assert.False(t, hasErr)

	odd := map[string]any{
		"jsonrpc": "2.0", "id": 3,
		"error": map[string]any{"code": -1, "message": "some other failure"},
	}
	p.annotateError(registry.KindClaude, odd)
	_, hasData := odd["error"].(map[string]any)["data"]
	assert.False(t, hasData)
}
