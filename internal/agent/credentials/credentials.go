// Package credentials discovers API keys and tokens for agent subprocesses.
// Credentials come from the environment or well-known credential files and
// are injected into the launch environment; values are never logged.
package credentials

import (
	"context"
	"fmt"
	"sync"

	"github.com/sandboxagent/gateway/internal/common/logger"
	"go.uber.org/zap"
)

// Credential represents a discovered credential.
type Credential struct {
	Key    string // Environment variable name (e.g. ANTHROPIC_API_KEY)
	Value  string // The secret value (never logged)
	Source string // Where it came from (env, file)
}

// Provider is one source of credentials.
type Provider interface {
	// Get retrieves a credential by key. Returns an error when the provider
	// has no value for the key.
	Get(ctx context.Context, key string) (*Credential, error)

	// Name returns the provider name for logging.
	Name() string
}

// Manager aggregates providers with a first-hit-wins lookup and a cache.
type Manager struct {
	providers []Provider
	cache     map[string]*Credential
	mu        sync.RWMutex
	logger    *logger.Logger
}

// NewManager creates a credentials manager with the given providers, tried in order.
func NewManager(log *logger.Logger, providers ...Provider) *Manager {
	return &Manager{
		providers: providers,
		cache:     make(map[string]*Credential),
		logger:    log.WithFields(zap.String("component", "credentials")),
	}
}

// Get retrieves a credential by key from the first provider that has it.
func (m *Manager) Get(ctx context.Context, key string) (*Credential, error) {
	m.mu.RLock()
	if cred, ok := m.cache[key]; ok {
		m.mu.RUnlock()
		return cred, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, provider := range m.providers {
		cred, err := provider.Get(ctx, key)
		if err == nil {
			m.cache[key] = cred
			m.logger.Debug("credential resolved",
				zap.String("key", key),
				zap.String("source", cred.Source))
			return cred, nil
		}
	}
	return nil, fmt.Errorf("credential %s not found in any provider", key)
}

// EnvFor returns the environment entries for the given keys, skipping keys
// with no discovered value. Used to enrich agent launch specs.
func (m *Manager) EnvFor(ctx context.Context, keys []string) map[string]string {
	env := make(map[string]string)
	for _, key := range keys {
		cred, err := m.Get(ctx, key)
		if err != nil {
			continue
		}
		env[key] = cred.Value
	}
	return env
}
