package credentials

import (
	"context"
	"fmt"
	"os"
)

// EnvProvider resolves credentials from the gateway's own environment.
type EnvProvider struct{}

// NewEnvProvider creates a provider backed by os.Getenv.
func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Get(_ context.Context, key string) (*Credential, error) {
	value := os.Getenv(key)
	if value == "" {
		return nil, fmt.Errorf("env var %s not set", key)
	}
	return &Credential{Key: key, Value: value, Source: "env"}, nil
}
