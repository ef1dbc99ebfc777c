package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileProvider resolves credentials from a JSON file of key/value pairs,
// typically ~/.sandboxagent/credentials.json.
type FileProvider struct {
	path string
}

// DefaultCredentialsPath returns the conventional credentials file location.
func DefaultCredentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".sandboxagent", "credentials.json")
}

// NewFileProvider creates a provider reading from the given file path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Get(_ context.Context, key string) (*Credential, error) {
	if p.path == "" {
		return nil, fmt.Errorf("no credentials file configured")
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}

	value, ok := entries[key]
	if !ok || value == "" {
		return nil, fmt.Errorf("credential %s not present in %s", key, p.path)
	}
	return &Credential{Key: key, Value: value, Source: "file"}, nil
}
