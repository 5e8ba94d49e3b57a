package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, expands, parses, and validates the configuration at path.
// Environment variables referenced as $NAME or ${NAME} are expanded before
// parsing so API keys can stay out of the file.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes a single-document YAML config. Unknown fields are rejected so
// typos surface at startup rather than as silently ignored settings.
func Parse(data []byte) (*Config, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("parse config: expected single YAML document")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// APIKey resolves the API key for a provider config, preferring the literal
// value over the environment variable.
func (p LLMProviderConfig) APIKey() string {
	if p.API != "" {
		return p.API
	}
	if p.EnvVar != "" {
		return os.Getenv(p.EnvVar)
	}
	return ""
}
