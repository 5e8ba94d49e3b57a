// Package config defines the deployment configuration shared by the gateway,
// the per-user backends, and the tool-provider hosts.
package config

import (
	"fmt"
	"strings"
)

// Config is the root configuration, loaded from /data/config.yml.
type Config struct {
	Global GlobalConfig `yaml:"global"`
	Users  []UserConfig `yaml:"users"`
}

// GlobalConfig holds deployment-wide settings.
type GlobalConfig struct {
	// LLM names the default provider, which must appear in LLMs.
	LLM string `yaml:"llm"`

	// LLMs maps provider name to its credentials and model tiers.
	LLMs map[string]LLMProviderConfig `yaml:"llms"`

	// Firebase holds the web-SDK config served to clients and used by the
	// push sender.
	Firebase FirebaseConfig `yaml:"firebase"`

	// Sessions is the directory holding the file-per-session store.
	Sessions string `yaml:"sessions"`

	// LogLevel is one of DEBUG, INFO, WARNING, ERROR, CRITICAL.
	LogLevel string `yaml:"log_level"`

	// UserDatadir is the root for per-user caches (<dir>/<user>/news.sqlite …).
	UserDatadir string `yaml:"user_datadir"`

	// AllDatadir is the root for shared caches and the call log.
	AllDatadir string `yaml:"all_datadir"`

	// TLSDir holds cert.pem / key.pem / chain.pem for the gateway.
	TLSDir string `yaml:"tls_dir"`
}

// LLMProviderConfig configures one chat-completions provider.
type LLMProviderConfig struct {
	// API is the literal API key. Either API or EnvVar must be set.
	API string `yaml:"api"`

	// EnvVar names an environment variable holding the API key.
	EnvVar string `yaml:"env_var"`

	// BaseURL overrides the provider endpoint (OpenAI-compatible).
	BaseURL string `yaml:"base_url"`

	// Models lists exactly three model names, indexed by complexity 0/1/2.
	Models []string `yaml:"models"`
}

// FirebaseConfig is the Firebase web-SDK configuration block.
type FirebaseConfig struct {
	APIKey            string `yaml:"apiKey" json:"apiKey"`
	AuthDomain        string `yaml:"authDomain" json:"authDomain"`
	ProjectID         string `yaml:"projectId" json:"projectId"`
	StorageBucket     string `yaml:"storageBucket" json:"storageBucket"`
	MessagingSenderID string `yaml:"messagingSenderId" json:"messagingSenderId"`
	AppID             string `yaml:"appId" json:"appId"`
	VapidKey          string `yaml:"vapidkey" json:"vapidkey"`

	// ServiceAccountFile is the path to the service-account JSON used by the
	// HTTP v1 push sender.
	ServiceAccountFile string `yaml:"service_account_file" json:"-"`
}

// UserConfig declares one end user. Identities are immutable at runtime;
// changes require an operator edit and restart.
type UserConfig struct {
	Username string `yaml:"username"`

	// Password is the SHA-256 hex digest of the user's password.
	Password string `yaml:"password"`

	// PersonalContext is free text injected into the LLM system prompt.
	PersonalContext string `yaml:"personalContext"`

	// Timezone is an IANA zone name; empty falls back to Europe/Paris.
	Timezone string `yaml:"timezone"`
}

// Validate checks invariants that must hold before any component starts.
// A missing default LLM provider is fatal; providers referenced nowhere are
// the caller's concern (warn & skip).
func (c *Config) Validate() error {
	def := strings.TrimSpace(c.Global.LLM)
	if def == "" {
		return fmt.Errorf("global.llm: default provider is required")
	}
	provider, ok := c.Global.LLMs[def]
	if !ok {
		return fmt.Errorf("global.llm: default provider %q not configured under global.llms", def)
	}
	if len(provider.Models) != 3 {
		return fmt.Errorf("global.llms.%s: exactly 3 models required (complexity tiers 0/1/2), got %d", def, len(provider.Models))
	}

	if strings.TrimSpace(c.Global.Sessions) == "" {
		return fmt.Errorf("global.sessions: session directory is required")
	}

	seen := make(map[string]bool, len(c.Users))
	for i, user := range c.Users {
		name := strings.TrimSpace(user.Username)
		if name == "" {
			return fmt.Errorf("users[%d]: username is required", i)
		}
		if strings.ContainsAny(name, " /\\?#") {
			return fmt.Errorf("users[%d]: username %q must be URL-safe", i, name)
		}
		if seen[name] {
			return fmt.Errorf("users[%d]: duplicate username %q", i, name)
		}
		seen[name] = true
		if user.Password == "" {
			return fmt.Errorf("users[%d]: password hash is required", i)
		}
	}
	return nil
}

// User returns the config entry for the given username, if present.
func (c *Config) User(username string) (UserConfig, bool) {
	for _, user := range c.Users {
		if user.Username == username {
			return user, true
		}
	}
	return UserConfig{}, false
}

// ProviderNames lists the configured LLM providers in no particular order.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Global.LLMs))
	for name := range c.Global.LLMs {
		names = append(names, name)
	}
	return names
}
