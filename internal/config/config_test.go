package config

import (
	"strings"
	"testing"
)

const validYAML = `
global:
  llm: mistral
  llms:
    mistral:
      env_var: MISTRAL_API_KEY
      models: [mistral-small-latest, mistral-medium-latest, mistral-large-latest]
    deepseek:
      api: test-key
      base_url: https://api.deepseek.com/v1
      models: [deepseek-chat, deepseek-chat, deepseek-reasoner]
  firebase:
    apiKey: fb-key
    authDomain: example.firebaseapp.com
    projectId: tom-project
    storageBucket: tom.appspot.com
    messagingSenderId: "123"
    appId: "1:123:web:abc"
    vapidkey: vapid
  sessions: /data/sessions
  log_level: INFO
  user_datadir: /data
  all_datadir: /data/all
users:
  - username: alice
    password: 5e884898da28047151d0e56f8dc6292773603d0d6aabbdd62a11ef721d1542d8
    personalContext: Lives in Paris.
    timezone: Europe/Paris
  - username: bob
    password: 5e884898da28047151d0e56f8dc6292773603d0d6aabbdd62a11ef721d1542d8
`

func TestParseValid(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Global.LLM != "mistral" {
		t.Errorf("default llm = %q, want mistral", cfg.Global.LLM)
	}
	if len(cfg.Global.LLMs["mistral"].Models) != 3 {
		t.Errorf("mistral models = %d, want 3", len(cfg.Global.LLMs["mistral"].Models))
	}
	if cfg.Global.Firebase.ProjectID != "tom-project" {
		t.Errorf("firebase projectId = %q", cfg.Global.Firebase.ProjectID)
	}

	alice, ok := cfg.User("alice")
	if !ok {
		t.Fatal("alice not found")
	}
	if alice.Timezone != "Europe/Paris" {
		t.Errorf("alice timezone = %q", alice.Timezone)
	}
	if _, ok := cfg.User("mallory"); ok {
		t.Error("unknown user should not resolve")
	}
}

func TestParseRejectsMissingDefaultProvider(t *testing.T) {
	bad := strings.Replace(validYAML, "llm: mistral", "llm: claude", 1)
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatal("expected error for unconfigured default provider")
	}
}

func TestParseRejectsWrongModelCount(t *testing.T) {
	bad := strings.Replace(validYAML,
		"models: [mistral-small-latest, mistral-medium-latest, mistral-large-latest]",
		"models: [mistral-small-latest]", 1)
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatal("expected error for provider with fewer than 3 model tiers")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	bad := validYAML + "\nbogus_key: true\n"
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestParseRejectsDuplicateUsers(t *testing.T) {
	bad := validYAML + `
  - username: alice
    password: deadbeef
`
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatal("expected error for duplicate username")
	}
}

func TestParseRejectsNonURLSafeUsername(t *testing.T) {
	bad := strings.Replace(validYAML, "username: bob", "username: bob smith", 1)
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatal("expected error for username with spaces")
	}
}
