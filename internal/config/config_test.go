package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TELEGRAM_BOT_TOKEN", "test-token")
	t.Setenv("OPENROUTER_API_KEY", "test-key")
	t.Setenv("PROVIDER", "openrouter")
	t.Setenv("TRANSPORT", "poll")
}

func expectErrorNaming(t *testing.T, key string) {
	t.Helper()
	_, err := Load("")
	if err == nil {
		t.Fatalf("expected error naming %s", key)
	}
	if !strings.Contains(err.Error(), key) {
		t.Fatalf("expected error naming %s, got: %v", key, err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setupEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if cfg.Model != "anthropic/claude-3-haiku" {
		t.Errorf("unexpected model: %s", cfg.Model)
	}
	if cfg.MaxTokens != 1024 {
		t.Errorf("unexpected max tokens: %d", cfg.MaxTokens)
	}
	if cfg.Temperature != 0.7 {
		t.Errorf("unexpected temperature: %v", cfg.Temperature)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("unexpected timeout: %s", cfg.RequestTimeout)
	}
	if cfg.HistoryMaxLength != 21 || cfg.SessionCapacity != 1000 || cfg.SessionTTL != 24*time.Hour {
		t.Errorf("unexpected session bounds: %+v", cfg)
	}
	if cfg.SweepSchedule != "@every 1h" {
		t.Errorf("unexpected sweep schedule: %s", cfg.SweepSchedule)
	}
	if !cfg.RequireAck || cfg.AckPhrase != "I UNDERSTAND" {
		t.Errorf("unexpected ack settings: %v %q", cfg.RequireAck, cfg.AckPhrase)
	}
	if cfg.ReplyDelay != time.Second {
		t.Errorf("unexpected reply delay: %s", cfg.ReplyDelay)
	}
	if cfg.SystemPrompt != DefaultSystemPrompt {
		t.Error("expected default system prompt")
	}
	if cfg.OpenRouterBaseURL != "https://openrouter.ai/api/v1" {
		t.Errorf("unexpected base url: %s", cfg.OpenRouterBaseURL)
	}
	if cfg.SessionStore != StoreMemory {
		t.Errorf("unexpected store: %s", cfg.SessionStore)
	}
}

func TestLoad_HTTPAddressFromPort(t *testing.T) {
	setupEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("HTTP_ADDRESS", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.HTTPAddress != ":8080" {
		t.Fatalf("unexpected address: %s", cfg.HTTPAddress)
	}

	t.Setenv("HTTP_ADDRESS", "127.0.0.1:9000")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:9000" {
		t.Fatalf("unexpected address: %s", cfg.HTTPAddress)
	}
}

func TestLoad_RequiresTelegramToken(t *testing.T) {
	setupEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	expectErrorNaming(t, "TELEGRAM_BOT_TOKEN")
}

func TestLoad_RequiresProviderKey(t *testing.T) {
	setupEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "")
	expectErrorNaming(t, "OPENROUTER_API_KEY")

	t.Setenv("PROVIDER", "gemini")
	t.Setenv("GEMINI_API_KEY", "")
	expectErrorNaming(t, "GEMINI_API_KEY")
}

func TestLoad_GeminiDefaultModel(t *testing.T) {
	setupEnv(t)
	t.Setenv("PROVIDER", "gemini")
	t.Setenv("GEMINI_API_KEY", "g-key")
	t.Setenv("AI_MODEL", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.Model != "gemini-1.5-flash" {
		t.Fatalf("unexpected model: %s", cfg.Model)
	}
}

func TestLoad_DummyProviderNeedsNoKey(t *testing.T) {
	setupEnv(t)
	t.Setenv("PROVIDER", "dummy")
	t.Setenv("OPENROUTER_API_KEY", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.DummyScript != "echo" {
		t.Fatalf("unexpected dummy script: %s", cfg.DummyScript)
	}
}

func TestLoad_WebhookNeedsURLAndSecret(t *testing.T) {
	setupEnv(t)
	t.Setenv("TRANSPORT", "webhook")
	t.Setenv("WEBHOOK_URL", "")
	t.Setenv("WEBHOOK_SECRET", "")
	expectErrorNaming(t, "WEBHOOK_URL")
	expectErrorNaming(t, "WEBHOOK_SECRET")
}

func TestLoad_RejectsUnknownEnums(t *testing.T) {
	setupEnv(t)
	t.Setenv("TRANSPORT", "carrier-pigeon")
	expectErrorNaming(t, "TRANSPORT")

	setupEnv(t)
	t.Setenv("PROVIDER", "nope")
	expectErrorNaming(t, "PROVIDER")

	setupEnv(t)
	t.Setenv("SESSION_STORE", "disk")
	expectErrorNaming(t, "SESSION_STORE")
}

func TestLoad_ValidatesNumbers(t *testing.T) {
	cases := map[string]string{
		"MAX_TOKENS":         "0",
		"AI_TEMPERATURE":     "2.5",
		"AI_TIMEOUT":         "-1",
		"HISTORY_MAX_LENGTH": "1",
		"SESSION_CAPACITY":   "0",
		"SESSION_TTL":        "forever",
		"TG_TIMEOUT":         "abc",
		"REQUIRE_ACK":        "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setupEnv(t)
			t.Setenv(key, value)
			expectErrorNaming(t, key)
		})
	}
}

func TestLoad_ReadsConfigFile(t *testing.T) {
	setupEnv(t)
	path := filepath.Join(t.TempDir(), "mctrelay.yaml")
	content := "AI_MODEL: openai/gpt-4o-mini\nSESSION_CAPACITY: 50\nREPLY_DELAY: 0s\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SESSION_CAPACITY", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.Model != "openai/gpt-4o-mini" {
		t.Errorf("unexpected model: %s", cfg.Model)
	}
	if cfg.SessionCapacity != 50 {
		t.Errorf("unexpected capacity: %d", cfg.SessionCapacity)
	}
	if cfg.ReplyDelay != 0 {
		t.Errorf("unexpected reply delay: %s", cfg.ReplyDelay)
	}
}

func TestLoad_EnvOverridesConfigFile(t *testing.T) {
	setupEnv(t)
	path := filepath.Join(t.TempDir(), "mctrelay.yaml")
	if err := os.WriteFile(path, []byte("MAX_TOKENS: 100\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MAX_TOKENS", "200")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.MaxTokens != 200 {
		t.Fatalf("expected env to win, got %d", cfg.MaxTokens)
	}
}

func TestLoad_MissingExplicitConfigFile(t *testing.T) {
	setupEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}
