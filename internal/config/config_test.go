// config_test.go — 配置加载默认值 + YAML + 环境变量覆盖测试。
package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/multi-agent/agent-relay/pkg/errors"
)

func clearEnv(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		if v, ok := os.LookupEnv(n); ok {
			os.Unsetenv(n)
			t.Cleanup(func() { os.Setenv(n, v) })
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, EnvConfigPath, "LLM_MODEL", "AGENT_MAX_TURNS", "TG_POLL_INTERVAL",
		"TG_EDIT_INTERVAL", "ORCH_MAX_ROUNDS", "ORCH_HISTORY_LIMIT", "AGENT_COMMAND_PREFIX", "LOG_LEVEL")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"MaxTurns", cfg.Agent.MaxTurns, 30},
		{"CommandPrefix", cfg.Agent.CommandPrefix, "/claude"},
		{"MaxOutputMB", cfg.Agent.MaxOutputMB, 32},
		{"PollInterval", cfg.Telegram.PollInterval, 3 * time.Second},
		{"EditInterval", cfg.Telegram.EditInterval, 2 * time.Second},
		{"RequestTimeout", cfg.Telegram.RequestTimeout, 10 * time.Second},
		{"LLMModel", cfg.LLM.Model, "gpt-4o"},
		{"LLMTimeout", cfg.LLM.Timeout, 120 * time.Second},
		{"MaxRounds", cfg.Orchestrator.MaxRounds, 5},
		{"HistoryLimit", cfg.Orchestrator.HistoryLimit, 20},
		{"PostgresSchema", cfg.Storage.PostgresSchema, "public"},
		{"Listen", cfg.Server.Listen, "127.0.0.1:8787"},
		{"LogLevel", cfg.Log.Level, "info"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestLoadEnvOverride(t *testing.T) {
	clearEnv(t, EnvConfigPath)
	t.Setenv("LLM_MODEL", "claude-3")
	t.Setenv("AGENT_MAX_TURNS", "12")
	t.Setenv("TG_CHAT_ID", "-1001234")
	t.Setenv("TG_EDIT_INTERVAL", "1500ms")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Model != "claude-3" {
		t.Errorf("LLM.Model = %q", cfg.LLM.Model)
	}
	if cfg.Agent.MaxTurns != 12 {
		t.Errorf("Agent.MaxTurns = %d", cfg.Agent.MaxTurns)
	}
	if cfg.Telegram.ChatID != -1001234 {
		t.Errorf("Telegram.ChatID = %d", cfg.Telegram.ChatID)
	}
	if cfg.Telegram.EditInterval != 1500*time.Millisecond {
		t.Errorf("Telegram.EditInterval = %v", cfg.Telegram.EditInterval)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	clearEnv(t, EnvConfigPath, "AGENT_MAX_TURNS", "ORCH_MAX_ROUNDS")
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	yml := `
agent:
  max_turns: 50
  command_prefix: /agent
telegram:
  chat_id: 42
  poll_interval: 5s
orchestrator:
  max_rounds: 3
llm:
  model: from-yaml
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LLM_MODEL", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxTurns != 50 {
		t.Errorf("MaxTurns = %d, want yaml value 50", cfg.Agent.MaxTurns)
	}
	if cfg.Agent.CommandPrefix != "/agent" {
		t.Errorf("CommandPrefix = %q", cfg.Agent.CommandPrefix)
	}
	if cfg.Telegram.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v", cfg.Telegram.PollInterval)
	}
	if cfg.Orchestrator.MaxRounds != 3 {
		t.Errorf("MaxRounds = %d", cfg.Orchestrator.MaxRounds)
	}
	if cfg.LLM.Model != "from-env" {
		t.Errorf("LLM.Model = %q, explicit env must win over yaml", cfg.LLM.Model)
	}
	// 未在 YAML 中出现的字段保持默认值
	if cfg.Telegram.EditInterval != 2*time.Second {
		t.Errorf("EditInterval = %v, want default", cfg.Telegram.EditInterval)
	}
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listen: 0.0.0.0:9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	clearEnv(t, "RELAY_LISTEN")
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen != "0.0.0.0:9000" {
		t.Errorf("Listen = %q", cfg.Server.Listen)
	}
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t, EnvConfigPath)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("agent: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(bad)
	if !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("bad yaml err = %v, want ErrInvalidInput", err)
	}
}

func TestNormalizeAndHelpers(t *testing.T) {
	cfg := &Config{}
	cfg.Agent.ExtraPaths = "/opt/a" + string(os.PathListSeparator) + " " + string(os.PathListSeparator) + "/opt/b"
	cfg.Orchestrator.MaxRounds = 500
	cfg.normalize()

	if cfg.Agent.MaxTurns != 30 || cfg.Orchestrator.MaxRounds != 50 || cfg.Orchestrator.HistoryLimit != 20 {
		t.Errorf("normalize: %+v / %+v", cfg.Agent, cfg.Orchestrator)
	}
	if got := cfg.ExtraAgentPaths(); len(got) != 2 || got[0] != "/opt/a" || got[1] != "/opt/b" {
		t.Errorf("ExtraAgentPaths = %v", got)
	}
	if cfg.TelegramConfigured() {
		t.Error("TelegramConfigured should be false without token")
	}
	cfg.Telegram.Token, cfg.Telegram.ChatID = "t", 1
	if !cfg.TelegramConfigured() {
		t.Error("TelegramConfigured should be true")
	}
	if cfg.ReasoningConfigured() {
		t.Error("ReasoningConfigured should be false without key/base url")
	}
}
