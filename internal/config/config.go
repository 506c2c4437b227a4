// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量与 YAML 映射:
//
//	`env:"VAR_NAME" default:"value" min:"0" yaml:"name"`
//
// 优先级: 默认值 < YAML 文件 < 显式设置的环境变量。
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/multi-agent/agent-relay/pkg/errors"
	"github.com/multi-agent/agent-relay/pkg/util"
)

// AgentConfig 编码 agent 可执行文件与单次调用参数。
type AgentConfig struct {
	Binary        string `env:"AGENT_BINARY" yaml:"binary"`
	ExtraPaths    string `env:"AGENT_EXTRA_PATHS" yaml:"extra_paths"` // 以系统路径分隔符分隔
	MaxTurns      int    `env:"AGENT_MAX_TURNS" default:"30" min:"1" yaml:"max_turns"`
	WorkDir       string `env:"AGENT_WORKDIR" yaml:"workdir"`
	CommandPrefix string `env:"AGENT_COMMAND_PREFIX" default:"/claude" yaml:"command_prefix"`
	MaxOutputMB   int    `env:"AGENT_MAX_OUTPUT_MB" default:"32" min:"1" yaml:"max_output_mb"`
}

// TelegramConfig 聊天通道。
type TelegramConfig struct {
	Token          string        `env:"TG_BOT_TOKEN" yaml:"token"`
	ChatID         int64         `env:"TG_CHAT_ID" yaml:"chat_id"`
	APIServer      string        `env:"TG_API_SERVER" yaml:"api_server"`
	PollInterval   time.Duration `env:"TG_POLL_INTERVAL" default:"3s" yaml:"poll_interval"`
	EditInterval   time.Duration `env:"TG_EDIT_INTERVAL" default:"2s" yaml:"edit_interval"`
	RequestTimeout time.Duration `env:"TG_REQUEST_TIMEOUT" default:"10s" yaml:"request_timeout"`
	AutoConnect    bool          `env:"TG_AUTO_CONNECT" default:"true" yaml:"auto_connect"`
}

// LLMConfig 推理后端 (OpenAI 兼容)。
type LLMConfig struct {
	Model       string        `env:"LLM_MODEL" default:"gpt-4o" yaml:"model"`
	Temperature float64       `env:"LLM_TEMPERATURE" default:"0.7" min:"0" yaml:"temperature"`
	APIKey      string        `env:"OPENAI_API_KEY" yaml:"api_key"`
	BaseURL     string        `env:"OPENAI_BASE_URL" yaml:"base_url"`
	Timeout     time.Duration `env:"LLM_TIMEOUT" default:"120s" yaml:"timeout"`
	MaxRetries  int           `env:"LLM_MAX_RETRIES" default:"2" min:"0" yaml:"max_retries"`
}

// OrchestratorConfig 编排循环。
type OrchestratorConfig struct {
	MaxRounds    int    `env:"ORCH_MAX_ROUNDS" default:"5" min:"1" yaml:"max_rounds"`
	HistoryLimit int    `env:"ORCH_HISTORY_LIMIT" default:"20" min:"2" yaml:"history_limit"`
	SystemPrompt string `env:"ORCH_SYSTEM_PROMPT" yaml:"system_prompt"`
}

// StorageConfig 续接 token 与运行记录存储。
type StorageConfig struct {
	StateFile       string `env:"RELAY_STATE_FILE" default:".relay/state.json" yaml:"state_file"`
	PostgresConnStr string `env:"POSTGRES_CONNECTION_STRING" yaml:"postgres_dsn"`
	PostgresSchema  string `env:"POSTGRES_SCHEMA" default:"public" yaml:"postgres_schema"`
	PoolMinSize     int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1" yaml:"pool_min_size"`
	PoolMaxSize     int    `env:"POSTGRES_POOL_MAX_SIZE" default:"5" min:"1" yaml:"pool_max_size"`
	PoolTimeoutSec  int    `env:"POSTGRES_POOL_TIMEOUT_SEC" default:"10" min:"1" yaml:"pool_timeout_sec"`
}

// ServerConfig 宿主 UI 接口。
type ServerConfig struct {
	Listen string `env:"RELAY_LISTEN" default:"127.0.0.1:8787" yaml:"listen"`
}

// LogConfig 日志。
type LogConfig struct {
	Level string `env:"LOG_LEVEL" default:"info" yaml:"level"`
	Env   string `env:"LOG_ENV" default:"production" yaml:"env"`
	Dir   string `env:"LOG_DIR" yaml:"dir"`
}

// Config 应用全局配置。
type Config struct {
	Agent        AgentConfig        `yaml:"agent"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	LLM          LLMConfig          `yaml:"llm"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Storage      StorageConfig      `yaml:"storage"`
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
}

// EnvConfigPath 未传 --config 时读取的配置文件路径变量。
const EnvConfigPath = "RELAY_CONFIG"

// Load 加载配置: 默认值 → YAML (path 为空时取 RELAY_CONFIG) → 显式环境变量。
//
// path 与 RELAY_CONFIG 都为空时只用默认值 + 环境变量。文件不存在视为错误。
func Load(path string) (*Config, error) {
	var cfg Config
	util.LoadFromEnv(&cfg)

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrapf(err, "config.Load", "read %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "config.Load", "parse %s: %v", path, err)
		}
		util.OverlayEnv(&cfg)
	}

	cfg.normalize()
	return &cfg, nil
}

// normalize 校正 YAML 可能写入的越界值。
func (c *Config) normalize() {
	if c.Agent.MaxTurns < 1 {
		c.Agent.MaxTurns = 30
	}
	if c.Agent.MaxOutputMB < 1 {
		c.Agent.MaxOutputMB = 32
	}
	if c.Agent.CommandPrefix == "" {
		c.Agent.CommandPrefix = "/claude"
	}
	if c.Telegram.PollInterval <= 0 {
		c.Telegram.PollInterval = 3 * time.Second
	}
	if c.Telegram.EditInterval <= 0 {
		c.Telegram.EditInterval = 2 * time.Second
	}
	if c.Telegram.RequestTimeout <= 0 {
		c.Telegram.RequestTimeout = 10 * time.Second
	}
	c.Orchestrator.MaxRounds = util.ClampInt(c.Orchestrator.MaxRounds, 1, 50)
	if c.Orchestrator.HistoryLimit < 2 {
		c.Orchestrator.HistoryLimit = 20
	}
	if c.Agent.WorkDir != "" {
		c.Agent.WorkDir = expandHome(c.Agent.WorkDir)
	}
	c.Storage.StateFile = expandHome(c.Storage.StateFile)
}

// ExtraAgentPaths 拆分 Agent.ExtraPaths。
func (c *Config) ExtraAgentPaths() []string {
	var out []string
	for _, p := range filepath.SplitList(c.Agent.ExtraPaths) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, expandHome(p))
		}
	}
	return out
}

// TelegramConfigured token 与 chat id 均已配置。
func (c *Config) TelegramConfigured() bool {
	return c.Telegram.Token != "" && c.Telegram.ChatID != 0
}

// ReasoningConfigured 推理后端可用 (有 key 或自定义 base url)。
func (c *Config) ReasoningConfigured() bool {
	return c.LLM.APIKey != "" || c.LLM.BaseURL != ""
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
