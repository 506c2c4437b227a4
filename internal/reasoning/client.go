// Package reasoning 封装 OpenAI 兼容的 chat completion 调用, 供编排循环使用。
package reasoning

import (
	"context"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/multi-agent/agent-relay/internal/config"
	apperrors "github.com/multi-agent/agent-relay/pkg/errors"
	"github.com/multi-agent/agent-relay/pkg/logger"
)

// Role 消息角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 一条对话消息。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Client 推理后端客户端。
type Client struct {
	client      openai.Client
	model       string
	temperature float64
}

// NewClient 按配置创建客户端。BaseURL 为空时使用官方地址。
func NewClient(cfg config.LLMConfig) *Client {
	opts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}
}

// Model 使用的模型名。
func (c *Client) Model() string { return c.model }

// Complete 发送完整对话, 返回助手回复文本。失败包装为 ErrReasoningBackend。
func (c *Client) Complete(ctx context.Context, msgs []Message) (string, error) {
	const op = "reasoning.Complete"
	if len(msgs) == 0 {
		return "", apperrors.Wrap(apperrors.ErrInvalidInput, op, "no messages")
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.model),
		Messages:    convertMessages(msgs),
		Temperature: openai.Float(c.temperature),
	}

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		logger.Warn("reasoning: completion failed",
			logger.FieldModel, c.model, logger.FieldLatencyMS, latency, logger.FieldError, err)
		return "", apperrors.Wrap(apperrors.ErrReasoningBackend, op, err.Error())
	}
	if len(resp.Choices) == 0 {
		return "", apperrors.Wrap(apperrors.ErrReasoningBackend, op, "empty choices")
	}

	logger.Debug("reasoning: completion done",
		logger.FieldModel, c.model, logger.FieldLatencyMS, latency, logger.FieldCount, len(msgs))
	return resp.Choices[0].Message.Content, nil
}

func convertMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
