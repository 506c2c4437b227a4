package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	ta "github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	apperrors "github.com/multi-agent/agent-relay/pkg/errors"
)

// Transport 桥接用到的 Bot API 子集。
//
// 实现方负责错误归类: 凭据/会话不可达 → ErrTransportAuth,
// 限流 → ErrTransportRateLimited, 编辑目标不存在 → ErrTransportEditConflict。
// "message is not modified" 视为成功。
type Transport interface {
	GetMe(ctx context.Context) (User, error)
	GetChat(ctx context.Context, chatID int64) error
	GetUpdates(ctx context.Context, offset int) ([]Update, error)
	SendMessage(ctx context.Context, msg OutMessage) (int, error)
	EditMessageText(ctx context.Context, chatID int64, messageID int, text, parseMode string) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
}

// TransportFactory 由 token 构造 Transport。
type TransportFactory func(token string) (Transport, error)

// User bot 身份。
type User struct {
	ID       int64
	Username string
}

// Update 一条入站消息 (非文本消息的 Text 为空)。
type Update struct {
	UpdateID  int
	MessageID int
	ChatID    int64
	FromID    int64
	FromName  string
	Text      string
}

// OutMessage 出站消息。
type OutMessage struct {
	ChatID    int64
	Text      string
	ParseMode string // "" 或 telego.ModeHTML
	ReplyTo   int    // 0 表示不引用
}

// telegoTransport 基于 telego 的实现。
type telegoTransport struct {
	bot *telego.Bot
}

// NewTelegoFactory 返回使用 telego 的 TransportFactory。apiServer 为空时使用官方地址。
func NewTelegoFactory(apiServer string, timeout time.Duration) TransportFactory {
	return func(token string) (Transport, error) {
		return newTelegoTransport(token, apiServer, &http.Client{Timeout: timeout})
	}
}

func newTelegoTransport(token, apiServer string, client *http.Client) (*telegoTransport, error) {
	opts := []telego.BotOption{
		telego.WithHTTPClient(client),
		telego.WithDiscardLogger(),
	}
	if apiServer != "" {
		opts = append(opts, telego.WithAPIServer(strings.TrimRight(apiServer, "/")))
	}
	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransportAuth, "telegram.NewBot", err.Error())
	}
	return &telegoTransport{bot: bot}, nil
}

func (t *telegoTransport) GetMe(ctx context.Context) (User, error) {
	me, err := t.bot.GetMe(ctx)
	if err != nil {
		return User{}, classifyError("getMe", err)
	}
	return User{ID: me.ID, Username: me.Username}, nil
}

func (t *telegoTransport) GetChat(ctx context.Context, chatID int64) error {
	if _, err := t.bot.GetChat(ctx, &telego.GetChatParams{ChatID: tu.ID(chatID)}); err != nil {
		return classifyError("getChat", err)
	}
	return nil
}

func (t *telegoTransport) GetUpdates(ctx context.Context, offset int) ([]Update, error) {
	raw, err := t.bot.GetUpdates(ctx, &telego.GetUpdatesParams{
		Offset:         offset,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return nil, classifyError("getUpdates", err)
	}
	out := make([]Update, 0, len(raw))
	for _, u := range raw {
		upd := Update{UpdateID: u.UpdateID}
		if m := u.Message; m != nil {
			upd.MessageID = m.MessageID
			upd.ChatID = m.Chat.ID
			upd.Text = m.Text
			if m.From != nil {
				upd.FromID = m.From.ID
				upd.FromName = m.From.Username
				if upd.FromName == "" {
					upd.FromName = m.From.FirstName
				}
			}
		}
		out = append(out, upd)
	}
	return out, nil
}

func (t *telegoTransport) SendMessage(ctx context.Context, msg OutMessage) (int, error) {
	params := &telego.SendMessageParams{
		ChatID:    tu.ID(msg.ChatID),
		Text:      msg.Text,
		ParseMode: msg.ParseMode,
	}
	if msg.ReplyTo != 0 {
		params.ReplyParameters = &telego.ReplyParameters{
			MessageID:                msg.ReplyTo,
			AllowSendingWithoutReply: true,
		}
	}
	sent, err := t.bot.SendMessage(ctx, params)
	if err != nil {
		return 0, classifyError("sendMessage", err)
	}
	return sent.MessageID, nil
}

func (t *telegoTransport) EditMessageText(ctx context.Context, chatID int64, messageID int, text, parseMode string) error {
	_, err := t.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Text:      text,
		ParseMode: parseMode,
	})
	if err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return classifyError("editMessageText", err)
	}
	return nil
}

func (t *telegoTransport) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	if err := t.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
	}); err != nil {
		return classifyError("deleteMessage", err)
	}
	return nil
}

// classifyError 把 Bot API 错误归入哨兵错误, 其余原样包装。
func classifyError(method string, err error) error {
	op := "telegram." + method
	code := 0
	var apiErr *ta.Error
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case code == 429 || strings.Contains(lower, "too many requests"):
		return apperrors.Wrap(apperrors.ErrTransportRateLimited, op, msg)
	case code == 401 || code == 403 || strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "chat not found") || strings.Contains(lower, "forbidden"):
		return apperrors.Wrap(apperrors.ErrTransportAuth, op, msg)
	case strings.Contains(lower, "message to edit not found") ||
		strings.Contains(lower, "message can't be edited") ||
		strings.Contains(lower, "message to delete not found"):
		return apperrors.Wrap(apperrors.ErrTransportEditConflict, op, msg)
	}
	return apperrors.Wrap(err, op, "bot api call failed")
}
