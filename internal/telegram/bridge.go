// Package telegram 提供聊天桥接: 轮询入站消息并分派, 发送命令/回复/状态,
// 以节流编辑的方式维护一条实时进度消息。
//
// 状态机: disabled → verifying → enabled → disabled。
package telegram

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	"github.com/panjf2000/ants/v2"

	"github.com/multi-agent/agent-relay/internal/config"
	apperrors "github.com/multi-agent/agent-relay/pkg/errors"
	"github.com/multi-agent/agent-relay/pkg/logger"
	"github.com/multi-agent/agent-relay/pkg/util"
)

// State 桥接状态。
type State string

const (
	StateDisabled  State = "disabled"
	StateVerifying State = "verifying"
	StateEnabled   State = "enabled"
)

const defaultWorkers = 4

// Inbound 分派给处理器的入站消息。
type Inbound struct {
	Text      string // 已去掉命令前缀
	MessageID int
	ChatID    int64
	FromID    int64
	FromName  string
}

// Handlers 入站回调。OnChat 为 nil 时普通对话被丢弃。
type Handlers struct {
	OnCommand func(ctx context.Context, msg Inbound)
	OnChat    func(ctx context.Context, msg Inbound)
}

// Info 桥接状态快照。
type Info struct {
	State       State  `json:"state"`
	ChatID      int64  `json:"chat_id,omitempty"`
	BotUsername string `json:"bot_username,omitempty"`
	Polling     bool   `json:"polling"`
	Cursor      int    `json:"cursor"`
}

// Bridge Telegram 桥接器。并发安全。
type Bridge struct {
	cfg     config.TelegramConfig
	prefix  string
	factory TransportFactory
	now     func() time.Time
	history *History

	mu       sync.Mutex
	state    State
	tr       Transport
	chatID   int64
	self     User
	handlers Handlers
	cancel   context.CancelFunc
	done     chan struct{}
	pool     *ants.Pool
	replyTo  int

	// pollMu 串行化拉取周期, 游标只在持锁时推进。
	pollMu sync.Mutex
	cursor int

	// sendMu 保证多段消息连续发出。
	sendMu sync.Mutex

	// progMu 串行化实时进度消息的创建/编辑/删除。
	progMu     sync.Mutex
	progressID int
	lastEdit   time.Time
	lastText   string
}

// NewBridge 创建桥接器 (初始 disabled)。factory 为 nil 时使用 telego。
func NewBridge(cfg config.TelegramConfig, commandPrefix string, factory TransportFactory) *Bridge {
	if factory == nil {
		factory = NewTelegoFactory(cfg.APIServer, cfg.RequestTimeout)
	}
	return &Bridge{
		cfg:     cfg,
		prefix:  commandPrefix,
		factory: factory,
		now:     time.Now,
		history: NewHistory(),
		state:   StateDisabled,
	}
}

// History 聊天历史 (最近 200 条)。
func (b *Bridge) History() *History { return b.history }

// Enabled 是否处于 enabled 状态。
func (b *Bridge) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateEnabled
}

// Info 返回状态快照。
func (b *Bridge) Info() Info {
	b.mu.Lock()
	info := Info{
		State:       b.state,
		ChatID:      b.chatID,
		BotUsername: b.self.Username,
		Polling:     b.cancel != nil,
	}
	b.mu.Unlock()
	b.pollMu.Lock()
	info.Cursor = b.cursor
	b.pollMu.Unlock()
	return info
}

// Init 校验凭据 (getMe) 与目标会话可达 (getChat), 成功后进入 enabled。
// token/chatID 为零值时使用配置值。失败回到 disabled 并返回 ErrTransportAuth 等。
func (b *Bridge) Init(ctx context.Context, token string, chatID int64) error {
	const op = "telegram.Init"
	token = util.FirstNonEmpty(token, b.cfg.Token)
	if chatID == 0 {
		chatID = b.cfg.ChatID
	}
	if token == "" || chatID == 0 {
		return apperrors.Wrap(apperrors.ErrInvalidInput, op, "token and chat id are required")
	}

	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrBusy, op, "bridge is polling, disconnect first")
	}
	b.state = StateVerifying
	b.mu.Unlock()

	tr, self, err := b.verify(ctx, token, chatID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.state = StateDisabled
		logger.Warn("telegram: verify failed", logger.FieldChatID, chatID, logger.FieldError, err)
		return err
	}
	b.tr = tr
	b.self = self
	b.chatID = chatID
	b.state = StateEnabled
	logger.Info("telegram: bridge enabled", logger.FieldChatID, chatID, logger.FieldUser, self.Username)
	return nil
}

func (b *Bridge) verify(ctx context.Context, token string, chatID int64) (Transport, User, error) {
	tr, err := b.factory(token)
	if err != nil {
		return nil, User{}, err
	}
	vctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()

	self, err := tr.GetMe(vctx)
	if err != nil {
		return nil, User{}, apperrors.Wrap(err, "telegram.verify", "getMe")
	}
	if err := tr.GetChat(vctx, chatID); err != nil {
		return nil, User{}, apperrors.Wrap(err, "telegram.verify", "getChat "+strconv.FormatInt(chatID, 10))
	}
	return tr, self, nil
}

// SetHandlers 替换入站回调。
func (b *Bridge) SetHandlers(h Handlers) {
	b.mu.Lock()
	b.handlers = h
	b.mu.Unlock()
}

// StartPolling 先做一次补拉 (连接前已到达的消息), 再按固定间隔轮询。
func (b *Bridge) StartPolling(ctx context.Context, h Handlers) error {
	const op = "telegram.StartPolling"
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateEnabled {
		return apperrors.Wrap(apperrors.ErrBridgeDisabled, op, "bridge not enabled")
	}
	if b.cancel != nil {
		return nil
	}
	pool, err := ants.NewPool(defaultWorkers, ants.WithNonblocking(true))
	if err != nil {
		return apperrors.Wrap(err, op, "create handler pool")
	}

	pctx, cancel := context.WithCancel(ctx)
	b.handlers = h
	b.pool = pool
	b.cancel = cancel
	b.done = make(chan struct{})
	done := b.done

	util.SafeGo("telegram.poll", func() {
		defer close(done)
		b.pollLoop(pctx)
	})
	logger.Info("telegram: polling started", logger.FieldChatID, b.chatID)
	return nil
}

// Connect Init 后立即开始轮询, 使用 SetHandlers 设置的回调。
// ctx 决定轮询生命周期, 不要传入请求级 context。
func (b *Bridge) Connect(ctx context.Context, token string, chatID int64) error {
	if err := b.Init(ctx, token, chatID); err != nil {
		return err
	}
	b.mu.Lock()
	h := b.handlers
	b.mu.Unlock()
	return b.StartPolling(ctx, h)
}

func (b *Bridge) pollLoop(ctx context.Context) {
	b.PollOnce(ctx)

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.PollOnce(ctx)
		}
	}
}

// PollOnce 拉取一次并分派。游标 = 已见最大 update id + 1, 每个 update 至多分派一次。
// 网络错误只记录日志。
func (b *Bridge) PollOnce(ctx context.Context) {
	b.mu.Lock()
	tr := b.tr
	enabled := b.state == StateEnabled
	b.mu.Unlock()
	if !enabled || tr == nil {
		return
	}

	b.pollMu.Lock()
	defer b.pollMu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	updates, err := tr.GetUpdates(rctx, b.cursor)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("telegram: getUpdates failed", logger.FieldError, err)
		}
		return
	}

	floor := b.cursor
	for _, u := range updates {
		if u.UpdateID < floor {
			continue
		}
		if u.UpdateID+1 > b.cursor {
			b.cursor = u.UpdateID + 1
		}
		b.dispatch(ctx, u)
	}
}

// dispatch 鉴权 + 分类后交给处理器池。
func (b *Bridge) dispatch(ctx context.Context, u Update) {
	b.mu.Lock()
	selfID := b.self.ID
	chatID := b.chatID
	h := b.handlers
	pool := b.pool
	b.mu.Unlock()

	if !isAuthorized(u.ChatID, chatID) {
		logger.Debug("telegram: update from unauthorized chat ignored",
			logger.FieldUpdateID, u.UpdateID, logger.FieldChatID, u.ChatID)
		return
	}
	kind, payload := classifyMessage(u.Text, u.FromID, selfID, b.prefix, h.OnChat != nil)
	logger.Debug("telegram: update classified",
		logger.FieldUpdateID, u.UpdateID, logger.FieldMessageID, u.MessageID, logger.FieldAction, kind.String())

	var fn func(context.Context, Inbound)
	switch kind {
	case KindCommand:
		fn = h.OnCommand
	case KindChat:
		fn = h.OnChat
	}
	if fn == nil {
		return
	}

	b.history.Add("user", u.Text, u.ChatID, u.FromName, kind.String())
	b.mu.Lock()
	b.replyTo = u.MessageID
	b.mu.Unlock()

	msg := Inbound{Text: payload, MessageID: u.MessageID, ChatID: u.ChatID, FromID: u.FromID, FromName: u.FromName}
	task := func() { fn(ctx, msg) }
	if pool == nil {
		task()
		return
	}
	if err := pool.Submit(task); err != nil {
		logger.Warn("telegram: handler pool saturated, message dropped",
			logger.FieldUpdateID, u.UpdateID, logger.FieldError, err)
		b.SendStatus(ctx, "⚠️ Busy, message dropped. Try again shortly.")
	}
}

// Stop 停止轮询并删除实时进度消息, 回到 disabled。
func (b *Bridge) Stop(ctx context.Context) {
	b.mu.Lock()
	cancel, done, pool := b.cancel, b.done, b.pool
	b.cancel, b.done, b.pool = nil, nil, nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if pool != nil {
		pool.Release()
	}
	if err := b.FinishProgress(ctx); err != nil {
		logger.Debug("telegram: delete progress on stop failed", logger.FieldError, err)
	}

	b.mu.Lock()
	b.state = StateDisabled
	b.tr = nil
	b.mu.Unlock()
	logger.Info("telegram: bridge stopped")
}

// ========================================
// 出站
// ========================================

// SendCommand 公告即将执行的命令 (代码块)。
func (b *Bridge) SendCommand(ctx context.Context, command string) error {
	return b.send(ctx, "🛠 <b>Executing</b>\n", "<pre>", "</pre>", escapeHTML(command), "command", command, false)
}

// SendResponse 发送回复或摘要, 第一段引用触发它的入站消息。
func (b *Bridge) SendResponse(ctx context.Context, text string) error {
	return b.send(ctx, "", "", "", escapeHTML(text), "response", text, true)
}

// SendStatus 发送简短状态提示, 错误只记录日志。
func (b *Bridge) SendStatus(ctx context.Context, text string) {
	if err := b.send(ctx, "", "<i>", "</i>", escapeHTML(text), "status", text, false); err != nil {
		logger.Debug("telegram: send status failed", logger.FieldError, err)
	}
}

func (b *Bridge) send(ctx context.Context, header, open, closeTag, body, status, plain string, reply bool) error {
	b.mu.Lock()
	tr, chatID, enabled := b.tr, b.chatID, b.state == StateEnabled
	replyTo := 0
	if reply {
		replyTo = b.replyTo
	}
	b.mu.Unlock()
	if !enabled || tr == nil {
		return apperrors.Wrap(apperrors.ErrBridgeDisabled, "telegram.send", "bridge not enabled")
	}

	chunks := splitForTelegram(body, header, open, closeTag)
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	for i, text := range chunks {
		msg := OutMessage{ChatID: chatID, Text: text, ParseMode: telego.ModeHTML}
		if i == 0 {
			msg.ReplyTo = replyTo
		}
		id, err := tr.SendMessage(ctx, msg)
		if err != nil {
			b.history.Add("bot", plain, chatID, "", "error")
			return err
		}
		logger.Debug("telegram: message sent",
			logger.FieldMessageID, id, logger.FieldLen, len(text), logger.FieldChunks, len(chunks))
	}
	b.history.Add("bot", plain, chatID, "", status)
	return nil
}
