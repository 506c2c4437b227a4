package telegram

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/multi-agent/agent-relay/pkg/errors"
	"github.com/multi-agent/agent-relay/pkg/logger"
)

// UpdateProgress 创建或编辑实时进度消息, 返回其 message id。
//
// 距上次编辑不足 EditInterval 时跳过 (返回现有 id), force 跳过节流;
// 文本与上次相同也跳过。编辑失败 (消息被外部删除等) 时新建一条并作为新目标,
// 限流时保留现有消息。
func (b *Bridge) UpdateProgress(ctx context.Context, lines []string, force bool) (int, error) {
	b.mu.Lock()
	tr, chatID, enabled := b.tr, b.chatID, b.state == StateEnabled
	b.mu.Unlock()
	if !enabled || tr == nil {
		return 0, apperrors.Wrap(apperrors.ErrBridgeDisabled, "telegram.UpdateProgress", "bridge not enabled")
	}

	text := strings.Join(lines, "\n")
	if strings.TrimSpace(text) == "" {
		text = "⏳"
	}

	b.progMu.Lock()
	defer b.progMu.Unlock()

	now := b.now()
	if b.progressID != 0 {
		if !force && now.Sub(b.lastEdit) < b.cfg.EditInterval {
			return b.progressID, nil
		}
		if text == b.lastText {
			return b.progressID, nil
		}
		err := tr.EditMessageText(ctx, chatID, b.progressID, text, "")
		if err == nil {
			b.lastEdit = now
			b.lastText = text
			return b.progressID, nil
		}
		if apperrors.Is(err, apperrors.ErrTransportRateLimited) {
			return b.progressID, err
		}
		logger.Debug("telegram: edit progress failed, recreating",
			logger.FieldMessageID, b.progressID, logger.FieldError, err)
		b.progressID = 0
	}

	id, err := tr.SendMessage(ctx, OutMessage{ChatID: chatID, Text: text})
	if err != nil {
		return 0, err
	}
	b.progressID = id
	b.lastEdit = now
	b.lastText = text
	return id, nil
}

// FinishProgress 删除实时进度消息并清除引用。没有实时消息时为空操作。
func (b *Bridge) FinishProgress(ctx context.Context) error {
	b.mu.Lock()
	tr, chatID := b.tr, b.chatID
	b.mu.Unlock()

	b.progMu.Lock()
	defer b.progMu.Unlock()

	id := b.progressID
	b.progressID = 0
	b.lastText = ""
	b.lastEdit = time.Time{}
	if id == 0 || tr == nil {
		return nil
	}
	if err := tr.DeleteMessage(ctx, chatID, id); err != nil && !apperrors.Is(err, apperrors.ErrTransportEditConflict) {
		return err
	}
	return nil
}

// ProgressMessageID 当前实时消息 id, 0 表示没有。
func (b *Bridge) ProgressMessageID() int {
	b.progMu.Lock()
	defer b.progMu.Unlock()
	return b.progressID
}
