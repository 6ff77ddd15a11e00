package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSink sends notifications to one chat.
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// NewTelegramSink authenticates the bot. The chat ID is fixed at construction;
// the single owner receives everything.
func NewTelegramSink(token string, chatID int64, logger *slog.Logger) (*TelegramSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	logger.Info("telegram sink ready", "user", bot.Self.UserName, "chat_id", chatID)
	return &TelegramSink{bot: bot, chatID: chatID, logger: logger}, nil
}

func (t *TelegramSink) Notify(_ context.Context, n Notification) error {
	text := n.Title
	if n.Body != "" {
		text += "\n\n" + n.Body
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Warn("telegram send failed", "kind", string(n.Kind), "error", err)
		return fmt.Errorf("telegram send: %w", err)
	}
	t.logger.Debug("telegram notification sent", "kind", string(n.Kind), "task_id", n.TaskID)
	return nil
}
