// Package bridge mirrors conversation activity to external notification
// targets. Bridges consume the same push event stream as the reconciler and
// are strictly one-way; nothing they do feeds back into the cache.
package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"chatsync/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMaxMsgLen = 4000

// Telegram forwards peer messages to a Telegram chat, useful as a phone-side
// notification mirror when the client runs on a desktop.
type Telegram struct {
	token     string
	chatID    int64
	parseMode string
	selfID    string

	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	ChatID    int64
	ParseMode string
	SelfID    string // own messages are not mirrored
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	return &Telegram{
		token:     cfg.Token,
		chatID:    cfg.ChatID,
		parseMode: cfg.ParseMode,
		selfID:    cfg.SelfID,
		logger:    cfg.Logger,
	}
}

// Run connects the bot and mirrors events until the stream closes or ctx is
// cancelled.
func (t *Telegram) Run(ctx context.Context, events <-chan domain.Event) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bridge connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			t.mirror(ev)
		}
	}
}

func (t *Telegram) mirror(ev domain.Event) {
	ins, ok := ev.(domain.MessageInserted)
	if !ok {
		return
	}
	m := ins.Message
	if m.SenderID == t.selfID || m.IsDeleted {
		return
	}

	text := m.Content
	switch m.Kind {
	case domain.KindImage:
		text = "[image] " + text
	case domain.KindSystem:
		return
	}
	if text == "" {
		return
	}
	t.send(fmt.Sprintf("%s: %s", m.SenderID, truncate(text, telegramMaxMsgLen)))
}

func (t *Telegram) send(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = t.parseMode

	if _, err := t.bot.Send(msg); err != nil {
		// Parse-mode rejections are content-dependent; plain text usually goes
		// through.
		t.logger.Warn("telegram send failed, retrying as plain text", "err", err)
		msg.ParseMode = ""
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Error("telegram send failed", "err", err)
			return
		}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
