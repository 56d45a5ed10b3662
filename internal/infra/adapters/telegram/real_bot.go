package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"caregiver-billing/internal/config"
	"caregiver-billing/internal/domain/ports/adapter"
	"caregiver-billing/internal/infra/metrics"
)

var _ adapter.SupportNotifier = (*SupportBot)(nil)

// sender is the part of tgbotapi.BotAPI the notifier needs.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// SupportBot posts billing alerts into the configured support chats.
type SupportBot struct {
	bot     sender
	chatIDs []int64
	log     *zerolog.Logger
}

func NewSupportBot(cfg *config.TelegramConfig, logger *zerolog.Logger) (*SupportBot, error) {
	if cfg == nil || cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	if len(cfg.SupportChatIDs) == 0 {
		return nil, errors.New("telegram support_chat_ids is empty")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, err
	}
	return newSupportBot(bot, cfg.SupportChatIDs, logger), nil
}

func newSupportBot(bot sender, chatIDs []int64, logger *zerolog.Logger) *SupportBot {
	l := logger.With().Str("component", "SupportBot").Logger()
	return &SupportBot{bot: bot, chatIDs: chatIDs, log: &l}
}

// NotifySupport delivers to every support chat and returns the first failure.
func (b *SupportBot) NotifySupport(ctx context.Context, n adapter.Notification) error {
	text := render(n)
	var firstErr error
	for _, id := range b.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(id, text)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true
		if _, err := b.bot.Send(msg); err != nil {
			metrics.IncNotification("telegram", "error")
			b.log.Warn().Err(err).Int64("chat_id", id).Str("type", string(n.Type)).Msg("support alert not delivered")
			if firstErr == nil {
				firstErr = fmt.Errorf("send to chat %d: %w", id, err)
			}
			continue
		}
		metrics.IncNotification("telegram", "sent")
	}
	return firstErr
}

// render formats a notification as Telegram HTML with fields in stable order.
func render(n adapter.Notification) string {
	var sb strings.Builder
	title := n.Title
	if title == "" {
		title = string(n.Type)
	}
	fmt.Fprintf(&sb, "<b>%s</b>\n", html.EscapeString(title))
	if n.Content != "" {
		sb.WriteString(html.EscapeString(n.Content))
		sb.WriteString("\n")
	}
	if n.RelatedEntityID != "" {
		fmt.Fprintf(&sb, "\nref: <code>%s</code>", html.EscapeString(n.RelatedEntityID))
	}
	keys := make([]string, 0, len(n.Fields))
	for k := range n.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n%s: %s", html.EscapeString(k), html.EscapeString(n.Fields[k]))
	}
	return strings.TrimRight(sb.String(), "\n")
}
