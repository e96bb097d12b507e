package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	httpclient "tradecore/pkg/http"
)

// TelegramChannel sends notifications through the Telegram bot API.
type TelegramChannel struct {
	botToken string
	chatID   string
	client   *httpclient.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return newTelegramChannel("https://api.telegram.org", botToken, chatID)
}

func newTelegramChannel(baseURL, botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		client:   httpclient.NewClient(baseURL, 5*time.Second, nil),
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Send(ctx context.Context, note Notification) error {
	icon := "ℹ️"
	switch note.Level {
	case LevelWarning:
		icon = "⚠️"
	case LevelError:
		icon = "❌"
	case LevelCritical:
		icon = "🚨"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s] %s*\n\n%s", icon, note.Level, note.Title, note.Message)
	if len(note.Fields) > 0 {
		b.WriteString("\n")
		for k, v := range note.Fields {
			fmt.Fprintf(&b, "\n- *%s*: %s", k, v)
		}
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       b.String(),
		"parse_mode": "Markdown",
	}
	path := fmt.Sprintf("/bot%s/sendMessage", t.botToken)
	if _, err := t.client.Post(ctx, path, payload); err != nil {
		return fmt.Errorf("telegram api: %w", err)
	}
	return nil
}
