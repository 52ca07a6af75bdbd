package notification

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier posts alerts to a chat through the Bot API.
type TelegramNotifier struct {
	sendURL string
	chatID  string
	client  *http.Client
}

// NewTelegramNotifier creates a notifier for the bot token and target chat.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return newTelegram(telegramAPI, botToken, chatID)
}

func newTelegram(base, botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		sendURL: fmt.Sprintf("%s/bot%s/sendMessage", base, botToken),
		chatID:  chatID,
		client:  httpClient,
	}
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	text := fmt.Sprintf("*\\[%s\\] %s*\n%s",
		alert.Level, markdownEscaper.Replace(alert.Title), markdownEscaper.Replace(alert.Message))
	err := postJSON(ctx, t.client, t.sendURL, telegramMessage{
		ChatID:    t.chatID,
		Text:      "candle\\-engine " + text,
		ParseMode: "MarkdownV2",
	})
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

// markdownEscaper escapes the MarkdownV2 reserved characters.
var markdownEscaper = func() *strings.Replacer {
	var pairs []string
	for _, c := range "_*[]()~`>#+-=|{}.!\\" {
		pairs = append(pairs, string(c), "\\"+string(c))
	}
	return strings.NewReplacer(pairs...)
}()
