package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender delivers alerts through the Telegram Bot API.
type TelegramSender struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{baseURL: telegramAPI, token: token, chatID: chatID, client: defaultHTTPClient()}
}

var severityIcon = map[Severity]string{
	SeverityInfo:     "ℹ️",
	SeverityWarn:     "⚠️",
	SeverityCritical: "🚨",
}

// Send posts a to the chat using HTML formatting; user text is escaped.
func (t *TelegramSender) Send(ctx context.Context, a Alert) error {
	text := fmt.Sprintf("%s <b>%s</b>\n%s", severityIcon[a.Severity], html.EscapeString(a.Title), html.EscapeString(a.Body))
	if a.Obligor != "" {
		text += fmt.Sprintf("\n<code>%s</code>", html.EscapeString(a.Obligor))
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	return postJSON(ctx, t.client, t.Name(), url, map[string]any{
		"chat_id":                  t.chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string { return "telegram" }
