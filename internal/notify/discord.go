package notify

import (
	"context"
	"net/http"
)

// Embed colours per severity.
var discordColors = map[Severity]int{
	SeverityInfo:     0x3498db,
	SeverityWarn:     0xf1c40f,
	SeverityCritical: 0xe74c3c,
}

// DiscordSender posts alerts as embeds to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, client: defaultHTTPClient()}
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Send posts a as one embed. Discord answers 204 on success.
func (d *DiscordSender) Send(ctx context.Context, a Alert) error {
	embed := discordEmbed{
		Title:       a.Title,
		Description: a.Body,
		Color:       discordColors[a.Severity],
	}
	if a.Obligor != "" {
		embed.Fields = append(embed.Fields, discordField{Name: "Obligor", Value: a.Obligor})
	}
	return postJSON(ctx, d.client, d.Name(), d.webhookURL, map[string]any{
		"embeds": []discordEmbed{embed},
	})
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string { return "discord" }
