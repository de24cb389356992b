package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/shopkeep/internal/models"
)

// webhookExecutor abstracts the discordgo.Session method we use, enabling
// test mocks.
type webhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordSender executes a Discord webhook. The channel target is the full
// webhook URL (https://discord.com/api/webhooks/<id>/<token>).
type DiscordSender struct {
	exec webhookExecutor
}

// NewDiscordSender creates a DiscordSender. A nil executor uses an
// unauthenticated discordgo session; webhook tokens carry their own auth.
func NewDiscordSender(exec webhookExecutor) *DiscordSender {
	if exec == nil {
		sess, err := discordgo.New("")
		if err == nil {
			exec = sess
		}
	}
	return &DiscordSender{exec: exec}
}

// Send implements Sender.
func (d *DiscordSender) Send(ctx context.Context, ch models.NotificationChannel, ev Event, _ []byte) error {
	if d.exec == nil {
		return fmt.Errorf("notify: discord: no session")
	}
	id, token, err := parseDiscordWebhook(ch.Target)
	if err != nil {
		return err
	}
	params := &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{eventEmbed(ev)},
	}
	if _, err := d.exec.WebhookExecute(id, token, false, params, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("notify: discord: %w", err)
	}
	return nil
}

// parseDiscordWebhook extracts the webhook id and token from a webhook URL.
func parseDiscordWebhook(target string) (id, token string, err error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", "", fmt.Errorf("notify: discord: parse target: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("notify: discord: target %q is not a webhook URL", target)
}

// eventEmbed converts an Event to a Discord embed.
func eventEmbed(ev Event) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       title(ev),
		Description: ev.Message,
		Color:       hexColor(kindColor(ev.Kind)),
		Timestamp:   ev.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	for _, f := range sortedFields(ev) {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: true,
		})
	}
	return embed
}
