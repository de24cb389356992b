package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"github.com/zulandar/shopkeep/internal/models"
)

// SlackSender posts to a Slack incoming webhook URL.
type SlackSender struct {
	// post is replaced in tests.
	post func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

// Send implements Sender.
func (s *SlackSender) Send(ctx context.Context, ch models.NotificationChannel, ev Event, _ []byte) error {
	post := s.post
	if post == nil {
		post = slack.PostWebhookContext
	}
	if err := post(ctx, ch.Target, slackMessage(ev)); err != nil {
		return fmt.Errorf("notify: slack: %w", err)
	}
	return nil
}

// slackMessage renders ev as a single colored attachment.
func slackMessage(ev Event) *slack.WebhookMessage {
	att := slack.Attachment{
		Color:    kindColor(ev.Kind),
		Title:    title(ev),
		Text:     ev.Message,
		Fallback: title(ev) + ": " + ev.Message,
	}
	for _, f := range sortedFields(ev) {
		att.Fields = append(att.Fields, slack.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: true,
		})
	}
	return &slack.WebhookMessage{
		Text:        fmt.Sprintf("[%s] %s", ev.Kind, title(ev)),
		Attachments: []slack.Attachment{att},
	}
}
