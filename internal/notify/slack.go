package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

type SlackConfig struct {
	WebhookURL     string
	BotToken       string
	DefaultChannel string
}

// SlackSender posts through an incoming webhook when one is configured,
// otherwise through the Web API to each recipient channel.
type SlackSender struct {
	webhookURL     string
	defaultChannel string
	client         *slack.Client
}

func NewSlackSender(cfg SlackConfig, opts ...slack.Option) *SlackSender {
	s := &SlackSender{webhookURL: cfg.WebhookURL, defaultChannel: cfg.DefaultChannel}
	if cfg.BotToken != "" {
		s.client = slack.New(cfg.BotToken, opts...)
	}
	return s
}

func (s *SlackSender) Send(ctx context.Context, p Payload) error {
	text := p.Text()
	if s.webhookURL != "" {
		if err := slack.PostWebhookContext(ctx, s.webhookURL, &slack.WebhookMessage{Text: text}); err != nil {
			return fmt.Errorf("slack: post webhook: %w", err)
		}
		return nil
	}
	if s.client == nil {
		return fmt.Errorf("slack: neither webhook url nor bot token configured")
	}

	channels := recipients(p, "slack_channel")
	if len(channels) == 0 && s.defaultChannel != "" {
		channels = []string{s.defaultChannel}
	}
	if len(channels) == 0 {
		return ErrNoRecipients
	}
	for i, ch := range channels {
		if _, _, err := s.client.PostMessageContext(ctx, ch, slack.MsgOptionText(text, false)); err != nil {
			return partial(channels, i, fmt.Errorf("slack: post message to %s: %w", ch, err))
		}
	}
	return nil
}
