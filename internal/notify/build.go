package notify

import (
	"github.com/rs/zerolog"

	"reminders/internal/config"
)

const (
	ChannelEmail    = "email"
	ChannelSlack    = "slack"
	ChannelSMS      = "sms"
	ChannelTelegram = "telegram"
)

// BuildSenders turns transport settings into the channel table for
// Dispatcher.Apply. In dry-run mode every channel logs instead of sending.
// Channels without credentials are left out, so reminders on them fail
// dispatch and record the error.
func BuildSenders(t config.Transports, log zerolog.Logger) map[string]Sender {
	out := map[string]Sender{}
	if t.DryRun {
		dry := LogSender{Log: log.With().Str("comp", "dry-run").Logger()}
		for _, ch := range []string{ChannelEmail, ChannelSlack, ChannelSMS, ChannelTelegram} {
			out[ch] = dry
		}
		return out
	}

	if t.Email.Host != "" && t.Email.FromEmail != "" {
		out[ChannelEmail] = NewEmailSender(EmailConfig{
			Host:      t.Email.Host,
			Port:      t.Email.Port,
			Username:  t.Email.Username,
			Password:  t.Email.Password,
			FromEmail: t.Email.FromEmail,
			FromName:  t.Email.FromName,
		})
	}
	if t.Slack.WebhookURL != "" || t.Slack.BotToken != "" {
		out[ChannelSlack] = NewSlackSender(SlackConfig{
			WebhookURL:     t.Slack.WebhookURL,
			BotToken:       t.Slack.BotToken,
			DefaultChannel: t.Slack.DefaultChannel,
		})
	}
	if t.SMS.GatewayURL != "" {
		out[ChannelSMS] = NewSMSSender(SMSConfig{
			GatewayURL: t.SMS.GatewayURL,
			Token:      t.SMS.Token,
			From:       t.SMS.From,
		})
	}
	if t.Telegram.BotToken != "" {
		s, err := NewTelegramSender(TelegramConfig{Token: t.Telegram.BotToken})
		if err != nil {
			log.Warn().Err(err).Msg("telegram channel disabled")
		} else {
			out[ChannelTelegram] = s
		}
	}

	for _, ch := range []string{ChannelEmail, ChannelSlack, ChannelSMS, ChannelTelegram} {
		if _, ok := out[ch]; !ok {
			log.Warn().Str("channel", ch).Msg("channel not configured, reminders on it will fail dispatch")
		}
	}
	return out
}
