package notify

import (
	"context"
	"fmt"
	"strconv"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token string
	// APIURL overrides the Bot API endpoint.
	APIURL string
}

// TelegramSender messages each recipient chat id through the Bot API.
type TelegramSender struct {
	bot *tele.Bot
}

func NewTelegramSender(cfg TelegramConfig) (*TelegramSender, error) {
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: new bot: %w", err)
	}
	return &TelegramSender{bot: b}, nil
}

func (s *TelegramSender) Send(ctx context.Context, p Payload) error {
	chats := recipients(p, "telegram_chat_id")
	if len(chats) == 0 {
		return ErrNoRecipients
	}
	for i, c := range chats {
		id, err := strconv.ParseInt(c, 10, 64)
		if err != nil {
			return fmt.Errorf("telegram: invalid chat id %q", c)
		}
		if err := ctx.Err(); err != nil {
			return partial(chats, i, err)
		}
		if _, err := s.bot.Send(&tele.Chat{ID: id}, p.Text()); err != nil {
			return partial(chats, i, fmt.Errorf("telegram: send to %d: %w", id, err))
		}
	}
	return nil
}
