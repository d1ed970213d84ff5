package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSender only writes the notification to the log. Used for dry runs and
// for channels without configured credentials.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) Send(_ context.Context, p Payload) error {
	s.Log.Info().
		Str("reminder_id", p.ReminderID).
		Str("channel", p.Channel).
		Strs("to", p.Recipients).
		Str("subject", p.Subject()).
		Str("entity", p.EntityType+":"+p.EntityID).
		Msg("notification (dry run)")
	return nil
}
