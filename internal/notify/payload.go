package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"reminders/internal/reminder"
)

// Payload is what a sender gets for one due reminder.
type Payload struct {
	ReminderID  string
	EntityType  string
	EntityID    string
	EventType   string
	Channel     string
	Recipients  []string
	Metadata    map[string]any
	ScheduledAt time.Time
	Attempt     int
}

func NewPayload(j *reminder.Job, now time.Time) Payload {
	p := Payload{
		ReminderID:  j.ID,
		EntityType:  j.EntityType,
		EntityID:    j.EntityID,
		EventType:   j.EventType,
		Channel:     j.Channel,
		Recipients:  append([]string(nil), j.Recipients...),
		ScheduledAt: now,
		Attempt:     j.RunCount + 1,
	}
	if len(j.Metadata) > 0 {
		_ = json.Unmarshal(j.Metadata, &p.Metadata)
	}
	return p
}

var titler = cases.Title(language.English)

// EventTitle turns "feedback_form" into "Feedback Form".
func (p Payload) EventTitle() string {
	return titler.String(strings.ReplaceAll(p.EventType, "_", " "))
}

func (p Payload) Subject() string {
	return "Reminder: " + p.EventTitle()
}

// Text is the plain-text body shared by the chat-style transports.
func (p Payload) Text() string {
	return fmt.Sprintf("%s\n%s: %s", p.Subject(), p.EntityType, p.EntityID)
}
