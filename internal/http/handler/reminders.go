package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"reminders/internal/reminder"
)

type ReminderHandler struct {
	Svc *reminder.Service
}

type reminderDTO struct {
	ID                 string          `json:"id"`
	EntityType         string          `json:"entity_type"`
	EntityID           string          `json:"entity_id"`
	EventType          string          `json:"event_type"`
	Channel            string          `json:"channel"`
	Recipients         []string        `json:"recipients"`
	Metadata           json.RawMessage `json:"metadata"`
	ScheduleType       string          `json:"schedule_type"`
	IntervalMinutes    *int            `json:"interval_minutes"`
	StartTime          *time.Time      `json:"start_time"`
	NextRunAt          *time.Time      `json:"next_run_at"`
	LastRunAt          *time.Time      `json:"last_run_at"`
	RunCount           int             `json:"run_count"`
	LastError          *string         `json:"last_error"`
	StopConditionType  string          `json:"stop_condition_type,omitempty"`
	StopConditionValue string          `json:"stop_condition_value,omitempty"`
	Status             string          `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	DeletedAt          *time.Time      `json:"deleted_at,omitempty"`
}

func toDTO(j *reminder.Job) reminderDTO {
	recipients := []string(j.Recipients)
	if recipients == nil {
		recipients = []string{}
	}
	meta := json.RawMessage(j.Metadata)
	if len(meta) == 0 {
		meta = json.RawMessage("{}")
	}
	return reminderDTO{
		ID:                 j.ID,
		EntityType:         j.EntityType,
		EntityID:           j.EntityID,
		EventType:          j.EventType,
		Channel:            j.Channel,
		Recipients:         recipients,
		Metadata:           meta,
		ScheduleType:       string(j.ScheduleType),
		IntervalMinutes:    j.IntervalMinutes,
		StartTime:          j.StartTime,
		NextRunAt:          j.NextRunAt,
		LastRunAt:          j.LastRunAt,
		RunCount:           j.RunCount,
		LastError:          j.LastError,
		StopConditionType:  j.StopConditionType,
		StopConditionValue: j.StopConditionValue,
		Status:             string(j.Status),
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
		DeletedAt:          j.DeletedAt,
	}
}

type createReminderReq struct {
	EntityType         string          `json:"entity_type"`
	EntityID           string          `json:"entity_id"`
	EventType          string          `json:"event_type"`
	Channel            string          `json:"channel"`
	Recipients         []string        `json:"recipients"`
	Metadata           json.RawMessage `json:"metadata"`
	ScheduleType       string          `json:"schedule_type"`
	IntervalMinutes    *int            `json:"interval_minutes"`
	StartTime          string          `json:"start_time"`
	StopConditionType  string          `json:"stop_condition_type"`
	StopConditionValue string          `json:"stop_condition_value"`
}

// Create answers 201 for a new reminder and 200 with the existing one when
// the entity already has an active reminder for the event.
func (h *ReminderHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createReminderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	j, created, err := h.Svc.Create(r.Context(), reminder.CreateInput{
		EntityType:         req.EntityType,
		EntityID:           req.EntityID,
		EventType:          req.EventType,
		Channel:            req.Channel,
		Recipients:         req.Recipients,
		Metadata:           req.Metadata,
		ScheduleType:       reminder.ScheduleType(req.ScheduleType),
		IntervalMinutes:    req.IntervalMinutes,
		StartTime:          req.StartTime,
		StopConditionType:  req.StopConditionType,
		StopConditionValue: req.StopConditionValue,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		hlog.FromRequest(r).Info().Str("reminder_id", j.ID).Str("entity_type", j.EntityType).
			Str("entity_id", j.EntityID).Str("event_type", j.EventType).Msg("reminder created")
	}
	writeJSON(w, status, toDTO(j))
}

func (h *ReminderHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := reminder.ListFilter{
		Status:     reminder.Status(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
		EntityType: strings.TrimSpace(q.Get("entity_type")),
		EntityID:   strings.TrimSpace(q.Get("entity_id")),
	}
	switch f.Status {
	case "", reminder.StatusActive, reminder.StatusPaused, reminder.StatusCompleted:
	default:
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	if v := strings.TrimSpace(q.Get("include_deleted")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "invalid include_deleted", http.StatusBadRequest)
			return
		}
		f.IncludeDeleted = b
	}
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	rows, err := h.Svc.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]reminderDTO, 0, len(rows))
	for i := range rows {
		out = append(out, toDTO(&rows[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"reminders": out})
}

func (h *ReminderHandler) Get(w http.ResponseWriter, r *http.Request) {
	j, err := h.Svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(j))
}

func (h *ReminderHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "paused", h.Svc.Pause)
}

func (h *ReminderHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "resumed", h.Svc.Resume)
}

func (h *ReminderHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "deleted", h.Svc.Delete)
}

func (h *ReminderHandler) transition(w http.ResponseWriter, r *http.Request, verb string,
	apply func(ctx context.Context, id string) (*reminder.Job, error)) {
	j, err := apply(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("reminder_id", j.ID).Msg("reminder " + verb)
	writeJSON(w, http.StatusOK, toDTO(j))
}
