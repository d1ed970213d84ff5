package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// Repository is the persistence the admin operations need. Implementations
// must make CreateIfAbsent atomic against concurrent creators, backed by a
// uniqueness constraint over active, non-deleted (entity, event) tuples.
type Repository interface {
	// CreateIfAbsent inserts j unless an active, non-deleted job exists for
	// the same entity and event, in which case that job is returned with
	// created=false.
	CreateIfAbsent(ctx context.Context, j *Job) (existing *Job, created bool, err error)
	// FindActive returns the active, non-deleted job for the entity and
	// event, or ErrNotFound.
	FindActive(ctx context.Context, entityType, entityID, eventType string) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, f ListFilter) ([]Job, error)
	// UpdateState persists a lifecycle transition only if the stored row is
	// still in state from and not deleted; otherwise ErrConflict.
	UpdateState(ctx context.Context, j *Job, from Status) error
	SetFlag(ctx context.Context, key string, value bool) error
	GetFlag(ctx context.Context, key string) (value bool, found bool, err error)
}

type Service struct {
	Repo   Repository
	Policy TimePolicy
	Clock  clock.Clock
}

type CreateInput struct {
	EntityType         string
	EntityID           string
	EventType          string
	Channel            string
	Recipients         []string
	Metadata           json.RawMessage
	ScheduleType       ScheduleType
	IntervalMinutes    *int
	StartTime          string
	StopConditionType  string
	StopConditionValue string
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

// Create validates in, computes the first run and stores the reminder. A
// second request for an entity/event that already has an active reminder
// returns that reminder with created=false.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Job, bool, error) {
	now := s.now()

	j, err := s.build(in, now)
	if err != nil {
		return nil, false, err
	}

	var start *time.Time
	if strings.TrimSpace(in.StartTime) != "" {
		t, err := s.Policy.ParseStartTime(in.StartTime)
		if err != nil {
			return nil, false, err
		}
		start = &t
		j.StartTime = &t
	}

	next, err := s.Policy.FirstRun(j, start, now)
	if errors.Is(err, ErrPastStartTime) {
		// a replay of a request whose start time has since passed
		existing, ferr := s.Repo.FindActive(ctx, j.EntityType, j.EntityID, j.EventType)
		if ferr == nil {
			return existing, false, nil
		}
		if !errors.Is(ferr, ErrNotFound) {
			return nil, false, ferr
		}
	}
	if err != nil {
		return nil, false, err
	}
	j.NextRunAt = &next

	return s.Repo.CreateIfAbsent(ctx, j)
}

func (s *Service) build(in CreateInput, now time.Time) (*Job, error) {
	j := &Job{
		ID:                 uuid.NewString(),
		EntityType:         strings.TrimSpace(in.EntityType),
		EntityID:           strings.TrimSpace(in.EntityID),
		EventType:          strings.TrimSpace(in.EventType),
		Channel:            strings.ToLower(strings.TrimSpace(in.Channel)),
		ScheduleType:       ScheduleType(strings.ToLower(strings.TrimSpace(string(in.ScheduleType)))),
		IntervalMinutes:    in.IntervalMinutes,
		StopConditionType:  strings.TrimSpace(in.StopConditionType),
		StopConditionValue: strings.TrimSpace(in.StopConditionValue),
		Status:             StatusActive,
		Recipients:         pq.StringArray{},
		Metadata:           datatypes.JSON("{}"),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	switch {
	case j.EntityType == "":
		return nil, validationErr("entity_type is required")
	case j.EntityID == "":
		return nil, validationErr("entity_id is required")
	case j.EventType == "":
		return nil, validationErr("event_type is required")
	case j.Channel == "":
		return nil, validationErr("channel is required")
	}

	switch j.ScheduleType {
	case ScheduleRecurring:
		if j.IntervalMinutes == nil || *j.IntervalMinutes <= 0 {
			return nil, validationErr("interval_minutes must be a positive integer for recurring reminders")
		}
	case ScheduleOneTime:
		if j.IntervalMinutes != nil && *j.IntervalMinutes < 0 {
			return nil, validationErr("interval_minutes must not be negative")
		}
	default:
		return nil, validationErr("schedule_type must be %q or %q", ScheduleOneTime, ScheduleRecurring)
	}

	if j.StopConditionType == StopUntil {
		if _, err := time.Parse(time.RFC3339, j.StopConditionValue); err != nil {
			return nil, validationErr("stop_condition_value for %q must be an RFC3339 timestamp", StopUntil)
		}
	}

	for _, r := range in.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			j.Recipients = append(j.Recipients, r)
		}
	}

	if len(in.Metadata) > 0 && string(in.Metadata) != "null" {
		var m map[string]any
		if err := json.Unmarshal(in.Metadata, &m); err != nil {
			return nil, validationErr("metadata must be a JSON object")
		}
		j.Metadata = datatypes.JSON(in.Metadata)
	}

	return j, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.Repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]Job, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return s.Repo.List(ctx, f)
}

func (s *Service) Pause(ctx context.Context, id string) (*Job, error) {
	return s.transition(ctx, id, (*Job).Pause)
}

func (s *Service) Resume(ctx context.Context, id string) (*Job, error) {
	return s.transition(ctx, id, (*Job).Resume)
}

func (s *Service) Delete(ctx context.Context, id string) (*Job, error) {
	return s.transition(ctx, id, (*Job).SoftDelete)
}

func (s *Service) transition(ctx context.Context, id string, apply func(*Job, time.Time) error) (*Job, error) {
	j, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := j.Status
	if err := apply(j, s.now()); err != nil {
		return nil, err
	}
	if err := s.Repo.UpdateState(ctx, j, from); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Service) SetFlag(ctx context.Context, key string, value bool) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return validationErr("flag key is required")
	}
	return s.Repo.SetFlag(ctx, key, value)
}

func (s *Service) Flag(ctx context.Context, key string) (bool, error) {
	v, ok, err := s.Repo.GetFlag(ctx, strings.TrimSpace(key))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrNotFound
	}
	return v, nil
}
