package reminder

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
)

type ScheduleType string

const (
	ScheduleOneTime   ScheduleType = "one-time"
	ScheduleRecurring ScheduleType = "recurring"
)

// Stop condition kinds understood by the condition package.
const (
	StopDBCheck  = "db_check"
	StopAPICheck = "api_check"
	StopUntil    = "until"
)

// Job is a reminder tied to an entity. NextRunAt is the only field the
// scheduler selects on; nil means never due.
type Job struct {
	ID string `gorm:"primaryKey;type:text"`

	EntityType string         `gorm:"type:text;not null"`
	EntityID   string         `gorm:"type:text;not null"`
	EventType  string         `gorm:"type:text;not null"`
	Channel    string         `gorm:"type:text;not null"`
	Recipients pq.StringArray `gorm:"type:text[];not null;default:'{}'"`
	Metadata   datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'::jsonb"`

	ScheduleType    ScheduleType `gorm:"type:text;not null"`
	IntervalMinutes *int
	StartTime       *time.Time `gorm:"type:timestamptz"`

	NextRunAt *time.Time `gorm:"type:timestamptz"`
	LastRunAt *time.Time `gorm:"type:timestamptz"`
	RunCount  int        `gorm:"not null;default:0"`
	LastError *string    `gorm:"type:text"`

	StopConditionType  string `gorm:"type:text;not null;default:''"`
	StopConditionValue string `gorm:"type:text;not null;default:''"`

	Status Status `gorm:"type:text;index;not null;default:'ACTIVE'"`

	// claim held by a scheduler instance while it processes the job
	ClaimedBy    *string    `gorm:"type:text"`
	ClaimedUntil *time.Time `gorm:"type:timestamptz"`

	CreatedAt time.Time  `gorm:"not null;default:now()"`
	UpdatedAt time.Time  `gorm:"not null;default:now()"`
	DeletedAt *time.Time `gorm:"type:timestamptz;index"`
}

func (Job) TableName() string { return "reminder_jobs" }

// Interval returns the recurrence interval, or false when the job has none.
func (j *Job) Interval() (time.Duration, bool) {
	if j.ScheduleType != ScheduleRecurring || j.IntervalMinutes == nil || *j.IntervalMinutes <= 0 {
		return 0, false
	}
	return time.Duration(*j.IntervalMinutes) * time.Minute, true
}

func (j *Job) Deleted() bool { return j.DeletedAt != nil }

// StatusFlag is an out-of-band completion signal written by other systems.
type StatusFlag struct {
	Key       string    `gorm:"primaryKey;type:text"`
	Value     bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"not null;default:now()"`
	UpdatedAt time.Time `gorm:"not null;default:now()"`
}

func (StatusFlag) TableName() string { return "status_flags" }

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	Status         Status
	EntityType     string
	EntityID       string
	IncludeDeleted bool
	Limit          int
}
