package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"reminders/internal/reminder"
)

// Store keeps reminders in Postgres. Claims use FOR UPDATE SKIP LOCKED so
// concurrent schedulers never wait on each other's rows.
type Store struct {
	DB *gorm.DB
}

func New(gdb *gorm.DB) *Store {
	return &Store{DB: gdb}
}

func activeFor(tx *gorm.DB, entityType, entityID, eventType string) *gorm.DB {
	return tx.Where("entity_type = ? and entity_id = ? and event_type = ? and status = ? and deleted_at is null",
		entityType, entityID, eventType, string(reminder.StatusActive))
}

func (s *Store) CreateIfAbsent(ctx context.Context, j *reminder.Job) (*reminder.Job, bool, error) {
	if j.Recipients == nil {
		j.Recipients = pq.StringArray{}
	}
	if len(j.Metadata) == 0 {
		j.Metadata = datatypes.JSON("{}")
	}

	var (
		existing reminder.Job
		found    bool
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := activeFor(tx, j.EntityType, j.EntityID, j.EventType).Take(&existing).Error
		if err == nil {
			found = true
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(j).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// lost the race to a concurrent creator
		if ferr := activeFor(s.DB.WithContext(ctx), j.EntityType, j.EntityID, j.EventType).Take(&existing).Error; ferr != nil {
			return nil, false, fmt.Errorf("%w: %v", reminder.ErrConflict, err)
		}
		return &existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if found {
		return &existing, false, nil
	}
	return j, true, nil
}

func (s *Store) FindActive(ctx context.Context, entityType, entityID, eventType string) (*reminder.Job, error) {
	var j reminder.Job
	err := activeFor(s.DB.WithContext(ctx), entityType, entityID, eventType).Take(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, reminder.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) Get(ctx context.Context, id string) (*reminder.Job, error) {
	var j reminder.Job
	err := s.DB.WithContext(ctx).Where("id = ? and deleted_at is null", id).Take(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, reminder.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) List(ctx context.Context, f reminder.ListFilter) ([]reminder.Job, error) {
	q := s.DB.WithContext(ctx).Model(&reminder.Job{})
	if !f.IncludeDeleted {
		q = q.Where("deleted_at is null")
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.EntityType != "" {
		q = q.Where("entity_type = ?", f.EntityType)
	}
	if f.EntityID != "" {
		q = q.Where("entity_id = ?", f.EntityID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	out := []reminder.Job{}
	if err := q.Order("created_at desc, id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdateState(ctx context.Context, j *reminder.Job, from reminder.Status) error {
	res := s.DB.WithContext(ctx).Model(&reminder.Job{}).
		Where("id = ? and status = ? and deleted_at is null", j.ID, string(from)).
		Updates(map[string]any{
			"status":        string(j.Status),
			"next_run_at":   j.NextRunAt,
			"deleted_at":    j.DeletedAt,
			"updated_at":    j.UpdatedAt,
			"claimed_by":    nil,
			"claimed_until": nil,
		})
	if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: another active reminder exists for this entity and event", reminder.ErrConflict)
	}
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return reminder.ErrConflict
	}
	return nil
}

// ClaimDue claims due jobs for owner until now+lease. Rows locked by another
// transaction or holding a live claim are skipped.
func (s *Store) ClaimDue(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]reminder.Job, error) {
	var claimed []reminder.Job
	err := s.DB.WithContext(ctx).Raw(`
with cte as (
  select id
  from reminder_jobs
  where status = 'ACTIVE'
    and deleted_at is null
    and next_run_at is not null
    and next_run_at <= ?
    and (claimed_until is null or claimed_until < ?)
  order by next_run_at asc
  for update skip locked
  limit ?
)
update reminder_jobs
set claimed_by = ?, claimed_until = ?
where id in (select id from cte)
returning *;
`, now, now, limit, owner, now.Add(lease)).Scan(&claimed).Error
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) Commit(ctx context.Context, owner string, j *reminder.Job) error {
	res := s.DB.WithContext(ctx).Exec(`
update reminder_jobs
set status = ?,
    next_run_at = ?,
    last_run_at = ?,
    run_count = ?,
    last_error = ?,
    updated_at = ?,
    claimed_by = null,
    claimed_until = null
where id = ? and claimed_by = ? and status = 'ACTIVE' and deleted_at is null`,
		string(j.Status), j.NextRunAt, j.LastRunAt, j.RunCount, j.LastError, j.UpdatedAt, j.ID, owner)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return reminder.ErrClaimLost
	}
	return nil
}

func (s *Store) Release(ctx context.Context, owner string, id string) error {
	return s.DB.WithContext(ctx).Exec(`
update reminder_jobs
set claimed_by = null, claimed_until = null
where id = ? and claimed_by = ?`, id, owner).Error
}

func (s *Store) SetFlag(ctx context.Context, key string, value bool) error {
	now := time.Now().UTC()
	flag := reminder.StatusFlag{Key: key, Value: value, CreatedAt: now, UpdatedAt: now}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&flag).Error
}

func (s *Store) GetFlag(ctx context.Context, key string) (bool, bool, error) {
	var flag reminder.StatusFlag
	err := s.DB.WithContext(ctx).Where("key = ?", key).Take(&flag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return flag.Value, true, nil
}
