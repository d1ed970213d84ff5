package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"reminders/internal/reminder"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store keeps reminders in a single SQLite file. SQLite has no row locks, so
// claims are a compare-and-swap on claimed_by/claimed_until done in one
// UPDATE ... RETURNING statement; SQLite serializes writers, which makes the
// claim atomic across connections and processes sharing the file.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", connString(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func connString(path string) string {
	qs := url.Values{
		"_txlock": []string{"immediate"},
		"_pragma": []string{
			"journal_mode(WAL)",
			"busy_timeout(5000)",
			"synchronous(NORMAL)",
		},
	}
	return "file:" + path + "?" + qs.Encode()
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const jobColumns = `id, entity_type, entity_id, event_type, channel, recipients, metadata,
	schedule_type, interval_minutes, start_time, next_run_at, last_run_at, run_count, last_error,
	stop_condition_type, stop_condition_value, status, claimed_by, claimed_until,
	created_at, updated_at, deleted_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (reminder.Job, error) {
	var (
		j                               reminder.Job
		recipients, metadata            string
		interval                        sql.NullInt64
		start, next, last, claimedUntil sql.NullInt64
		created, updated                int64
		deleted                         sql.NullInt64
		lastError, claimedBy            sql.NullString
		scheduleType, status            string
	)
	err := row.Scan(&j.ID, &j.EntityType, &j.EntityID, &j.EventType, &j.Channel, &recipients, &metadata,
		&scheduleType, &interval, &start, &next, &last, &j.RunCount, &lastError,
		&j.StopConditionType, &j.StopConditionValue, &status, &claimedBy, &claimedUntil,
		&created, &updated, &deleted)
	if err != nil {
		return j, err
	}
	if err := j.Recipients.Scan(recipients); err != nil {
		return j, fmt.Errorf("scan recipients: %w", err)
	}
	j.Metadata = datatypes.JSON(metadata)
	j.ScheduleType = reminder.ScheduleType(scheduleType)
	j.Status = reminder.Status(status)
	if interval.Valid {
		v := int(interval.Int64)
		j.IntervalMinutes = &v
	}
	j.StartTime = fromMillis(start)
	j.NextRunAt = fromMillis(next)
	j.LastRunAt = fromMillis(last)
	j.ClaimedUntil = fromMillis(claimedUntil)
	j.DeletedAt = fromMillis(deleted)
	j.CreatedAt = time.UnixMilli(created).UTC()
	j.UpdatedAt = time.UnixMilli(updated).UTC()
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	if claimedBy.Valid {
		j.ClaimedBy = &claimedBy.String
	}
	return j, nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, j *reminder.Job) (*reminder.Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	existing, err := findActive(ctx, tx, j.EntityType, j.EntityID, j.EventType)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, reminder.ErrNotFound) {
		return nil, false, err
	}

	recipients := j.Recipients
	if recipients == nil {
		recipients = pq.StringArray{}
	}
	recipientsVal, err := recipients.Value()
	if err != nil {
		return nil, false, err
	}
	metadata := string(j.Metadata)
	if metadata == "" {
		metadata = "{}"
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO reminder_jobs (`+jobColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.EntityType, j.EntityID, j.EventType, j.Channel, recipientsVal, metadata,
		string(j.ScheduleType), intOrNil(j.IntervalMinutes), toMillis(j.StartTime), toMillis(j.NextRunAt),
		toMillis(j.LastRunAt), j.RunCount, strOrNil(j.LastError),
		j.StopConditionType, j.StopConditionValue, string(j.Status), strOrNil(j.ClaimedBy), toMillis(j.ClaimedUntil),
		j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(), toMillis(j.DeletedAt))
	if err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback()
			existing, ferr := findActive(ctx, s.db, j.EntityType, j.EntityID, j.EventType)
			if ferr != nil {
				return nil, false, fmt.Errorf("%w: %v", reminder.ErrConflict, err)
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return j, true, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findActive(ctx context.Context, q querier, entityType, entityID, eventType string) (*reminder.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM reminder_jobs
		WHERE entity_type = ? AND entity_id = ? AND event_type = ?
		  AND status = 'ACTIVE' AND deleted_at IS NULL
		LIMIT 1`, entityType, entityID, eventType)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reminder.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) FindActive(ctx context.Context, entityType, entityID, eventType string) (*reminder.Job, error) {
	return findActive(ctx, s.db, entityType, entityID, eventType)
}

func (s *Store) Get(ctx context.Context, id string) (*reminder.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM reminder_jobs
		WHERE id = ? AND deleted_at IS NULL`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reminder.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) List(ctx context.Context, f reminder.ListFilter) ([]reminder.Job, error) {
	var (
		where []string
		args  []any
	)
	if !f.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}

	q := `SELECT ` + jobColumns + ` FROM reminder_jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows *sql.Rows) ([]reminder.Job, error) {
	out := []reminder.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) UpdateState(ctx context.Context, j *reminder.Job, from reminder.Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE reminder_jobs
		SET status = ?, next_run_at = ?, deleted_at = ?, updated_at = ?,
		    claimed_by = NULL, claimed_until = NULL
		WHERE id = ? AND status = ? AND deleted_at IS NULL`,
		string(j.Status), toMillis(j.NextRunAt), toMillis(j.DeletedAt), j.UpdatedAt.UnixMilli(),
		j.ID, string(from))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: another active reminder exists for this entity and event", reminder.ErrConflict)
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return reminder.ErrConflict
	}
	return nil
}

// ClaimDue claims due jobs for owner. Rows with a live claim are skipped,
// never waited on.
func (s *Store) ClaimDue(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]reminder.Job, error) {
	nowMs := now.UnixMilli()
	rows, err := s.db.QueryContext(ctx, `UPDATE reminder_jobs
		SET claimed_by = ?, claimed_until = ?
		WHERE id IN (
			SELECT id FROM reminder_jobs
			WHERE status = 'ACTIVE' AND deleted_at IS NULL
			  AND next_run_at IS NOT NULL AND next_run_at <= ?
			  AND (claimed_until IS NULL OR claimed_until < ?)
			ORDER BY next_run_at ASC
			LIMIT ?
		)
		RETURNING `+jobColumns,
		owner, now.Add(lease).UnixMilli(), nowMs, nowMs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func (s *Store) Commit(ctx context.Context, owner string, j *reminder.Job) error {
	res, err := s.db.ExecContext(ctx, `UPDATE reminder_jobs
		SET status = ?, next_run_at = ?, last_run_at = ?, run_count = ?, last_error = ?,
		    updated_at = ?, claimed_by = NULL, claimed_until = NULL
		WHERE id = ? AND claimed_by = ? AND status = 'ACTIVE' AND deleted_at IS NULL`,
		string(j.Status), toMillis(j.NextRunAt), toMillis(j.LastRunAt), j.RunCount, strOrNil(j.LastError),
		j.UpdatedAt.UnixMilli(), j.ID, owner)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return reminder.ErrClaimLost
	}
	return nil
}

func (s *Store) Release(ctx context.Context, owner string, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE reminder_jobs
		SET claimed_by = NULL, claimed_until = NULL
		WHERE id = ? AND claimed_by = ?`, id, owner)
	return err
}

func (s *Store) SetFlag(ctx context.Context, key string, value bool) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `INSERT INTO status_flags (key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now, now)
	return err
}

func (s *Store) GetFlag(ctx context.Context, key string) (bool, bool, error) {
	var v bool
	err := s.db.QueryRowContext(ctx, `SELECT value FROM status_flags WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return v, true, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE")
}

func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func intOrNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func strOrNil(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
