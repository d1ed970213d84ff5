package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"reminders/internal/reminder"
)

func Connect(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		// unique violations surface as gorm.ErrDuplicatedKey
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return gdb, nil
}

func AutoMigrateAndIndexes(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&reminder.Job{},
		&reminder.StatusFlag{},
	); err != nil {
		return err
	}

	// One live reminder per entity/event. Paused, completed and deleted rows
	// do not count.
	if err := gdb.Exec(`
create unique index if not exists uq_reminder_jobs_active
on reminder_jobs(entity_type, entity_id, event_type)
where status = 'ACTIVE' and deleted_at is null;
`).Error; err != nil {
		return err
	}

	stmts := []string{
		`create index if not exists idx_reminder_jobs_due on reminder_jobs(status, next_run_at) where deleted_at is null;`,
		`create index if not exists idx_reminder_jobs_entity on reminder_jobs(entity_type, entity_id);`,
		`create index if not exists idx_reminder_jobs_claim on reminder_jobs(claimed_until) where claimed_by is not null;`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}

	return nil
}
