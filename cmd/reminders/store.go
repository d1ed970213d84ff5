package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"reminders/internal/config"
	"reminders/internal/db"
	"reminders/internal/jobs"
	"reminders/internal/reminder"
	"reminders/internal/storage/mongodb"
	"reminders/internal/storage/postgres"
	"reminders/internal/storage/sqlite"
)

// store is what every backend provides: admin operations plus the
// scheduler's claim protocol.
type store interface {
	reminder.Repository
	jobs.Store
	Close() error
}

type pgStore struct {
	*postgres.Store
	close func() error
}

func (s pgStore) Close() error { return s.close() }

type mongoStore struct {
	*mongodb.Store
}

func (s mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Store.Close(ctx)
}

func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		gdb, err := db.Connect(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.AutoMigrateAndIndexes(gdb); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		return pgStore{Store: postgres.New(gdb), close: sqlDB.Close}, nil

	case config.DriverSQLite:
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return st, nil

	case config.DriverMongo:
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		st, err := mongodb.Open(cctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		st.Log = log.With().Str("comp", "store").Logger()
		return mongoStore{Store: st}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}
