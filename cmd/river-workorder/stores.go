package main

import (
	"database/sql"

	"river-workorder/internal/config"
	"river-workorder/internal/database"
	"river-workorder/internal/repository"

	"go.uber.org/zap"
)

// stores 按 store.driver 选择的仓储集合
type stores struct {
	workorders    repository.WorkordersRepository
	alarms        repository.AlarmsRepository
	capacity      repository.CapacityRepository
	history       repository.HistoryRepository
	records       repository.RecordsRepository
	org           repository.OrgRepository
	outbox        repository.OutboxRepository
	messages      repository.MessagesRepository
	subscriptions repository.SubscriptionsRepository
	db            *sql.DB
}

func openStores(cfg *config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.Store.Driver != "postgres" {
		logger.Info("Using in-memory store")
		box := repository.NewMemoryOutboxRepo()
		org := repository.NewMemoryOrgRepo()
		return &stores{
			workorders:    repository.NewMemoryWorkordersRepo(),
			alarms:        repository.NewMemoryAlarmsRepo(),
			capacity:      repository.NewMemoryCapacityRepo(),
			history:       repository.NewMemoryHistoryRepo(),
			records:       repository.NewMemoryRecordsRepo(),
			org:           org,
			outbox:        box,
			messages:      box,
			subscriptions: org,
		}, nil
	}

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, err
	}
	logger.Info("Using Postgres store",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Database),
	)
	box := repository.NewPostgresOutboxRepository(db)
	org := repository.NewPostgresOrgRepository(db)
	return &stores{
		workorders:    repository.NewPostgresWorkordersRepository(db),
		alarms:        repository.NewPostgresAlarmsRepository(db),
		capacity:      repository.NewPostgresCapacityRepository(db),
		history:       repository.NewPostgresHistoryRepository(db),
		records:       repository.NewPostgresRecordsRepository(db),
		org:           org,
		outbox:        box,
		messages:      box,
		subscriptions: org,
		db:            db,
	}, nil
}

func (s *stores) Close() {
	_ = database.Close(s.db)
}
