package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"tagwatch/internal/config"
	"tagwatch/internal/model"
)

// Store is the persistence boundary: telemetry points (the persistence
// dispatch leg), alarm events (the durable emit leg), and the externally
// CRUD-owned alarm rule table with its revision counter.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SavePoints(ctx context.Context, points []model.TelemetryPoint) error
	SaveAlarmEvent(ctx context.Context, ev model.AlarmEvent) error
	ListRules(ctx context.Context) ([]model.AlarmRule, error)
	RulesRevision(ctx context.Context) (int64, error)
	SaveRule(ctx context.Context, rule model.AlarmRule) error
	DeleteRule(ctx context.Context, ruleID string) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
