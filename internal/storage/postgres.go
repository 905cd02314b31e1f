package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tagwatch/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/tagwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS points (
			id BIGSERIAL PRIMARY KEY,
			device_id TEXT NOT NULL,
			tag_id TEXT NOT NULL,
			ts BIGINT NOT NULL,
			sequence BIGINT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			value_type TEXT,
			quality TEXT,
			unit TEXT,
			source TEXT,
			protocol TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_points_identity ON points(device_id, tag_id, ts, sequence)`,
		`CREATE TABLE IF NOT EXISTS alarm_events (
			id BIGSERIAL PRIMARY KEY,
			kind TEXT NOT NULL,
			rule_id TEXT NOT NULL,
			rule_name TEXT,
			device_id TEXT NOT NULL,
			tag_id TEXT NOT NULL,
			ts BIGINT NOT NULL,
			severity INTEGER NOT NULL,
			message TEXT,
			trigger_value DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alarm_events_ts ON alarm_events(ts)`,
		`CREATE TABLE IF NOT EXISTS alarm_rules (
			rule_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			tag_id TEXT NOT NULL,
			device_id TEXT,
			condition_type TEXT NOT NULL,
			threshold DOUBLE PRECISION NOT NULL,
			duration_ms BIGINT NOT NULL,
			roc_window_ms BIGINT NOT NULL,
			severity INTEGER NOT NULL,
			message_template TEXT,
			enabled BOOLEAN NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alarm_rules_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			revision BIGINT NOT NULL
		)`,
		`INSERT INTO alarm_rules_meta (id, revision) VALUES (1, 1) ON CONFLICT (id) DO NOTHING`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) SavePoints(ctx context.Context, points []model.TelemetryPoint) error {
	if s.db == nil || len(points) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO points (device_id, tag_id, ts, sequence, value, value_type, quality, unit, source, protocol)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (device_id, tag_id, ts, sequence) DO NOTHING`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, p := range points {
		if _, err := stmt.ExecContext(ctx,
			p.DeviceID, p.TagID, p.Timestamp, p.Sequence, p.Value,
			string(p.ValueType), string(p.Quality), p.Unit, p.Source, p.Protocol,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *postgresStore) SaveAlarmEvent(ctx context.Context, ev model.AlarmEvent) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alarm_events (kind, rule_id, rule_name, device_id, tag_id, ts, severity, message, trigger_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(ev.Kind), ev.RuleID, ev.RuleName, ev.DeviceID, ev.TagID,
		ev.Timestamp, ev.Severity, ev.Message, ev.TriggerValue, nowUTC(),
	)
	return err
}

func (s *postgresStore) ListRules(ctx context.Context) ([]model.AlarmRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rule_id, name, tag_id, COALESCE(device_id, ''), condition_type, threshold,
			duration_ms, roc_window_ms, severity, COALESCE(message_template, ''), enabled
		FROM alarm_rules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AlarmRule
	for rows.Next() {
		var r model.AlarmRule
		var cond string
		if err := rows.Scan(&r.RuleID, &r.Name, &r.TagID, &r.DeviceID, &cond, &r.Threshold,
			&r.DurationMs, &r.RocWindowMs, &r.Severity, &r.MessageTemplate, &r.Enabled); err != nil {
			return nil, err
		}
		r.ConditionType = model.ConditionType(cond)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *postgresStore) RulesRevision(ctx context.Context) (int64, error) {
	var revision int64
	err := s.db.QueryRowContext(ctx, `SELECT revision FROM alarm_rules_meta WHERE id = 1`).Scan(&revision)
	return revision, err
}

func (s *postgresStore) SaveRule(ctx context.Context, rule model.AlarmRule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO alarm_rules (rule_id, name, tag_id, device_id, condition_type, threshold, duration_ms, roc_window_ms, severity, message_template, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (rule_id) DO UPDATE SET
			name=EXCLUDED.name, tag_id=EXCLUDED.tag_id, device_id=EXCLUDED.device_id,
			condition_type=EXCLUDED.condition_type, threshold=EXCLUDED.threshold,
			duration_ms=EXCLUDED.duration_ms, roc_window_ms=EXCLUDED.roc_window_ms,
			severity=EXCLUDED.severity, message_template=EXCLUDED.message_template,
			enabled=EXCLUDED.enabled`,
		rule.RuleID, rule.Name, rule.TagID, rule.DeviceID, string(rule.ConditionType),
		rule.Threshold, rule.DurationMs, rule.RocWindowMs, rule.Severity,
		rule.MessageTemplate, rule.Enabled,
	); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE alarm_rules_meta SET revision = revision + 1 WHERE id = 1`); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *postgresStore) DeleteRule(ctx context.Context, ruleID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM alarm_rules WHERE rule_id = $1`, ruleID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE alarm_rules_meta SET revision = revision + 1 WHERE id = 1`); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
