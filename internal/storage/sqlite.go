package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"tagwatch/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:tagwatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS points (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			tag_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			sequence INTEGER NOT NULL,
			value REAL NOT NULL,
			value_type TEXT,
			quality TEXT,
			unit TEXT,
			source TEXT,
			protocol TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_points_identity ON points(device_id, tag_id, ts, sequence)`,
		`CREATE TABLE IF NOT EXISTS alarm_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			rule_id TEXT NOT NULL,
			rule_name TEXT,
			device_id TEXT NOT NULL,
			tag_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			severity INTEGER NOT NULL,
			message TEXT,
			trigger_value REAL NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alarm_events_ts ON alarm_events(ts)`,
		`CREATE TABLE IF NOT EXISTS alarm_rules (
			rule_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			tag_id TEXT NOT NULL,
			device_id TEXT,
			condition_type TEXT NOT NULL,
			threshold REAL NOT NULL,
			duration_ms INTEGER NOT NULL,
			roc_window_ms INTEGER NOT NULL,
			severity INTEGER NOT NULL,
			message_template TEXT,
			enabled INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alarm_rules_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			revision INTEGER NOT NULL
		)`,
		`INSERT OR IGNORE INTO alarm_rules_meta (id, revision) VALUES (1, 1)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) SavePoints(ctx context.Context, points []model.TelemetryPoint) error {
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
		`INSERT OR IGNORE INTO points (device_id, tag_id, ts, sequence, value, value_type, quality, unit, source, protocol)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
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

func (s *sqliteStore) SaveAlarmEvent(ctx context.Context, ev model.AlarmEvent) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alarm_events (kind, rule_id, rule_name, device_id, tag_id, ts, severity, message, trigger_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Kind), ev.RuleID, ev.RuleName, ev.DeviceID, ev.TagID,
		ev.Timestamp, ev.Severity, ev.Message, ev.TriggerValue, nowUTC(),
	)
	return err
}

func (s *sqliteStore) ListRules(ctx context.Context) ([]model.AlarmRule, error) {
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
		var enabled int
		if err := rows.Scan(&r.RuleID, &r.Name, &r.TagID, &r.DeviceID, &cond, &r.Threshold,
			&r.DurationMs, &r.RocWindowMs, &r.Severity, &r.MessageTemplate, &enabled); err != nil {
			return nil, err
		}
		r.ConditionType = model.ConditionType(cond)
		r.Enabled = enabled != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RulesRevision(ctx context.Context) (int64, error) {
	var revision int64
	err := s.db.QueryRowContext(ctx, `SELECT revision FROM alarm_rules_meta WHERE id = 1`).Scan(&revision)
	return revision, err
}

func (s *sqliteStore) SaveRule(ctx context.Context, rule model.AlarmRule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	enabled := 0
	if rule.Enabled {
		enabled = 1
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO alarm_rules (rule_id, name, tag_id, device_id, condition_type, threshold, duration_ms, roc_window_ms, severity, message_template, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id) DO UPDATE SET
			name=excluded.name, tag_id=excluded.tag_id, device_id=excluded.device_id,
			condition_type=excluded.condition_type, threshold=excluded.threshold,
			duration_ms=excluded.duration_ms, roc_window_ms=excluded.roc_window_ms,
			severity=excluded.severity, message_template=excluded.message_template,
			enabled=excluded.enabled`,
		rule.RuleID, rule.Name, rule.TagID, rule.DeviceID, string(rule.ConditionType),
		rule.Threshold, rule.DurationMs, rule.RocWindowMs, rule.Severity,
		rule.MessageTemplate, enabled,
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

func (s *sqliteStore) DeleteRule(ctx context.Context, ruleID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM alarm_rules WHERE rule_id = ?`, ruleID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE alarm_rules_meta SET revision = revision + 1 WHERE id = 1`); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
