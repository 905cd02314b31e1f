package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidPoint = errors.New("invalid telemetry point")

type Quality string

const (
	QualityGood      Quality = "good"
	QualityBad       Quality = "bad"
	QualityUncertain Quality = "uncertain"
)

type ValueType string

const (
	ValueFloat ValueType = "float"
	ValueInt   ValueType = "int"
	ValueBool  ValueType = "bool"
)

// TelemetryPoint is one immutable sample from one tag on one device.
// (DeviceID, TagID, Timestamp, Sequence) identifies it uniquely.
type TelemetryPoint struct {
	DeviceID  string    `json:"device_id"`
	TagID     string    `json:"tag_id"`
	Timestamp int64     `json:"timestamp"`
	Sequence  int64     `json:"sequence"`
	Value     float64   `json:"value"`
	ValueType ValueType `json:"value_type,omitempty"`
	Quality   Quality   `json:"quality,omitempty"`
	Unit      string    `json:"unit,omitempty"`
	Source    string    `json:"source,omitempty"`
	Protocol  string    `json:"protocol,omitempty"`
}

func (p TelemetryPoint) Validate() error {
	if strings.TrimSpace(p.DeviceID) == "" {
		return fmt.Errorf("%w: empty device id", ErrInvalidPoint)
	}
	if strings.TrimSpace(p.TagID) == "" {
		return fmt.Errorf("%w: empty tag id", ErrInvalidPoint)
	}
	if p.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp must be epoch milliseconds", ErrInvalidPoint)
	}
	return nil
}

// PipelineStats is a point-in-time snapshot of the ingestion queue.
type PipelineStats struct {
	QueueDepth      int   `json:"queue_depth"`
	QueueCapacity   int   `json:"queue_capacity"`
	TotalEnqueued   int64 `json:"total_enqueued"`
	TotalDropped    int64 `json:"total_dropped"`
	TotalDispatched int64 `json:"total_dispatched"`
}

type OverflowStats struct {
	TotalExported   int64  `json:"total_exported"`
	TotalLost       int64  `json:"total_lost"`
	CurrentFileSize int64  `json:"current_file_size"`
	FileCount       int    `json:"file_count"`
	CurrentFilePath string `json:"current_file_path"`
}

type ConditionType string

const (
	CondGreater        ConditionType = "gt"
	CondGreaterOrEqual ConditionType = "gte"
	CondLess           ConditionType = "lt"
	CondLessOrEqual    ConditionType = "lte"
	CondEqual          ConditionType = "eq"
	CondNotEqual       ConditionType = "ne"
	CondOffline        ConditionType = "offline"
	CondRocPercent     ConditionType = "roc_percent"
	CondRocAbsolute    ConditionType = "roc_absolute"
)

func (c ConditionType) Valid() bool {
	switch c {
	case CondGreater, CondGreaterOrEqual, CondLess, CondLessOrEqual,
		CondEqual, CondNotEqual, CondOffline, CondRocPercent, CondRocAbsolute:
		return true
	default:
		return false
	}
}

func (c ConditionType) RateOfChange() bool {
	return c == CondRocPercent || c == CondRocAbsolute
}

// AlarmRule is one alarm condition over a tag, optionally scoped to a device.
// CRUD is owned externally; the engine caches a revision-stamped copy.
type AlarmRule struct {
	RuleID          string        `json:"rule_id"`
	Name            string        `json:"name"`
	TagID           string        `json:"tag_id"`
	DeviceID        string        `json:"device_id,omitempty"`
	ConditionType   ConditionType `json:"condition_type"`
	Threshold       float64       `json:"threshold"`
	DurationMs      int64         `json:"duration_ms"`
	RocWindowMs     int64         `json:"roc_window_ms,omitempty"`
	Severity        int           `json:"severity"`
	MessageTemplate string        `json:"message_template,omitempty"`
	Enabled         bool          `json:"enabled"`
}

// Matches reports whether a point falls under this rule's scope.
func (r AlarmRule) Matches(p TelemetryPoint) bool {
	if r.TagID != p.TagID {
		return false
	}
	return r.DeviceID == "" || r.DeviceID == p.DeviceID
}

type RuleStatus string

const (
	StatusNormal  RuleStatus = "normal"
	StatusPending RuleStatus = "pending"
	StatusActive  RuleStatus = "active"
)

type EventKind string

const (
	EventTriggered EventKind = "triggered"
	EventResolved  EventKind = "resolved"
)

// AlarmEvent is emitted on a normal-to-active transition, and on active-to-normal
// when resolution events are enabled.
type AlarmEvent struct {
	Kind         EventKind `json:"kind"`
	RuleID       string    `json:"rule_id"`
	RuleName     string    `json:"rule_name,omitempty"`
	DeviceID     string    `json:"device_id"`
	TagID        string    `json:"tag_id"`
	Timestamp    int64     `json:"timestamp"`
	Severity     int       `json:"severity"`
	Message      string    `json:"message,omitempty"`
	TriggerValue float64   `json:"trigger_value"`
}

// DefaultMessageTemplate renders events for rules without a template.
const DefaultMessageTemplate = "{ruleId}/{ruleName}: {tagId}@{deviceId} {cond} {threshold}, got {value}"

// RenderMessage substitutes the known placeholders into a rule's message
// template. Unknown placeholders stay literal.
func RenderMessage(template string, rule AlarmRule, deviceID string, value float64) string {
	if template == "" {
		template = DefaultMessageTemplate
	}
	rep := strings.NewReplacer(
		"{ruleId}", rule.RuleID,
		"{ruleName}", rule.Name,
		"{deviceId}", deviceID,
		"{tagId}", rule.TagID,
		"{cond}", string(rule.ConditionType),
		"{threshold}", formatFloat(rule.Threshold),
		"{value}", formatFloat(value),
	)
	return rep.Replace(template)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
