package engine

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"tagwatch/internal/config"
	"tagwatch/internal/model"
	"tagwatch/internal/rules"
)

// Emitter receives alarm events. Implementations must not block: persistence
// and publishing are fire-and-forget from the engine's perspective.
type Emitter interface {
	Emit(ev model.AlarmEvent)
}

// ruleSet is the immutable active rule snapshot, swapped whole on refresh.
type ruleSet struct {
	revision int64
	byID     map[string]model.AlarmRule
	byTag    map[string][]model.AlarmRule
}

func newRuleSet(revision int64, list []model.AlarmRule) *ruleSet {
	rs := &ruleSet{
		revision: revision,
		byID:     make(map[string]model.AlarmRule, len(list)),
		byTag:    make(map[string][]model.AlarmRule),
	}
	for _, r := range list {
		rs.byID[r.RuleID] = r
		if r.Enabled {
			rs.byTag[r.TagID] = append(rs.byTag[r.TagID], r)
		}
	}
	return rs
}

// Engine evaluates alarm rules against the live point stream. Point
// evaluation runs inline in the dispatch path; offline detection and config
// refresh each run on their own periodic task.
type Engine struct {
	logger   *slog.Logger
	provider rules.Provider
	emitter  Emitter
	cfg      atomic.Value
	now      func() time.Time

	mu     sync.Mutex
	states map[string]*ruleState

	active     atomic.Value
	loadedOnce atomic.Bool
}

func New(cfg config.EngineConfig, provider rules.Provider, emitter Emitter, logger *slog.Logger) *Engine {
	e := &Engine{
		logger:   logger,
		provider: provider,
		emitter:  emitter,
		now:      time.Now,
		states:   make(map[string]*ruleState),
	}
	e.cfg.Store(cfg)
	e.active.Store(newRuleSet(0, nil))
	return e
}

func (e *Engine) config() config.EngineConfig {
	return e.cfg.Load().(config.EngineConfig)
}

func (e *Engine) UpdateConfig(cfg config.EngineConfig) {
	e.cfg.Store(cfg)
}

func (e *Engine) ruleSet() *ruleSet {
	return e.active.Load().(*ruleSet)
}

// LoadedOnce reports whether a rule set has ever loaded successfully; the
// readiness probe keys off this.
func (e *Engine) LoadedOnce() bool {
	return e.loadedOnce.Load()
}

func (e *Engine) Revision() int64 {
	return e.ruleSet().revision
}

func (e *Engine) RuleCount() int {
	return len(e.ruleSet().byID)
}

// Start runs the config-refresh and offline-sweep loops until ctx is done.
// An immediate first refresh makes readiness independent of the tick phase.
func (e *Engine) Start(ctx context.Context) {
	e.Refresh(ctx)
	cfg := e.config()
	go e.loop(ctx, cfg.RefreshInterval, func() { e.Refresh(ctx) })
	go e.loop(ctx, cfg.OfflineSweepInterval, func() { e.SweepOffline(e.now()) })
}

func (e *Engine) loop(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// Refresh polls the provider's revision and reloads the rule set on change.
// A load failure keeps the last-known-good set.
func (e *Engine) Refresh(ctx context.Context) {
	current := e.ruleSet()
	revision, err := e.provider.Revision(ctx)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("rule revision check failed", "err", err)
		}
		return
	}
	if e.loadedOnce.Load() && revision == current.revision {
		return
	}
	list, err := e.provider.List(ctx)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("rule load failed, keeping last-known-good set", "err", err)
		}
		return
	}
	next := newRuleSet(revision, list)
	e.discardStaleStates(current, next)
	e.active.Store(next)
	e.loadedOnce.Store(true)
	if e.logger != nil {
		e.logger.Info("rule set loaded", "revision", revision, "rules", len(list))
	}
}

// discardStaleStates drops state for rules that were removed, disabled, or
// edited; edited rules restart from Normal.
func (e *Engine) discardStaleStates(old, next *ruleSet) {
	stale := make(map[string]bool)
	for id, prev := range old.byID {
		cur, ok := next.byID[id]
		if !ok || !cur.Enabled || cur != prev {
			stale[id] = true
		}
	}
	if len(stale) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, st := range e.states {
		if stale[st.ruleID] {
			delete(e.states, key)
		}
	}
}

// HandlePoint evaluates every rule matching the point. It is called from the
// dispatch drain path and does no I/O.
func (e *Engine) HandlePoint(p model.TelemetryPoint) {
	rs := e.ruleSet()
	matching := rs.byTag[p.TagID]
	if len(matching) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rule := range matching {
		if !rule.Matches(p) {
			continue
		}
		st := e.stateLocked(rule, p.DeviceID, p.TagID)
		st.lastValue = p.Value
		st.lastSeenTs = p.Timestamp

		if rule.ConditionType == model.CondOffline {
			// A fresh point is the opposite of the offline signal; it
			// resets the pending timer or resolves an active alarm.
			e.transitionLocked(rule, st, false, p.Timestamp, p.Value)
			continue
		}
		if st.roc != nil {
			st.roc.add(p.Timestamp, p.Value)
		}
		cond := e.conditionTrue(rule, st, p.Value)
		e.transitionLocked(rule, st, cond, p.Timestamp, p.Value)
	}
}

// SweepOffline evaluates offline rules on elapsed time since each instance
// last produced a point. Absence of data is the signal, so this is driven by
// a periodic task rather than by points.
func (e *Engine) SweepOffline(now time.Time) {
	rs := e.ruleSet()
	offline := make(map[string]model.AlarmRule)
	for id, r := range rs.byID {
		if r.Enabled && r.ConditionType == model.CondOffline {
			offline[id] = r
		}
	}
	if len(offline) == 0 {
		return
	}
	nowMs := now.UnixMilli()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.states {
		rule, ok := offline[st.ruleID]
		if !ok {
			continue
		}
		cond := nowMs-st.lastSeenTs > int64(rule.Threshold*1000)
		e.transitionLocked(rule, st, cond, nowMs, st.lastValue)
	}
}

func (e *Engine) stateLocked(rule model.AlarmRule, deviceID, tagID string) *ruleState {
	key := stateKey(rule.RuleID, deviceID, tagID)
	if st, ok := e.states[key]; ok {
		return st
	}
	st := newRuleState(rule, deviceID, tagID)
	e.states[key] = st
	return st
}

func (e *Engine) conditionTrue(rule model.AlarmRule, st *ruleState, value float64) bool {
	switch rule.ConditionType {
	case model.CondGreater:
		return value > rule.Threshold
	case model.CondGreaterOrEqual:
		return value >= rule.Threshold
	case model.CondLess:
		return value < rule.Threshold
	case model.CondLessOrEqual:
		return value <= rule.Threshold
	case model.CondEqual:
		return value == rule.Threshold
	case model.CondNotEqual:
		return value != rule.Threshold
	case model.CondRocPercent, model.CondRocAbsolute:
		return e.rocConditionTrue(rule, st)
	default:
		return false
	}
}

func (e *Engine) rocConditionTrue(rule model.AlarmRule, st *ruleState) bool {
	if st.roc == nil || st.roc.size() < 2 {
		return false
	}
	oldest, ok := st.roc.oldest()
	if !ok {
		return false
	}
	latest, _ := st.roc.latest()
	if rule.ConditionType == model.CondRocAbsolute {
		return math.Abs(latest.value-oldest.value) >= rule.Threshold
	}
	if oldest.value == 0 {
		return false
	}
	percent := (latest.value - oldest.value) / oldest.value * 100
	return math.Abs(percent) >= rule.Threshold
}

// transitionLocked advances the normal/pending/active machine.
// Exactly one triggered event per activation; repeated true
// evaluations while Active emit nothing.
func (e *Engine) transitionLocked(rule model.AlarmRule, st *ruleState, cond bool, tsMs int64, value float64) {
	switch st.status {
	case model.StatusNormal:
		if !cond {
			return
		}
		if rule.DurationMs <= 0 {
			e.activateLocked(rule, st, tsMs, value)
			return
		}
		st.status = model.StatusPending
		st.pendingSince = tsMs
	case model.StatusPending:
		if !cond {
			st.status = model.StatusNormal
			st.pendingSince = 0
			return
		}
		if tsMs-st.pendingSince >= rule.DurationMs {
			e.activateLocked(rule, st, tsMs, value)
		}
	case model.StatusActive:
		if cond {
			return
		}
		st.status = model.StatusNormal
		st.pendingSince = 0
		e.resolveLocked(rule, st, tsMs, value)
	}
}

func (e *Engine) activateLocked(rule model.AlarmRule, st *ruleState, tsMs int64, value float64) {
	st.status = model.StatusActive
	st.pendingSince = 0
	st.lastTriggered = tsMs
	ev := model.AlarmEvent{
		Kind:         model.EventTriggered,
		RuleID:       rule.RuleID,
		RuleName:     rule.Name,
		DeviceID:     st.deviceID,
		TagID:        st.tagID,
		Timestamp:    tsMs,
		Severity:     rule.Severity,
		Message:      model.RenderMessage(rule.MessageTemplate, rule, st.deviceID, value),
		TriggerValue: value,
	}
	if e.logger != nil {
		e.logger.Warn("alarm triggered",
			"rule_id", rule.RuleID, "device_id", st.deviceID, "tag_id", st.tagID,
			"condition", rule.ConditionType, "severity", rule.Severity, "value", value)
	}
	if e.emitter != nil {
		e.emitter.Emit(ev)
	}
}

func (e *Engine) resolveLocked(rule model.AlarmRule, st *ruleState, tsMs int64, value float64) {
	if e.logger != nil {
		e.logger.Info("alarm resolved",
			"rule_id", rule.RuleID, "device_id", st.deviceID, "tag_id", st.tagID, "value", value)
	}
	if !e.config().EmitResolutions || e.emitter == nil {
		return
	}
	e.emitter.Emit(model.AlarmEvent{
		Kind:         model.EventResolved,
		RuleID:       rule.RuleID,
		RuleName:     rule.Name,
		DeviceID:     st.deviceID,
		TagID:        st.tagID,
		Timestamp:    tsMs,
		Severity:     rule.Severity,
		Message:      model.RenderMessage(rule.MessageTemplate, rule, st.deviceID, value),
		TriggerValue: value,
	})
}

// Status reports the machine state of one rule instance, for tests and
// operational inspection.
func (e *Engine) Status(ruleID, deviceID, tagID string) (model.RuleStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[stateKey(ruleID, deviceID, tagID)]
	if !ok {
		return model.StatusNormal, false
	}
	return st.status, true
}
