package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tagwatch/internal/model"
)

var (
	ErrInvalidRule = errors.New("invalid alarm rule")
	ErrNotFound    = errors.New("alarm rule not found")
)

// Validate rejects malformed rule definitions before they can reach engine
// state. maxRocWindow bounds rocWindowMs for roc_* conditions.
func Validate(r model.AlarmRule, maxRocWindow time.Duration) error {
	if strings.TrimSpace(r.RuleID) == "" {
		return fmt.Errorf("%w: empty rule id", ErrInvalidRule)
	}
	if strings.TrimSpace(r.TagID) == "" {
		return fmt.Errorf("%w: empty tag id", ErrInvalidRule)
	}
	if !r.ConditionType.Valid() {
		return fmt.Errorf("%w: unknown condition type %q", ErrInvalidRule, r.ConditionType)
	}
	if r.Severity < 1 || r.Severity > 5 {
		return fmt.Errorf("%w: severity %d outside [1,5]", ErrInvalidRule, r.Severity)
	}
	if r.DurationMs < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidRule)
	}
	if r.ConditionType == model.CondOffline && r.Threshold <= 0 {
		return fmt.Errorf("%w: offline requires threshold > 0", ErrInvalidRule)
	}
	if r.ConditionType.RateOfChange() {
		maxMs := maxRocWindow.Milliseconds()
		if r.RocWindowMs <= 0 || (maxMs > 0 && r.RocWindowMs > maxMs) {
			return fmt.Errorf("%w: roc window %dms outside (0, %dms]", ErrInvalidRule, r.RocWindowMs, maxMs)
		}
	}
	return nil
}

// Provider is the engine's view of the externally-owned rule set: a listing
// plus a monotonic revision that changes on every mutation.
type Provider interface {
	Revision(ctx context.Context) (int64, error)
	List(ctx context.Context) ([]model.AlarmRule, error)
}

// MemoryProvider owns rules in memory with full CRUD. It backs tests and
// storage-less deployments; mutations validate first and bump the revision.
type MemoryProvider struct {
	mu           sync.RWMutex
	rules        map[string]model.AlarmRule
	revision     int64
	maxRocWindow time.Duration
}

func NewMemoryProvider(maxRocWindow time.Duration) *MemoryProvider {
	return &MemoryProvider{
		rules:        make(map[string]model.AlarmRule),
		revision:     1,
		maxRocWindow: maxRocWindow,
	}
}

func (p *MemoryProvider) Revision(_ context.Context) (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.revision, nil
}

func (p *MemoryProvider) List(_ context.Context) ([]model.AlarmRule, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]model.AlarmRule, 0, len(p.rules))
	for _, r := range p.rules {
		out = append(out, r)
	}
	return out, nil
}

func (p *MemoryProvider) Upsert(r model.AlarmRule) error {
	if err := Validate(r, p.maxRocWindow); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules[r.RuleID] = r
	p.revision++
	return nil
}

func (p *MemoryProvider) Delete(ruleID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.rules[ruleID]; !ok {
		return ErrNotFound
	}
	delete(p.rules, ruleID)
	p.revision++
	return nil
}

func (p *MemoryProvider) SetEnabled(ruleID string, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rules[ruleID]
	if !ok {
		return ErrNotFound
	}
	if r.Enabled == enabled {
		return nil
	}
	r.Enabled = enabled
	p.rules[ruleID] = r
	p.revision++
	return nil
}

// RuleSource is the storage-side contract the SQL provider adapts.
type RuleSource interface {
	ListRules(ctx context.Context) ([]model.AlarmRule, error)
	RulesRevision(ctx context.Context) (int64, error)
}

// SQLProvider serves the engine from the alarm_rules table, where CRUD is
// performed by the external owner.
type SQLProvider struct {
	src RuleSource
}

func NewSQLProvider(src RuleSource) *SQLProvider {
	return &SQLProvider{src: src}
}

func (p *SQLProvider) Revision(ctx context.Context) (int64, error) {
	return p.src.RulesRevision(ctx)
}

func (p *SQLProvider) List(ctx context.Context) ([]model.AlarmRule, error) {
	return p.src.ListRules(ctx)
}
