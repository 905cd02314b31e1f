package engine

import (
	"tagwatch/internal/model"
)

type sample struct {
	ts    int64
	value float64
}

// rocBuffer keeps the trailing rocWindowMs of (ts,value) samples. Eviction is
// driven by the latest sample's timestamp, not the wall clock.
type rocBuffer struct {
	windowMs int64
	samples  []sample
	head     int
}

func newRocBuffer(windowMs int64) *rocBuffer {
	return &rocBuffer{windowMs: windowMs, samples: make([]sample, 0, 16)}
}

func (b *rocBuffer) add(ts int64, value float64) {
	b.samples = append(b.samples, sample{ts: ts, value: value})
	cutoff := ts - b.windowMs
	for b.head < len(b.samples) && b.samples[b.head].ts < cutoff {
		b.head++
	}
	if b.head > 0 && b.head*2 >= len(b.samples) {
		b.samples = append([]sample{}, b.samples[b.head:]...)
		b.head = 0
	}
}

func (b *rocBuffer) oldest() (sample, bool) {
	if b.head >= len(b.samples) {
		return sample{}, false
	}
	return b.samples[b.head], true
}

func (b *rocBuffer) latest() (sample, bool) {
	if len(b.samples) == 0 {
		return sample{}, false
	}
	return b.samples[len(b.samples)-1], true
}

func (b *rocBuffer) size() int {
	return len(b.samples) - b.head
}

// ruleState is the engine-owned state machine for one (rule, device, tag)
// instance. Created lazily on the first matching point; discarded with its
// rule.
type ruleState struct {
	ruleID   string
	deviceID string
	tagID    string

	lastValue     float64
	lastSeenTs    int64
	pendingSince  int64
	lastTriggered int64
	status        model.RuleStatus

	roc *rocBuffer
}

func newRuleState(rule model.AlarmRule, deviceID, tagID string) *ruleState {
	s := &ruleState{
		ruleID:   rule.RuleID,
		deviceID: deviceID,
		tagID:    tagID,
		status:   model.StatusNormal,
	}
	if rule.ConditionType.RateOfChange() {
		s.roc = newRocBuffer(rule.RocWindowMs)
	}
	return s
}

func stateKey(ruleID, deviceID, tagID string) string {
	return ruleID + "|" + deviceID + "|" + tagID
}
