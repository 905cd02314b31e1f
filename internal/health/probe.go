package health

import (
	"context"
	"time"

	"tagwatch/internal/dispatch"
	"tagwatch/internal/model"
)

type PipelineSource interface {
	Stats() model.PipelineStats
	Accepting() bool
}

type OverflowSource interface {
	Stats() model.OverflowStats
}

type DispatcherSource interface {
	Stats() dispatch.Stats
	Running() bool
}

type EngineSource interface {
	LoadedOnce() bool
	Revision() int64
	RuleCount() int
}

type Snapshot struct {
	Time       time.Time           `json:"time"`
	Live       bool                `json:"live"`
	Ready      bool                `json:"ready"`
	Pipeline   model.PipelineStats `json:"pipeline"`
	Overflow   model.OverflowStats `json:"overflow"`
	Dispatcher dispatch.Stats      `json:"dispatcher"`
	Rules      RulesStatus         `json:"rules"`
}

type RulesStatus struct {
	Loaded   bool  `json:"loaded"`
	Revision int64 `json:"revision"`
	Count    int   `json:"count"`
}

// Probe aggregates component stats for external liveness and readiness
// endpoints.
type Probe struct {
	pipeline   PipelineSource
	overflow   OverflowSource
	dispatcher DispatcherSource
	engine     EngineSource
}

func NewProbe(pipeline PipelineSource, overflow OverflowSource, dispatcher DispatcherSource, engine EngineSource) *Probe {
	return &Probe{pipeline: pipeline, overflow: overflow, dispatcher: dispatcher, engine: engine}
}

// Live is process-only liveness.
func (p *Probe) Live() bool {
	return true
}

// Ready requires the pipeline to accept writes and the engine to have loaded
// its rule set at least once.
func (p *Probe) Ready(_ context.Context) bool {
	if p.pipeline != nil && !p.pipeline.Accepting() {
		return false
	}
	if p.engine != nil && !p.engine.LoadedOnce() {
		return false
	}
	return true
}

func (p *Probe) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		Time: time.Now().UTC(),
		Live: p.Live(),
	}
	snap.Ready = p.Ready(ctx)
	if p.pipeline != nil {
		snap.Pipeline = p.pipeline.Stats()
	}
	if p.overflow != nil {
		snap.Overflow = p.overflow.Stats()
	}
	if p.dispatcher != nil {
		snap.Dispatcher = p.dispatcher.Stats()
	}
	if p.engine != nil {
		snap.Rules = RulesStatus{
			Loaded:   p.engine.LoadedOnce(),
			Revision: p.engine.Revision(),
			Count:    p.engine.RuleCount(),
		}
	}
	return snap
}
