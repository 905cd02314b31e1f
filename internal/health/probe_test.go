package health

import (
	"context"
	"testing"
	"time"

	"tagwatch/internal/config"
	"tagwatch/internal/engine"
	"tagwatch/internal/model"
	"tagwatch/internal/pipeline"
	"tagwatch/internal/rules"
)

func testPoint() model.TelemetryPoint {
	return model.TelemetryPoint{DeviceID: "dev1", TagID: "temp", Timestamp: 1000, Value: 1}
}

func testEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := config.EngineConfig{
		RefreshInterval:      time.Second,
		OfflineSweepInterval: time.Second,
		MaxRocWindow:         time.Hour,
	}
	return engine.New(cfg, rules.NewMemoryProvider(time.Hour), nil, nil)
}

func TestReadinessRequiresRuleLoad(t *testing.T) {
	pipe := pipeline.New(4, nil, nil)
	eng := testEngine(t)
	probe := NewProbe(pipe, nil, nil, eng)

	if !probe.Live() {
		t.Fatalf("live must be process-only true")
	}
	if probe.Ready(context.Background()) {
		t.Fatalf("not ready before first rule load")
	}
	eng.Refresh(context.Background())
	if !probe.Ready(context.Background()) {
		t.Fatalf("ready after rule set loaded")
	}
}

func TestReadinessRequiresAcceptingPipeline(t *testing.T) {
	pipe := pipeline.New(4, nil, nil)
	eng := testEngine(t)
	eng.Refresh(context.Background())
	probe := NewProbe(pipe, nil, nil, eng)

	if !probe.Ready(context.Background()) {
		t.Fatalf("expected ready")
	}
	pipe.Close()
	if probe.Ready(context.Background()) {
		t.Fatalf("closed pipeline must report not ready")
	}
}

func TestSnapshotAggregates(t *testing.T) {
	pipe := pipeline.New(4, nil, nil)
	eng := testEngine(t)
	eng.Refresh(context.Background())
	probe := NewProbe(pipe, nil, nil, eng)

	if _, err := pipe.Write(testPoint()); err != nil {
		t.Fatalf("write: %v", err)
	}
	snap := probe.Snapshot(context.Background())
	if snap.Pipeline.TotalEnqueued != 1 || snap.Pipeline.QueueCapacity != 4 {
		t.Fatalf("pipeline stats not aggregated: %+v", snap.Pipeline)
	}
	if !snap.Rules.Loaded || snap.Rules.Revision == 0 {
		t.Fatalf("rule status not aggregated: %+v", snap.Rules)
	}
	if !snap.Ready || !snap.Live {
		t.Fatalf("expected live and ready snapshot")
	}
}
