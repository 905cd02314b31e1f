package overflow

import (
	"context"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"

	"tagwatch/internal/config"
	"tagwatch/internal/model"
)

func testOverflowConfig(dir string) config.OverflowConfig {
	return config.OverflowConfig{
		Dir:           dir,
		FilePrefix:    "overflow",
		MaxFileBytes:  1 << 20,
		MaxFileAge:    time.Hour,
		Buffer:        64,
		RetryInterval: 10 * time.Millisecond,
		MaxRetries:    2,
	}
}

func testPoints(n int) []model.TelemetryPoint {
	out := make([]model.TelemetryPoint, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.TelemetryPoint{
			DeviceID:  "dev1",
			TagID:     "temp",
			Timestamp: int64(1000 + i),
			Sequence:  int64(i),
			Value:     float64(i) * 1.5,
			ValueType: model.ValueFloat,
			Quality:   model.QualityGood,
			Unit:      "C",
			Source:    "plc",
			Protocol:  "modbus",
		})
	}
	return out
}

func TestExportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	exp, err := NewExporter(testOverflowConfig(dir), nil)
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	exp.Start(ctx)

	points := testPoints(10)
	if got := exp.ExportBatch(points); got != len(points) {
		t.Fatalf("expected %d accepted, got %d", len(points), got)
	}
	cancel()
	exp.Wait()

	stats := exp.Stats()
	if stats.TotalExported != int64(len(points)) {
		t.Fatalf("expected %d exported, got %d", len(points), stats.TotalExported)
	}
	if stats.TotalLost != 0 {
		t.Fatalf("expected no loss, got %d", stats.TotalLost)
	}
	if stats.FileCount != 1 || stats.CurrentFilePath == "" {
		t.Fatalf("unexpected file stats: %+v", stats)
	}

	got, err := ReadFile(stats.CurrentFilePath)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !reflect.DeepEqual(points, got) {
		t.Fatalf("reread points differ from originals:\nwant %+v\ngot  %+v", points, got)
	}
}

func TestRotationBySize(t *testing.T) {
	dir := t.TempDir()
	cfg := testOverflowConfig(dir)
	cfg.MaxFileBytes = 256
	exp, err := NewExporter(cfg, nil)
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	exp.Start(ctx)

	points := testPoints(20)
	exp.ExportBatch(points)
	cancel()
	exp.Wait()

	stats := exp.Stats()
	if stats.FileCount < 2 {
		t.Fatalf("expected rotation across files, got %d", stats.FileCount)
	}
	if stats.TotalExported != int64(len(points)) {
		t.Fatalf("rotation lost points: %d of %d", stats.TotalExported, len(points))
	}

	paths, err := filepath.Glob(filepath.Join(dir, "overflow-*.jsonl"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(paths) != stats.FileCount {
		t.Fatalf("expected %d files on disk, found %d", stats.FileCount, len(paths))
	}
	sort.Strings(paths)
	var all []model.TelemetryPoint
	for _, path := range paths {
		part, err := ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		all = append(all, part...)
	}
	if !reflect.DeepEqual(points, all) {
		t.Fatalf("export order not preserved across rotation")
	}
}

func TestExportBufferFullCountsLost(t *testing.T) {
	dir := t.TempDir()
	cfg := testOverflowConfig(dir)
	cfg.Buffer = 1
	exp, err := NewExporter(cfg, nil)
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	// Writer loop never started: the buffer holds one point, the rest are
	// counted lost rather than blocking the caller.
	accepted := exp.ExportBatch(testPoints(5))
	if accepted != 1 {
		t.Fatalf("expected 1 buffered, got %d", accepted)
	}
	if got := exp.Stats().TotalLost; got != 4 {
		t.Fatalf("expected 4 lost, got %d", got)
	}
}
