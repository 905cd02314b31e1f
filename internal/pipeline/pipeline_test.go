package pipeline

import (
	"errors"
	"sync"
	"testing"

	"tagwatch/internal/model"
)

type captureExporter struct {
	mu     sync.Mutex
	points []model.TelemetryPoint
}

func (c *captureExporter) Export(p model.TelemetryPoint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.points = append(c.points, p)
	return true
}

func (c *captureExporter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.points)
}

func testPoint(seq int64) model.TelemetryPoint {
	return model.TelemetryPoint{DeviceID: "dev1", TagID: "temp", Timestamp: 1000 + seq, Sequence: seq, Value: 1}
}

func TestWriteAccepted(t *testing.T) {
	exp := &captureExporter{}
	p := New(4, exp, nil)

	ok, err := p.Write(testPoint(1))
	if err != nil || !ok {
		t.Fatalf("expected accept, ok=%v err=%v", ok, err)
	}
	stats := p.Stats()
	if stats.TotalEnqueued != 1 || stats.QueueDepth != 1 || stats.TotalDropped != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestWriteInvalidPoint(t *testing.T) {
	p := New(4, &captureExporter{}, nil)

	_, err := p.Write(model.TelemetryPoint{TagID: "temp", Timestamp: 1000})
	if !errors.Is(err, model.ErrInvalidPoint) {
		t.Fatalf("expected ErrInvalidPoint, got %v", err)
	}
	_, err = p.Write(model.TelemetryPoint{DeviceID: "dev1", Timestamp: 1000})
	if !errors.Is(err, model.ErrInvalidPoint) {
		t.Fatalf("expected ErrInvalidPoint, got %v", err)
	}
	if p.Stats().TotalEnqueued != 0 {
		t.Fatalf("invalid points must not be enqueued")
	}
}

func TestWriteAtCapacityOverflows(t *testing.T) {
	exp := &captureExporter{}
	p := New(2, exp, nil)

	for i := int64(0); i < 2; i++ {
		if ok, err := p.Write(testPoint(i)); err != nil || !ok {
			t.Fatalf("fill write %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := p.Write(testPoint(3))
	if err != nil {
		t.Fatalf("queue-full must not be an error to the writer: %v", err)
	}
	if ok {
		t.Fatalf("write at capacity must be rejected")
	}
	if exp.count() != 1 {
		t.Fatalf("expected exactly one overflow export, got %d", exp.count())
	}
	stats := p.Stats()
	if stats.QueueDepth != 2 {
		t.Fatalf("queue depth changed by overflow write: %d", stats.QueueDepth)
	}
	if stats.TotalDropped != 1 || stats.TotalEnqueued != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestWriteBatch(t *testing.T) {
	exp := &captureExporter{}
	p := New(2, exp, nil)

	batch := []model.TelemetryPoint{
		testPoint(1),
		{TagID: "temp", Timestamp: 1000}, // malformed
		testPoint(2),
		testPoint(3), // over capacity
	}
	accepted, err := p.WriteBatch(batch)
	if !errors.Is(err, model.ErrInvalidPoint) {
		t.Fatalf("expected ErrInvalidPoint surfaced, got %v", err)
	}
	if accepted != 2 {
		t.Fatalf("expected 2 accepted, got %d", accepted)
	}
	if exp.count() != 1 {
		t.Fatalf("expected 1 overflowed, got %d", exp.count())
	}
}

func TestFIFOOrderPreserved(t *testing.T) {
	p := New(8, &captureExporter{}, nil)
	for i := int64(0); i < 5; i++ {
		if ok, _ := p.Write(testPoint(i)); !ok {
			t.Fatalf("write %d rejected", i)
		}
	}
	for i := int64(0); i < 5; i++ {
		got := <-p.Out()
		if got.Sequence != i {
			t.Fatalf("expected sequence %d, got %d", i, got.Sequence)
		}
	}
}

func TestClosedPipelineRoutesToOverflow(t *testing.T) {
	exp := &captureExporter{}
	p := New(4, exp, nil)
	p.Close()
	ok, err := p.Write(testPoint(1))
	if err != nil || ok {
		t.Fatalf("closed pipeline must reject to overflow, ok=%v err=%v", ok, err)
	}
	if exp.count() != 1 {
		t.Fatalf("expected overflow export after close")
	}
	if p.Accepting() {
		t.Fatalf("closed pipeline reports accepting")
	}
}

func TestConcurrentWritersStatsConsistent(t *testing.T) {
	p := New(10000, &captureExporter{}, nil)
	var wg sync.WaitGroup
	const writers = 8
	const perWriter = 100
	for w := 0; w < writers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, _ = p.Write(testPoint(int64(w*perWriter + i)))
			}
		}()
	}
	wg.Wait()
	stats := p.Stats()
	if stats.TotalEnqueued != writers*perWriter {
		t.Fatalf("expected %d enqueued, got %d", writers*perWriter, stats.TotalEnqueued)
	}
	if stats.QueueDepth != writers*perWriter {
		t.Fatalf("expected depth %d, got %d", writers*perWriter, stats.QueueDepth)
	}
}
