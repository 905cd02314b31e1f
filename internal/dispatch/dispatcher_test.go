package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tagwatch/internal/config"
	"tagwatch/internal/model"
	"tagwatch/internal/pipeline"
)

type recordingConsumer struct {
	name string
	err  error
	mu   sync.Mutex
	got  []model.TelemetryPoint
}

func (c *recordingConsumer) Name() string { return c.name }

func (c *recordingConsumer) Deliver(_ context.Context, p model.TelemetryPoint) error {
	c.mu.Lock()
	c.got = append(c.got, p)
	c.mu.Unlock()
	return c.err
}

func (c *recordingConsumer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func testDispatcherConfig() config.DispatcherConfig {
	return config.DispatcherConfig{
		DeliveryTimeout: 500 * time.Millisecond,
		ShutdownGrace:   time.Second,
	}
}

func testPoint(seq int64) model.TelemetryPoint {
	return model.TelemetryPoint{DeviceID: "dev1", TagID: "temp", Timestamp: 1000 + seq, Sequence: seq, Value: 1}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestFanOutDeliversToAllConsumers(t *testing.T) {
	pipe := pipeline.New(16, nil, nil)
	a := &recordingConsumer{name: "a"}
	b := &recordingConsumer{name: "b"}
	d := New(pipe, testDispatcherConfig(), nil, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	for i := int64(0); i < 5; i++ {
		if ok, err := pipe.Write(testPoint(i)); err != nil || !ok {
			t.Fatalf("write %d: ok=%v err=%v", i, ok, err)
		}
	}
	waitFor(t, func() bool { return a.count() == 5 && b.count() == 5 })
	cancel()
	d.Stop()

	// Exactly once per consumer, in pipeline order.
	for i, got := range a.got {
		if got.Sequence != int64(i) {
			t.Fatalf("consumer a out of order at %d: %d", i, got.Sequence)
		}
	}
	if pipe.Stats().TotalDispatched != 5 {
		t.Fatalf("expected 5 dispatched, got %d", pipe.Stats().TotalDispatched)
	}
}

func TestFailingConsumerIsolated(t *testing.T) {
	pipe := pipeline.New(16, nil, nil)
	bad := &recordingConsumer{name: "bad", err: errors.New("boom")}
	good := &recordingConsumer{name: "good"}
	d := New(pipe, testDispatcherConfig(), nil, bad, good)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	for i := int64(0); i < 3; i++ {
		_, _ = pipe.Write(testPoint(i))
	}
	waitFor(t, func() bool { return good.count() == 3 })
	cancel()
	d.Stop()

	stats := d.Stats()
	for _, cs := range stats.Consumers {
		switch cs.Name {
		case "bad":
			if cs.Failed != 3 || cs.Delivered != 0 {
				t.Fatalf("bad consumer stats: %+v", cs)
			}
		case "good":
			if cs.Delivered != 3 || cs.Failed != 0 {
				t.Fatalf("good consumer stats: %+v", cs)
			}
		}
	}
}

type slowConsumer struct {
	name  string
	delay time.Duration
}

func (c *slowConsumer) Name() string { return c.name }

func (c *slowConsumer) Deliver(ctx context.Context, _ model.TelemetryPoint) error {
	select {
	case <-time.After(c.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSlowConsumerTimesOutWithoutBlockingOthers(t *testing.T) {
	pipe := pipeline.New(16, nil, nil)
	cfg := testDispatcherConfig()
	cfg.DeliveryTimeout = 20 * time.Millisecond
	slow := &slowConsumer{name: "slow", delay: time.Second}
	fast := &recordingConsumer{name: "fast"}
	d := New(pipe, cfg, nil, slow, fast)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	_, _ = pipe.Write(testPoint(1))
	waitFor(t, func() bool { return fast.count() == 1 })
	waitFor(t, func() bool {
		for _, cs := range d.Stats().Consumers {
			if cs.Name == "slow" && cs.TimedOut == 1 {
				return true
			}
		}
		return false
	})
	cancel()
	d.Stop()
}

func TestEscalatedConsumerFailureCounted(t *testing.T) {
	pipe := pipeline.New(16, nil, nil)
	saver := &failingSaver{}
	d := New(pipe, testDispatcherConfig(), nil, &PersistenceConsumer{Saver: saver})

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	_, _ = pipe.Write(testPoint(1))
	waitFor(t, func() bool { return d.Stats().EscalatedFails == 1 })
	cancel()
	d.Stop()
}

type failingSaver struct{}

func (failingSaver) SavePoints(context.Context, []model.TelemetryPoint) error {
	return errors.New("db down")
}

func TestShutdownDrainsRemainingPoints(t *testing.T) {
	pipe := pipeline.New(16, nil, nil)
	sink := &recordingConsumer{name: "sink"}
	d := New(pipe, testDispatcherConfig(), nil, sink)

	for i := int64(0); i < 8; i++ {
		_, _ = pipe.Write(testPoint(i))
	}
	d.drainRemaining()
	if sink.count() != 8 {
		t.Fatalf("expected full drain, delivered %d", sink.count())
	}
	if d.Stats().ShutdownLoss != 0 {
		t.Fatalf("expected no shutdown loss, got %d", d.Stats().ShutdownLoss)
	}
}

func TestShutdownLossCountedAtGraceExpiry(t *testing.T) {
	pipe := pipeline.New(16, nil, nil)
	cfg := testDispatcherConfig()
	cfg.ShutdownGrace = time.Nanosecond
	sink := &slowConsumer{name: "sink", delay: 50 * time.Millisecond}
	d := New(pipe, cfg, nil, sink)

	for i := int64(0); i < 4; i++ {
		_, _ = pipe.Write(testPoint(i))
	}
	d.drainRemaining()
	stats := d.Stats()
	var delivered int64
	for _, cs := range stats.Consumers {
		delivered += cs.Delivered
	}
	if stats.ShutdownLoss == 0 {
		t.Fatalf("expected undrained points counted as shutdown loss")
	}
	if delivered+stats.ShutdownLoss != 4 {
		t.Fatalf("every point must be delivered or counted lost: delivered=%d loss=%d", delivered, stats.ShutdownLoss)
	}
}

func TestPanickingConsumerIsolated(t *testing.T) {
	pipe := pipeline.New(16, nil, nil)
	good := &recordingConsumer{name: "good"}
	d := New(pipe, testDispatcherConfig(), nil, panicConsumer{}, good)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	_, _ = pipe.Write(testPoint(1))
	waitFor(t, func() bool { return good.count() == 1 })
	cancel()
	d.Stop()
	if got := d.Stats().Consumers[0].Failed; got != 1 {
		t.Fatalf("panic must surface as a failure, failed=%d", got)
	}
}

type panicConsumer struct{}

func (panicConsumer) Name() string { return "panicky" }

func (panicConsumer) Deliver(context.Context, model.TelemetryPoint) error {
	panic("bug")
}
