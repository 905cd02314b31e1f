package pipeline

import (
	"log/slog"
	"sync/atomic"

	"tagwatch/internal/model"
)

// Exporter receives points the queue could not absorb.
type Exporter interface {
	Export(p model.TelemetryPoint) bool
}

// Pipeline is the bounded ingestion queue between producers and the
// dispatcher. Writes never block: a full queue routes the point to the
// overflow exporter instead.
type Pipeline struct {
	ch         chan model.TelemetryPoint
	capacity   int
	overflow   Exporter
	logger     *slog.Logger
	enqueued   atomic.Int64
	dropped    atomic.Int64
	dispatched atomic.Int64
	closed     atomic.Bool
}

func New(capacity int, overflow Exporter, logger *slog.Logger) *Pipeline {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Pipeline{
		ch:       make(chan model.TelemetryPoint, capacity),
		capacity: capacity,
		overflow: overflow,
		logger:   logger,
	}
}

// Write enqueues a point if capacity allows. Malformed points fail with a
// validation error; a full queue is not an error to the writer.
func (p *Pipeline) Write(point model.TelemetryPoint) (bool, error) {
	if err := point.Validate(); err != nil {
		return false, err
	}
	if p.closed.Load() {
		p.toOverflow(point)
		return false, nil
	}
	select {
	case p.ch <- point:
		p.enqueued.Add(1)
		return true, nil
	default:
		p.toOverflow(point)
		return false, nil
	}
}

// WriteBatch applies the per-point policy to each item and returns how many
// were accepted into the queue.
func (p *Pipeline) WriteBatch(points []model.TelemetryPoint) (int, error) {
	accepted := 0
	var firstErr error
	for _, point := range points {
		ok, err := p.Write(point)
		if err != nil && firstErr == nil {
			firstErr = err
			continue
		}
		if ok {
			accepted++
		}
	}
	return accepted, firstErr
}

func (p *Pipeline) toOverflow(point model.TelemetryPoint) {
	p.dropped.Add(1)
	if p.overflow != nil {
		p.overflow.Export(point)
		return
	}
	if p.logger != nil {
		p.logger.Warn("queue full and no overflow exporter, point lost",
			"device_id", point.DeviceID, "tag_id", point.TagID)
	}
}

// Out is the drain side, consumed by the dispatcher only.
func (p *Pipeline) Out() <-chan model.TelemetryPoint {
	return p.ch
}

// MarkDispatched is called by the dispatcher after a point's fan-out settles.
func (p *Pipeline) MarkDispatched(n int64) {
	p.dispatched.Add(n)
}

// Close stops accepting new points; later writes route to overflow.
func (p *Pipeline) Close() {
	p.closed.Store(true)
}

func (p *Pipeline) Accepting() bool {
	return !p.closed.Load()
}

func (p *Pipeline) QueueDepth() int {
	return len(p.ch)
}

func (p *Pipeline) QueueCapacity() int {
	return p.capacity
}

func (p *Pipeline) Stats() model.PipelineStats {
	return model.PipelineStats{
		QueueDepth:      len(p.ch),
		QueueCapacity:   p.capacity,
		TotalEnqueued:   p.enqueued.Load(),
		TotalDropped:    p.dropped.Load(),
		TotalDispatched: p.dispatched.Load(),
	}
}
