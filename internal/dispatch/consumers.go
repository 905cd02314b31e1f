package dispatch

import (
	"context"

	"tagwatch/internal/model"
)

// PointHandler adapts a plain evaluation func (the rule engine's inline
// HandlePoint) into a consumer. Evaluation is synchronous CPU-bound work, so
// there is nothing to time out.
type PointHandler struct {
	ConsumerName string
	Handle       func(p model.TelemetryPoint)
}

func (h *PointHandler) Name() string { return h.ConsumerName }

func (h *PointHandler) Deliver(_ context.Context, p model.TelemetryPoint) error {
	h.Handle(p)
	return nil
}

// PointSaver is the persistence leg. Its failures are escalated, not just
// logged.
type PointSaver interface {
	SavePoints(ctx context.Context, points []model.TelemetryPoint) error
}

type PersistenceConsumer struct {
	Saver PointSaver
}

func (c *PersistenceConsumer) Name() string   { return "persistence" }
func (c *PersistenceConsumer) Escalate() bool { return true }

func (c *PersistenceConsumer) Deliver(ctx context.Context, p model.TelemetryPoint) error {
	return c.Saver.SavePoints(ctx, []model.TelemetryPoint{p})
}

// PointPublisher is the live-broadcast leg.
type PointPublisher interface {
	PublishPoint(ctx context.Context, p model.TelemetryPoint) error
}

type BroadcastConsumer struct {
	Publisher PointPublisher
}

func (c *BroadcastConsumer) Name() string { return "broadcast" }

func (c *BroadcastConsumer) Deliver(ctx context.Context, p model.TelemetryPoint) error {
	return c.Publisher.PublishPoint(ctx, p)
}
