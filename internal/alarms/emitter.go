package alarms

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"tagwatch/internal/model"
)

// Sink is the durable leg of the emit contract.
type Sink interface {
	SaveAlarmEvent(ctx context.Context, ev model.AlarmEvent) error
}

// Publisher is the outbound notification leg.
type Publisher interface {
	PublishAlarm(ctx context.Context, ev model.AlarmEvent) error
}

// Emitter fans alarm events to the in-memory store synchronously and to the
// durable and publish legs fire-and-forget, so rule evaluation never waits on
// I/O. Leg failures are logged and counted, never propagated.
type Emitter struct {
	store   *Store
	sink    Sink
	pub     Publisher
	logger  *slog.Logger
	timeout time.Duration

	sinkFails atomic.Int64
	pubFails  atomic.Int64
}

func NewEmitter(store *Store, sink Sink, pub Publisher, logger *slog.Logger) *Emitter {
	return &Emitter{
		store:   store,
		sink:    sink,
		pub:     pub,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (e *Emitter) Emit(ev model.AlarmEvent) {
	if e.store != nil {
		e.store.Add(ev)
	}
	if e.sink != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
			defer cancel()
			if err := e.sink.SaveAlarmEvent(ctx, ev); err != nil {
				e.sinkFails.Add(1)
				if e.logger != nil {
					e.logger.Error("alarm event persistence failed",
						"rule_id", ev.RuleID, "kind", ev.Kind, "err", err)
				}
			}
		}()
	}
	if e.pub != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
			defer cancel()
			if err := e.pub.PublishAlarm(ctx, ev); err != nil {
				e.pubFails.Add(1)
				if e.logger != nil {
					e.logger.Warn("alarm event publish failed",
						"rule_id", ev.RuleID, "kind", ev.Kind, "err", err)
				}
			}
		}()
	}
}

func (e *Emitter) SinkFailures() int64 {
	return e.sinkFails.Load()
}

func (e *Emitter) PublishFailures() int64 {
	return e.pubFails.Load()
}
