package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tagwatch/internal/config"
	"tagwatch/internal/model"
	"tagwatch/internal/pipeline"
)

// Consumer is one leg of the fan-out. The set of consumers is fixed for the
// dispatcher's lifetime.
type Consumer interface {
	Name() string
	Deliver(ctx context.Context, p model.TelemetryPoint) error
}

// Escalator marks a consumer whose failures must be escalated rather than
// merely logged (the persistence leg).
type Escalator interface {
	Escalate() bool
}

type ConsumerStats struct {
	Name      string `json:"name"`
	Delivered int64  `json:"delivered"`
	Failed    int64  `json:"failed"`
	TimedOut  int64  `json:"timed_out"`
}

type Stats struct {
	Running        bool            `json:"running"`
	LastDrain      time.Time       `json:"last_drain,omitempty"`
	ShutdownLoss   int64           `json:"shutdown_loss"`
	EscalatedFails int64           `json:"escalated_fails"`
	Consumers      []ConsumerStats `json:"consumers"`
}

type consumerSlot struct {
	consumer  Consumer
	escalate  bool
	delivered atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
}

// Dispatcher drains the pipeline on a single goroutine and fans each point
// out to every consumer. One point's fan-out settles before the next point is
// drained; a failing or slow consumer is isolated and never blocks the rest.
type Dispatcher struct {
	pipe   *pipeline.Pipeline
	cfg    config.DispatcherConfig
	logger *slog.Logger
	slots  []*consumerSlot

	running        atomic.Bool
	lastDrain      atomic.Int64
	shutdownLoss   atomic.Int64
	escalatedFails atomic.Int64

	stopOnce sync.Once
	done     chan struct{}
}

func New(pipe *pipeline.Pipeline, cfg config.DispatcherConfig, logger *slog.Logger, consumers ...Consumer) *Dispatcher {
	slots := make([]*consumerSlot, 0, len(consumers))
	for _, c := range consumers {
		slot := &consumerSlot{consumer: c}
		if esc, ok := c.(Escalator); ok {
			slot.escalate = esc.Escalate()
		}
		slots = append(slots, slot)
	}
	return &Dispatcher{
		pipe:   pipe,
		cfg:    cfg,
		logger: logger,
		slots:  slots,
		done:   make(chan struct{}),
	}
}

// Start launches the drain loop. It returns once the loop is running.
func (d *Dispatcher) Start(ctx context.Context) {
	d.running.Store(true)
	go func() {
		defer close(d.done)
		defer d.running.Store(false)
		for {
			select {
			case p := <-d.pipe.Out():
				d.fanOut(p)
			case <-ctx.Done():
				d.drainRemaining()
				return
			}
		}
	}()
}

// drainRemaining delivers queued points within the shutdown grace period.
// Anything still queued at the deadline is counted as shutdown loss.
func (d *Dispatcher) drainRemaining() {
	grace := d.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	for {
		select {
		case p := <-d.pipe.Out():
			if ctx.Err() != nil {
				d.shutdownLoss.Add(1)
				continue
			}
			d.fanOut(p)
		default:
			loss := d.shutdownLoss.Load()
			if loss > 0 && d.logger != nil {
				d.logger.Error("points undrained at shutdown", "count", loss)
			}
			return
		}
	}
}

// Stop waits for the drain loop to finish after its context is cancelled.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		<-d.done
	})
}

func (d *Dispatcher) fanOut(p model.TelemetryPoint) {
	timeout := d.cfg.DeliveryTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	deliveryCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, slot := range d.slots {
		slot := slot
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := deliver(deliveryCtx, slot.consumer, p)
			if err == nil {
				slot.delivered.Add(1)
				return
			}
			slot.failed.Add(1)
			if errors.Is(err, context.DeadlineExceeded) {
				slot.timedOut.Add(1)
			}
			if slot.escalate {
				d.escalatedFails.Add(1)
			}
			if d.logger != nil {
				d.logger.Warn("consumer delivery failed",
					"consumer", slot.consumer.Name(),
					"device_id", p.DeviceID, "tag_id", p.TagID,
					"escalated", slot.escalate, "err", err)
			}
		}()
	}
	wg.Wait()
	d.lastDrain.Store(time.Now().UnixMilli())
	d.pipe.MarkDispatched(1)
}

// deliver guards against a consumer that ignores its context: the call runs
// on its own goroutine and the dispatcher stops waiting at the deadline.
func deliver(ctx context.Context, c Consumer, p model.TelemetryPoint) error {
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- errors.New("consumer panic")
			}
		}()
		errCh <- c.Deliver(ctx, p)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

func (d *Dispatcher) Stats() Stats {
	out := Stats{
		Running:        d.running.Load(),
		ShutdownLoss:   d.shutdownLoss.Load(),
		EscalatedFails: d.escalatedFails.Load(),
	}
	if ms := d.lastDrain.Load(); ms > 0 {
		out.LastDrain = time.UnixMilli(ms).UTC()
	}
	for _, slot := range d.slots {
		out.Consumers = append(out.Consumers, ConsumerStats{
			Name:      slot.consumer.Name(),
			Delivered: slot.delivered.Load(),
			Failed:    slot.failed.Load(),
			TimedOut:  slot.timedOut.Load(),
		})
	}
	return out
}
