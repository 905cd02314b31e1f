package overflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"tagwatch/internal/config"
	"tagwatch/internal/model"
)

// Exporter appends rejected points to a rotating append-only JSONL log.
// Export hands the point to a buffered channel; a single writer goroutine
// owns the file, so the pipeline's hot path never touches disk.
type Exporter struct {
	cfg    config.OverflowConfig
	logger *slog.Logger

	ch   chan model.TelemetryPoint
	done chan struct{}

	exported atomic.Int64
	lost     atomic.Int64

	mu        sync.Mutex
	file      *os.File
	filePath  string
	fileSize  int64
	fileCount int
	openedAt  time.Time
}

func NewExporter(cfg config.OverflowConfig, logger *slog.Logger) (*Exporter, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("overflow dir: %w", err)
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	return &Exporter{
		cfg:    cfg,
		logger: logger,
		ch:     make(chan model.TelemetryPoint, buffer),
		done:   make(chan struct{}),
	}, nil
}

// Start runs the writer loop until ctx is cancelled, then drains whatever is
// still buffered before closing the current file.
func (e *Exporter) Start(ctx context.Context) {
	go func() {
		defer close(e.done)
		for {
			select {
			case p := <-e.ch:
				e.writeWithRetry(ctx, p)
			case <-ctx.Done():
				for {
					select {
					case p := <-e.ch:
						e.writeWithRetry(context.Background(), p)
					default:
						e.closeFile()
						return
					}
				}
			}
		}
	}()
}

// Wait blocks until the writer loop has finished its shutdown drain.
func (e *Exporter) Wait() {
	<-e.done
}

// Export hands one point to the writer. It never blocks; if the buffer is
// full the point is counted as lost.
func (e *Exporter) Export(p model.TelemetryPoint) bool {
	select {
	case e.ch <- p:
		return true
	default:
		e.lost.Add(1)
		if e.logger != nil {
			e.logger.Error("overflow buffer full, point lost",
				"device_id", p.DeviceID, "tag_id", p.TagID, "sequence", p.Sequence)
		}
		return false
	}
}

func (e *Exporter) ExportBatch(points []model.TelemetryPoint) int {
	accepted := 0
	for _, p := range points {
		if e.Export(p) {
			accepted++
		}
	}
	return accepted
}

func (e *Exporter) writeWithRetry(ctx context.Context, p model.TelemetryPoint) {
	retries := e.cfg.MaxRetries
	if retries <= 0 {
		retries = 5
	}
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 && !backoffSleep(ctx, e.cfg.RetryInterval) {
			break
		}
		if err := e.writeOne(p); err != nil {
			if e.logger != nil {
				e.logger.Warn("overflow write failed", "attempt", attempt, "err", err)
			}
			continue
		}
		e.exported.Add(1)
		return
	}
	e.lost.Add(1)
	if e.logger != nil {
		e.logger.Error("overflow write gave up, point lost",
			"device_id", p.DeviceID, "tag_id", p.TagID, "sequence", p.Sequence)
	}
}

func (e *Exporter) writeOne(p model.TelemetryPoint) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureFileLocked(int64(len(data))); err != nil {
		return err
	}
	n, err := e.file.Write(data)
	e.fileSize += int64(n)
	return err
}

func (e *Exporter) ensureFileLocked(incoming int64) error {
	now := time.Now().UTC()
	rotate := e.file != nil &&
		((e.cfg.MaxFileBytes > 0 && e.fileSize+incoming > e.cfg.MaxFileBytes) ||
			(e.cfg.MaxFileAge > 0 && now.Sub(e.openedAt) >= e.cfg.MaxFileAge))
	if rotate {
		_ = e.file.Close()
		e.file = nil
	}
	if e.file != nil {
		return nil
	}
	name := fmt.Sprintf("%s-%s.jsonl", e.cfg.FilePrefix, now.Format("20060102T150405.000000000"))
	path := filepath.Join(e.cfg.Dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	e.file = f
	e.filePath = path
	e.fileSize = 0
	e.fileCount++
	e.openedAt = now
	return nil
}

func (e *Exporter) closeFile() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file != nil {
		_ = e.file.Close()
		e.file = nil
	}
}

func (e *Exporter) Stats() model.OverflowStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return model.OverflowStats{
		TotalExported:   e.exported.Load(),
		TotalLost:       e.lost.Load(),
		CurrentFileSize: e.fileSize,
		FileCount:       e.fileCount,
		CurrentFilePath: e.filePath,
	}
}

// ReadFile decodes one overflow file back into points, in export order.
func ReadFile(path string) ([]model.TelemetryPoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []model.TelemetryPoint
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var p model.TelemetryPoint
		if err := dec.Decode(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func backoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
