package publish

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"tagwatch/internal/config"
	"tagwatch/internal/model"
)

// KafkaPublisher carries the live-broadcast leg (points topic) and the alarm
// emit contract (alarms topic) over Kafka.
type KafkaPublisher struct {
	points *kafka.Writer
	alarms *kafka.Writer
	logger *slog.Logger
}

func NewKafkaPublisher(cfg config.BroadcastConfig, logger *slog.Logger) *KafkaPublisher {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("broadcast disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("broadcast enabled", "brokers", cfg.Brokers,
			"points_topic", cfg.PointsTopic, "alarms_topic", cfg.AlarmsTopic)
	}
	return &KafkaPublisher{
		points: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    cfg.PointsTopic,
			Balancer: &kafka.Hash{},
		},
		alarms: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    cfg.AlarmsTopic,
			Balancer: &kafka.Hash{},
		},
		logger: logger,
	}
}

// PublishPoint keys messages by device|tag so per-instance ordering survives
// partitioning.
func (k *KafkaPublisher) PublishPoint(ctx context.Context, p model.TelemetryPoint) error {
	value, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return k.points.WriteMessages(ctx, kafka.Message{
		Key:   []byte(p.DeviceID + "|" + p.TagID),
		Value: value,
	})
}

func (k *KafkaPublisher) PublishAlarm(ctx context.Context, ev model.AlarmEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.alarms.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.RuleID),
		Value: value,
	})
}

func (k *KafkaPublisher) Close() error {
	if k == nil {
		return nil
	}
	errPoints := k.points.Close()
	errAlarms := k.alarms.Close()
	if errPoints != nil {
		return errPoints
	}
	return errAlarms
}
