package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink emits each report as one message keyed by subject ID, so a
// subject's reports stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	logger *zap.Logger
}

func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        false,
	}
	return newKafkaSink(w, logger)
}

func newKafkaSink(w messageWriter, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSink{writer: w, logger: logger}
}

func (k *KafkaSink) Publish(ctx context.Context, r Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(r.SubjectID),
		Value: data,
		Time:  r.GeneratedAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(r.Kind)},
			{Key: "label", Value: []byte(r.Label)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.logger.Warn("Kafka publish failed", zap.String("subject_id", r.SubjectID), zap.Error(err))
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error { return k.writer.Close() }
