// Package journal publishes dispatched ticks to Kafka so the recorder can keep a
// last-value snapshot per user and instrument. Publishing is best effort.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shubham-shewale/boxstream/pkg/models"
)

type Journal interface {
	Record(ctx context.Context, rec models.TickRecord)
	Close() error
}

// Nop is used when Kafka is disabled.
type Nop struct{}

func (Nop) Record(context.Context, models.TickRecord) {}
func (Nop) Close() error                              { return nil }

type KafkaJournal struct {
	writer KafkaWriter
	logger *zap.Logger
}

func NewKafkaJournal(writer KafkaWriter, logger *zap.Logger) *KafkaJournal {
	return &KafkaJournal{writer: writer, logger: logger}
}

// NewWriter builds the async batching writer the journal expects.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
	}
}

// Record never blocks the dispatch path on the broker; with an async writer the
// call only enqueues.
func (j *KafkaJournal) Record(ctx context.Context, rec models.TickRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		j.logger.Error("JSON Marshal Error", zap.Error(err))
		return
	}
	err = j.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.UserID + ":" + rec.Instrument),
		Value: payload,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		j.logger.Warn("Kafka Write Error", zap.String("user", rec.UserID), zap.String("instrument", rec.Instrument), zap.Error(err))
	}
}

func (j *KafkaJournal) Close() error {
	return j.writer.Close()
}
