package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/crrw-etl/internal/config"
	"github.com/couchcryptid/crrw-etl/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// Writer produces messages to a Kafka topic.
// It implements pipeline.BatchLoader.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.KafkaBrokers...),
		Topic:                  cfg.KafkaTopic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
		BatchBytes:             16 << 20,
	}
	return &Writer{writer: w, logger: logger}
}

// LoadBatch publishes one message per region history in a single
// WriteMessages call. Messages are keyed by level and region so each region
// keeps its ordering on one partition.
func (w *Writer) LoadBatch(ctx context.Context, batch domain.HistoryBatch) error {
	if len(batch.Histories) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(batch.Histories))
	for i := range batch.Histories {
		msg, err := serializeToMessage(batch, batch.Histories[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %s batch: %w", batch.Level, err)
	}
	w.logger.Debug("batch published", "level", batch.Level, "messages", len(msgs), "run_id", batch.RunID)
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// historyMessage is the value of a published message.
type historyMessage struct {
	Level   domain.Level         `json:"level"`
	Date    string               `json:"date"`
	Dates   []string             `json:"dates"`
	History domain.RegionHistory `json:"history"`
}

// serializeToMessage marshals one region history into a Kafka message.
func serializeToMessage(batch domain.HistoryBatch, h domain.RegionHistory) (kafkago.Message, error) {
	data, err := json.Marshal(historyMessage{
		Level:   batch.Level,
		Date:    batch.Date,
		Dates:   batch.Dates,
		History: h,
	})
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize region history %s: %w", h.FIPS, err)
	}
	return kafkago.Message{
		Key:   []byte(string(batch.Level) + ":" + h.FIPS),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "level", Value: []byte(batch.Level)},
			{Key: "run_id", Value: []byte(batch.RunID)},
			{Key: "data_date", Value: []byte(batch.Date)},
			{Key: "processed_at", Value: []byte(batch.ProcessedAt.Format(time.RFC3339))},
		},
	}, nil
}
