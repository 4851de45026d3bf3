package queue

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/rs/zerolog/log"
)

// Kafka carries only a wake signal: "an approved job exists, poll now". The
// Job Store polling loop remains the correctness-bearing dispatch path; a
// lost or duplicated message costs at most one poll interval of latency.

// WakePublisher announces job approvals on a Kafka topic.
type WakePublisher struct {
	writer *kafka.Writer
}

// NewWakePublisher builds a publisher for the given brokers/topic.
func NewWakePublisher(brokers []string, topic string) *WakePublisher {
	return &WakePublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireNone, // fire-and-forget; polling covers loss
		},
	}
}

// Announce publishes a wake message for jobID. Failures are logged and
// swallowed: the poll loop will pick the job up anyway.
func (w *WakePublisher) Announce(ctx context.Context, jobID string) {
	err := w.writer.WriteMessages(ctx, kafka.Message{Key: []byte(jobID)})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Str("job_id", jobID).Msg("kafka_wake_publish_failed")
	}
}

// Close flushes and closes the underlying writer.
func (w *WakePublisher) Close() error { return w.writer.Close() }

// StartWakeConsumer reads wake messages and nudges the pool until ctx ends.
// Each pool instance uses its own group id so every instance wakes.
func StartWakeConsumer(ctx context.Context, brokers []string, topic, groupID string, pool *Pool) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 1e6,
	})
	go func() {
		defer func() {
			if err := reader.Close(); err != nil {
				log.Warn().Err(err).Msg("kafka_wake_reader_close_failed")
			}
		}()
		for {
			if ctx.Err() != nil {
				return
			}
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				log.Warn().Err(err).Msg("kafka_wake_fetch_error")
				select {
				case <-time.After(500 * time.Millisecond):
				case <-ctx.Done():
					return
				}
				continue
			}
			log.Debug().Str("job_id", string(msg.Key)).Msg("kafka_wake_received")
			pool.Wake()
		}
	}()
}
